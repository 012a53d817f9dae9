package release

import (
	"context"
	"fmt"
	"path"
	"time"

	"deploytool/internal/layout"

	"github.com/hashicorp/go-multierror"
)

const (
	TaskDeploy          = "deploy"
	TaskRollback        = "rollback"
	TaskRestoreDatabase = "restore_database"
)

// Options tune a deploy.
type Options struct {
	// Force skips the already-deployed checks. The release directory still
	// gets a fresh _N name when the stamp was deployed before.
	Force bool

	// SkipDatabaseUpdate skips the backups, syncdb and migrate.
	SkipDatabaseUpdate bool

	// UseWheel installs from the prebuilt wheel directory instead of the
	// package index.
	UseWheel bool

	// PauseAt lists the checkpoints where the run waits for an operator.
	PauseAt []Checkpoint

	// RestartServices names the programs to restart after promotion. nil
	// restarts the whole group; an empty slice restarts nothing.
	RestartServices []string

	// Args and Kwargs are passed on to hooks.
	Args   []string
	Kwargs map[string]string
}

// deployment carries the state of one deploy run.
type deployment struct {
	m       *Manager
	opts    Options
	pauses  map[Checkpoint]bool
	stamp   string
	release layout.Release
	env     *Env
	stage   string

	// backedUp is set once the start backup is complete.
	backedUp bool
}

// Deploy builds ref into a new release, promotes it, restarts the services
// and prunes obsolete releases. Until promotion, any failure removes the
// new release and leaves the links as they were.
func (m *Manager) Deploy(ctx context.Context, ref string, opts Options) (*Release, error) {
	pauses := make(map[Checkpoint]bool, len(opts.PauseAt))
	for _, cp := range opts.PauseAt {
		if !cp.Valid() {
			return nil, &UnknownCheckpointError{Name: string(cp)}
		}
		pauses[cp] = true
	}
	if len(pauses) > 0 && m.pauser == nil {
		return nil, fmt.Errorf("pausing at checkpoints needs an interactive session")
	}

	stamp, err := m.source.Resolve(ref)
	if err != nil {
		return nil, err
	}
	if !layout.IsStamp(stamp) {
		return nil, fmt.Errorf("revision %q did not resolve to a full commit hash", stamp)
	}

	unlock, err := m.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	snap, err := m.Inspect(ctx)
	if err != nil {
		return nil, err
	}

	if !opts.Force {
		if err := m.checkDeployable(ctx, snap, stamp); err != nil {
			return nil, err
		}
	}

	// Step 1: Find a free release directory name
	name, err := m.freeName(ctx, stamp)
	if err != nil {
		return nil, err
	}

	rel := m.layout.Release(name)
	d := &deployment{
		m:       m,
		opts:    opts,
		pauses:  pauses,
		stamp:   stamp,
		release: rel,
		env: &Env{
			Host:    m.host,
			Layout:  m.layout,
			Release: rel,
			Stamp:   stamp,
			Args:    opts.Args,
			Kwargs:  opts.Kwargs,
		},
	}
	started := m.now()
	m.logger.Info("deploy started", "stamp", stamp, "release", name)

	// Steps 2-6: Build the release
	if err := d.build(ctx); err != nil {
		return nil, d.abort(ctx, err, false)
	}

	// Step 7: Update the database
	if !opts.SkipDatabaseUpdate {
		if err := d.updateDatabase(ctx); err != nil {
			return nil, d.abort(ctx, err, true)
		}
	}

	d.stage = "promote"
	if err := d.checkpoint(ctx, BeforeRestart); err != nil {
		return nil, d.abort(ctx, err, !opts.SkipDatabaseUpdate)
	}

	// Step 8: Switch the links
	m.reporter.Step("Setting current instance.")
	if err := m.Promote(ctx, rel.Root); err != nil {
		// The links may be half switched, so the release stays on disk.
		m.record(ctx, TaskDeploy, false, stamp)
		return nil, &DeployError{Stamp: stamp, Release: name, Stage: d.stage, Err: err}
	}

	// Step 9: Restart services
	d.stage = "restart"
	if err := d.restart(ctx); err != nil {
		m.record(ctx, TaskDeploy, false, stamp)
		return nil, &DeployError{Stamp: stamp, Release: name, Stage: d.stage, Promoted: true, Err: err}
	}

	// Step 10: Journal the deploy
	if err := m.journal.Record(ctx, TaskDeploy, true, stamp); err != nil {
		return nil, &DeployError{Stamp: stamp, Release: name, Stage: "journal", Promoted: true, Err: err}
	}
	m.logger.Info("deploy finished", "stamp", stamp, "release", name, "duration", time.Since(started))

	// Step 11: Prune obsolete releases
	if _, err := m.prune(ctx); err != nil {
		m.logger.Warn("failed to prune releases", "error", err)
	}

	return &Release{
		Name:    name,
		Stamp:   stamp,
		Path:    rel.Root,
		ModTime: started,
		State:   StateCurrent,
	}, nil
}

func (m *Manager) checkDeployable(ctx context.Context, snap *Snapshot, stamp string) error {
	if snap.CurrentStamp() == stamp {
		return &AlreadyDeployedError{Stamp: stamp, Current: true}
	}
	if snap.PreviousStamp() == stamp {
		return &UseRollbackInsteadError{Stamp: stamp}
	}
	exists, err := m.host.Exists(ctx, m.layout.ReleasePath(stamp))
	if err != nil {
		return err
	}
	if exists {
		return &AlreadyDeployedError{Stamp: stamp}
	}
	return nil
}

// freeName returns stamp, or stamp_N for the lowest N whose directory does
// not exist yet.
func (m *Manager) freeName(ctx context.Context, stamp string) (string, error) {
	name := stamp
	for i := 1; ; i++ {
		exists, err := m.host.Exists(ctx, m.layout.ReleasePath(name))
		if err != nil {
			return "", err
		}
		if !exists {
			return name, nil
		}
		name = fmt.Sprintf("%s_%d", stamp, i)
	}
}

func (d *deployment) checkpoint(ctx context.Context, cp Checkpoint) error {
	return d.m.checkpoint(ctx, cp, d.env, d.pauses)
}

func (d *deployment) build(ctx context.Context) error {
	m, rel := d.m, d.release

	d.stage = "create folders"
	m.reporter.Step("Creating folders.")
	if err := m.host.Mkdir(ctx, rel.Folders()...); err != nil {
		return err
	}

	d.stage = "deploy source"
	if err := d.checkpoint(ctx, BeforeDeploySource); err != nil {
		return err
	}
	m.reporter.Step("Deploying source.")
	if err := m.source.Transfer(ctx, m.host.Executor(), d.stamp, rel.Source); err != nil {
		return err
	}

	if m.source.HasAssets() {
		d.stage = "compile assets"
		if err := d.checkpoint(ctx, BeforeCompassCompile); err != nil {
			return err
		}
		m.reporter.Step("Compiling and uploading assets.")
		if err := m.source.CompileAssets(ctx, m.host.Executor(), d.stamp, rel.Source); err != nil {
			return err
		}
	}

	d.stage = "create virtualenv"
	if err := d.checkpoint(ctx, BeforeCreateVirtualenv); err != nil {
		return err
	}
	m.reporter.Step("Creating virtualenv.")
	if err := m.toolchain.CreateEnv(ctx, rel); err != nil {
		return err
	}

	d.stage = "install requirements"
	if err := d.checkpoint(ctx, BeforePipInstall); err != nil {
		return err
	}
	m.reporter.Step("Installing requirements.")
	if err := m.toolchain.InstallRequirements(ctx, rel, d.opts.UseWheel); err != nil {
		return err
	}
	if err := d.checkpoint(ctx, AfterPipInstall); err != nil {
		return err
	}
	if err := m.toolchain.InstallExtras(ctx, rel, d.opts.UseWheel); err != nil {
		return err
	}

	d.stage = "install settings"
	m.reporter.Step("Copying settings.")
	if err := m.installSettings(ctx, rel); err != nil {
		return err
	}
	if err := m.host.Symlink(ctx, m.layout.Media(), rel.Media); err != nil {
		return err
	}

	d.stage = "collect static"
	m.reporter.Step("Collecting static files.")
	return m.toolchain.CollectStatic(ctx, rel)
}

// installSettings copies the host's settings files into the release.
func (m *Manager) installSettings(ctx context.Context, rel layout.Release) error {
	if err := m.host.Copy(ctx, m.layout.Settings(), path.Join(rel.Settings, layout.SettingsFile)); err != nil {
		return err
	}
	ok, err := m.host.Exists(ctx, m.layout.SiteSettings())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return m.host.Copy(ctx, m.layout.SiteSettings(), path.Join(rel.Settings, layout.SiteSettingsFile))
}

func (d *deployment) updateDatabase(ctx context.Context) error {
	m, rel := d.m, d.release

	if m.db != nil {
		d.stage = "backup database"
		m.reporter.Step("Backing up database at start.")
		if err := m.BackupDatabase(ctx, rel.BackupStart); err != nil {
			return err
		}
		d.backedUp = true
	}

	d.stage = "syncdb"
	if err := d.checkpoint(ctx, BeforeSyncDB); err != nil {
		return err
	}
	m.reporter.Step("Syncing database.")
	if err := m.toolchain.SyncDatabase(ctx, rel); err != nil {
		return err
	}

	d.stage = "migrate"
	if err := d.checkpoint(ctx, BeforeMigrate); err != nil {
		return err
	}
	m.reporter.Step("Migrating database.")
	if err := m.toolchain.Migrate(ctx, rel); err != nil {
		return err
	}

	if m.db != nil {
		d.stage = "backup database"
		m.reporter.Step("Backing up database at end.")
		if err := m.BackupDatabase(ctx, rel.BackupEnd); err != nil {
			return err
		}
	}
	return nil
}

func (d *deployment) restart(ctx context.Context) error {
	m := d.m
	if d.opts.RestartServices == nil || len(d.opts.RestartServices) > 0 {
		m.reporter.Step("Restarting supervisor group.")
		if err := m.services.Restart(ctx, d.opts.RestartServices...); err != nil {
			return err
		}
	}
	return d.checkpoint(ctx, AfterRestart)
}

// abort undoes a deploy that failed before promotion: the database is
// reloaded from the start backup when restoreDB is set and that backup was
// completed, the failure is journaled and the release directory removed.
// Cleanup failures are combined with cause.
func (d *deployment) abort(ctx context.Context, cause error, restoreDB bool) error {
	m, rel := d.m, d.release
	ctx = context.WithoutCancel(ctx)
	m.logger.Error("deploy failed", "stamp", d.stamp, "stage", d.stage, "error", cause)

	var cleanup *multierror.Error
	if restoreDB && d.backedUp {
		m.reporter.Step("Restoring database from start backup.")
		if err := m.db.Restore(ctx, rel.BackupStart); err != nil {
			cleanup = multierror.Append(cleanup, fmt.Errorf("failed to restore database: %w", err))
		}
	}

	if err := m.journal.Record(ctx, TaskDeploy, false, d.stamp); err != nil {
		cleanup = multierror.Append(cleanup, err)
	}

	m.reporter.Step("Removing failed instance.")
	if err := m.host.RemoveAll(ctx, rel.Root); err != nil {
		cleanup = multierror.Append(cleanup, err)
	}

	err := cause
	if cleanup.ErrorOrNil() != nil {
		err = multierror.Append(cause, cleanup.Errors...)
	}
	return &DeployError{Stamp: d.stamp, Release: rel.Name, Stage: d.stage, Err: err}
}

// record journals a task outcome, logging rather than returning a journal
// failure.
func (m *Manager) record(ctx context.Context, task string, success bool, stamp string) {
	if err := m.journal.Record(context.WithoutCancel(ctx), task, success, stamp); err != nil {
		m.logger.Error("failed to journal task", "task", task, "error", err)
	}
}
