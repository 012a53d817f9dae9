// Package release manages the releases of one virtual host: it builds a
// new release directory, promotes it by switching the current_instance and
// previous_instance links, rolls back to the previous release and prunes
// obsolete ones.
package release

import (
	"context"
	"io"
	"log/slog"
	"path"
	"time"

	"deploytool/internal/layout"
	"deploytool/internal/remote"
	"deploytool/internal/shell"
)

// DefaultKeep is the number of most recently modified releases pruning
// always keeps.
const DefaultKeep = 3

// State is the position of a release directory in the virtual host.
type State int

const (
	// StatePending is an unlinked release inside the retention window.
	StatePending State = iota
	StateCurrent
	StatePrevious
	// StateObsolete is an unlinked release outside the retention window.
	StateObsolete
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCurrent:
		return "current"
	case StatePrevious:
		return "previous"
	case StateObsolete:
		return "obsolete"
	}
	return "unknown"
}

// Release is one release directory found on the target.
type Release struct {
	Name    string
	Stamp   string
	Path    string
	ModTime time.Time
	State   State
}

// Snapshot is the state of a virtual host computed once per operation.
type Snapshot struct {
	// Current and Previous name the linked releases, or are empty.
	Current  string
	Previous string

	// Releases lists every release directory, newest first.
	Releases []Release
}

// CurrentStamp returns the stamp of the current release, or "".
func (s *Snapshot) CurrentStamp() string {
	return layout.StampOf(s.Current)
}

// PreviousStamp returns the stamp of the previous release, or "".
func (s *Snapshot) PreviousStamp() string {
	return layout.StampOf(s.Previous)
}

// Obsolete returns the releases pruning would delete.
func (s *Snapshot) Obsolete() []Release {
	var result []Release
	for _, r := range s.Releases {
		if r.State == StateObsolete {
			result = append(result, r)
		}
	}
	return result
}

// Source materializes a revision on the target.
type Source interface {
	Resolve(ref string) (string, error)
	Transfer(ctx context.Context, ex shell.Executor, stamp, dest string) error
	HasAssets() bool
	CompileAssets(ctx context.Context, ex shell.Executor, stamp, dest string) error
}

// Toolchain builds a release's runtime environment and runs its management
// commands.
type Toolchain interface {
	CreateEnv(ctx context.Context, rel layout.Release) error
	InstallRequirements(ctx context.Context, rel layout.Release, useWheel bool) error
	InstallExtras(ctx context.Context, rel layout.Release, useWheel bool) error
	CollectStatic(ctx context.Context, rel layout.Release) error
	SyncDatabase(ctx context.Context, rel layout.Release) error
	Migrate(ctx context.Context, rel layout.Release) error
}

// Database dumps and reloads the project database on the target.
type Database interface {
	Backup(ctx context.Context, dest string) error
	Restore(ctx context.Context, src string) error
}

// Services controls the process group serving the project.
type Services interface {
	Restart(ctx context.Context, programs ...string) error
	Stop(ctx context.Context, programs ...string) error
	Start(ctx context.Context, programs ...string) error
}

// Journal records finished tasks.
type Journal interface {
	Record(ctx context.Context, task string, success bool, stamp string) error
}

// Pauser hands control to an operator and returns once they resume.
type Pauser interface {
	Pause(ctx context.Context, cp Checkpoint) error
}

// Reporter receives progress messages for the operator.
type Reporter interface {
	Step(msg string)
}

type nopReporter struct{}

func (nopReporter) Step(string) {}

// Config wires a Manager. Host, Layout, Services and Journal are required.
// Source and Toolchain are needed to deploy; a nil Database skips backups
// and restores.
type Config struct {
	Host      *remote.Host
	Layout    *layout.Layout
	Source    Source
	Toolchain Toolchain
	Database  Database
	Services  Services
	Journal   Journal
	Pauser    Pauser
	Hooks     *Hooks
	Reporter  Reporter

	// Keep overrides DefaultKeep when positive.
	Keep int

	// Owner identifies this run in the lock directory.
	Owner string

	Logger *slog.Logger
}

// Manager runs the release lifecycle of one virtual host.
type Manager struct {
	host      *remote.Host
	layout    *layout.Layout
	source    Source
	toolchain Toolchain
	db        Database
	services  Services
	journal   Journal
	pauser    Pauser
	hooks     *Hooks
	reporter  Reporter
	keep      int
	owner     string
	logger    *slog.Logger

	now func() time.Time
}

// New returns a Manager for cfg.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = nopReporter{}
	}
	keep := cfg.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = &Hooks{}
	}
	return &Manager{
		host:      cfg.Host,
		layout:    cfg.Layout,
		source:    cfg.Source,
		toolchain: cfg.Toolchain,
		db:        cfg.Database,
		services:  cfg.Services,
		journal:   cfg.Journal,
		pauser:    cfg.Pauser,
		hooks:     hooks,
		reporter:  reporter,
		keep:      keep,
		owner:     cfg.Owner,
		logger:    logger.With("vhost", cfg.Layout.VHostPath),
		now:       time.Now,
	}
}

// Layout returns the virtual host layout.
func (m *Manager) Layout() *layout.Layout {
	return m.layout
}

// Inspect lists the release directories of the virtual host and computes
// their states.
func (m *Manager) Inspect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	current, err := m.host.ReadLink(ctx, m.layout.Current())
	if err != nil {
		return nil, err
	}
	previous, err := m.host.ReadLink(ctx, m.layout.Previous())
	if err != nil {
		return nil, err
	}
	snap.Current = linkedRelease(current)
	snap.Previous = linkedRelease(previous)

	entries, err := m.host.ListDirs(ctx, m.layout.VHostPath)
	if err != nil {
		return nil, err
	}

	retained := 0
	for _, e := range entries {
		if !layout.ValidReleaseName(e.Name) {
			continue
		}
		r := Release{
			Name:    e.Name,
			Stamp:   layout.StampOf(e.Name),
			Path:    m.layout.ReleasePath(e.Name),
			ModTime: e.ModTime,
		}
		switch {
		case e.Name == snap.Current:
			r.State = StateCurrent
		case e.Name == snap.Previous:
			r.State = StatePrevious
		case retained < m.keep:
			r.State = StatePending
		default:
			r.State = StateObsolete
		}
		retained++
		snap.Releases = append(snap.Releases, r)
	}
	return snap, nil
}

// linkedRelease returns the release name a resolved link points at.
func linkedRelease(target string) string {
	if target == "" {
		return ""
	}
	name := path.Base(target)
	if !layout.ValidReleaseName(name) {
		return ""
	}
	return name
}

// checkpoint pauses for the operator when requested, then runs the hooks
// registered at cp.
func (m *Manager) checkpoint(ctx context.Context, cp Checkpoint, env *Env, pauses map[Checkpoint]bool) error {
	if pauses[cp] {
		m.reporter.Step("Paused at " + string(cp) + ".")
		if err := m.pauser.Pause(ctx, cp); err != nil {
			return err
		}
	}
	return m.hooks.Run(ctx, cp, env)
}

// Restart restarts the service group, or only programs, then runs the
// after_restart hooks.
func (m *Manager) Restart(ctx context.Context, programs ...string) error {
	m.reporter.Step("Restarting supervisor group.")
	if err := m.services.Restart(ctx, programs...); err != nil {
		return err
	}

	env := &Env{Host: m.host, Layout: m.layout}
	if current, err := m.host.ReadLink(ctx, m.layout.Current()); err == nil {
		if name := linkedRelease(current); name != "" {
			env.Release = m.layout.Release(name)
			env.Stamp = layout.StampOf(name)
		}
	}
	return m.hooks.Run(ctx, AfterRestart, env)
}

// PartialBackupPrefix marks a dump that is still being written.
const PartialBackupPrefix = ".partial."

// BackupDatabase dumps the database to dest on the target. The dump is
// written to a partial file next to dest and renamed into place once it is
// complete, so dest never holds a truncated dump.
func (m *Manager) BackupDatabase(ctx context.Context, dest string) error {
	if m.db == nil {
		return ErrNoDatabase
	}
	partial := path.Join(path.Dir(dest), PartialBackupPrefix+path.Base(dest))
	if err := m.db.Backup(ctx, partial); err != nil {
		if rmErr := m.host.RemoveAll(context.WithoutCancel(ctx), partial); rmErr != nil {
			m.logger.Warn("failed to remove partial database dump", "path", partial, "error", rmErr)
		}
		return err
	}
	return m.host.Rename(ctx, partial, dest)
}

// DumpDatabase backs the database up into the current release's backup
// directory, copies the dump into w and removes it from the target.
func (m *Manager) DumpDatabase(ctx context.Context, w io.Writer) error {
	if m.db == nil {
		return ErrNoDatabase
	}
	snap, err := m.Inspect(ctx)
	if err != nil {
		return err
	}
	if snap.Current == "" {
		return ErrNoCurrentRelease
	}

	dump := remote.TempPath(m.layout.Release(snap.Current).Backup)
	defer func() {
		if err := m.host.RemoveAll(context.WithoutCancel(ctx), dump); err != nil {
			m.logger.Warn("failed to remove database dump", "path", dump, "error", err)
		}
	}()
	m.reporter.Step("Dumping database.")
	if err := m.BackupDatabase(ctx, dump); err != nil {
		return err
	}

	m.reporter.Step("Downloading database dump.")
	return m.host.Executor().Download(ctx, dump, w)
}

// RestoreDatabase reloads the database from the current release's
// start-of-deploy backup.
func (m *Manager) RestoreDatabase(ctx context.Context) error {
	if m.db == nil {
		return ErrNoDatabase
	}
	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	snap, err := m.Inspect(ctx)
	if err != nil {
		return err
	}
	if snap.Current == "" {
		return ErrNoCurrentRelease
	}

	backup := m.layout.Release(snap.Current).BackupStart
	ok, err := m.host.Exists(ctx, backup)
	if err != nil {
		return err
	}
	if !ok {
		return &NoBackupFoundError{Path: backup}
	}

	m.reporter.Step("Restoring database.")
	return m.db.Restore(ctx, backup)
}
