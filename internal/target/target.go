// Package target connects to one host of a project environment and wires
// the release lifecycle manager with its collaborators.
package target

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"

	"deploytool/internal/console"
	"deploytool/internal/database"
	"deploytool/internal/history"
	"deploytool/internal/layout"
	"deploytool/internal/project"
	"deploytool/internal/release"
	"deploytool/internal/remote"
	"deploytool/internal/service"
	"deploytool/internal/shell"
	"deploytool/internal/source"
	"deploytool/internal/toolchain"
)

// DialFunc opens an executor for one host.
type DialFunc func(ctx context.Context, cfg shell.SSHConfig) (shell.Executor, error)

// Options select the host and the optional collaborators of a Target.
type Options struct {
	Project     *project.Project
	Environment *project.Environment
	Host        project.Host

	// LocalUser names the operator in the journal. Defaults to LocalUser().
	LocalUser string

	// History mirrors journal entries into the local task database.
	History *history.History
	Trigger string

	// Console reports progress and serves pause checkpoints. Without one
	// the run is silent and cannot pause.
	Console *console.Console

	// Source overrides opening the project repository.
	Source *source.Git

	// Dial overrides the SSH connection.
	Dial DialFunc

	// Provisioning opens a host whose database credentials may not exist
	// yet. The engine is created but the manager gets no database.
	Provisioning bool

	Logger *slog.Logger
}

// Target is a connected host with everything needed to run tasks on it.
type Target struct {
	Project     *project.Project
	Environment *project.Environment
	Host        project.Host

	Executor   shell.Executor
	Remote     *remote.Host
	Layout     *layout.Layout
	Source     *source.Git
	Toolchain  *toolchain.Python
	Engine     database.Engine
	Supervisor *service.Supervisor
	Journal    *history.Journal
	Manager    *release.Manager
}

// LocalUser returns the name of the operator running the tool.
func LocalUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// OpenSource opens the repository of proj with its asset build.
func OpenSource(proj *project.Project, logger *slog.Logger) (*source.Git, error) {
	assets, err := proj.SourceAssets()
	if err != nil {
		return nil, err
	}
	opts := []source.Option{}
	if logger != nil {
		opts = append(opts, source.WithLogger(logger))
	}
	if assets != nil {
		opts = append(opts, source.WithAssets(assets))
	}
	return source.Open(proj.Repository, opts...)
}

func dialSSH(logger *slog.Logger) DialFunc {
	return func(ctx context.Context, cfg shell.SSHConfig) (shell.Executor, error) {
		return shell.DialSSH(ctx, cfg, logger)
	}
}

// Open connects to opts.Host and wires the release manager. The caller
// must Close the target.
func Open(ctx context.Context, opts Options) (*Target, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	proj, env := opts.Project, opts.Environment
	logger = logger.With("project", proj.Name, "environment", env.Name, "host", opts.Host.Address)

	localUser := opts.LocalUser
	if localUser == "" {
		localUser = LocalUser()
	}

	src := opts.Source
	if src == nil {
		var err error
		if src, err = OpenSource(proj, logger); err != nil {
			return nil, err
		}
	}

	hooks, err := proj.ReleaseHooks()
	if err != nil {
		return nil, err
	}

	dial := opts.Dial
	if dial == nil {
		dial = dialSSH(logger)
	}
	ex, err := dial(ctx, env.SSHConfig(opts.Host, localUser))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Host.Address, err)
	}

	var bound *database.Bound
	var engine database.Engine
	if env.HasDatabase() {
		if engine, err = database.New(env.Database.Engine, ex, env.DatabaseOptions()); err != nil {
			ex.Close()
			return nil, err
		}
		if !opts.Provisioning {
			creds, err := env.Credentials()
			if err != nil {
				ex.Close()
				return nil, err
			}
			bound = &database.Bound{Engine: engine, Credentials: creds}
		}
	}

	host := remote.New(ex, logger)
	l := proj.Layout(env)
	supervisor := service.NewSupervisor(host, proj.SupervisorGroup(env), logger)
	python := toolchain.NewPython(host, l, proj.ToolchainConfig(), logger)

	journal := history.NewJournal(host, l.Journal(), proj.Name, env.Name, localUser, logger)
	if opts.History != nil {
		trigger := opts.Trigger
		if trigger == "" {
			trigger = history.TriggerCLI
		}
		journal.Mirror(opts.History, trigger)
	}

	cfg := release.Config{
		Host:      host,
		Layout:    l,
		Source:    src,
		Toolchain: python,
		Services:  supervisor,
		Journal:   journal,
		Hooks:     hooks,
		Keep:      proj.KeepReleases,
		Owner:     localUser + "@" + hostname(),
		Logger:    logger,
	}
	if bound != nil {
		cfg.Database = bound
	}
	if opts.Console != nil {
		cfg.Reporter = opts.Console
		cfg.Pauser = &console.ShellPauser{Console: opts.Console, Executor: ex}
	}

	return &Target{
		Project:     proj,
		Environment: env,
		Host:        opts.Host,
		Executor:    ex,
		Remote:      host,
		Layout:      l,
		Source:      src,
		Toolchain:   python,
		Engine:      engine,
		Supervisor:  supervisor,
		Journal:     journal,
		Manager:     release.New(cfg),
	}, nil
}

// Close closes the connection.
func (t *Target) Close() error {
	return t.Executor.Close()
}

// Name describes the target in messages, e.g. "t-shop on web1".
func (t *Target) Name() string {
	return fmt.Sprintf("%s on %s", t.Environment.FullName(), t.Host.Address)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return name
}
