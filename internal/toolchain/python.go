// Package toolchain builds the runtime environment of a release: the
// Python virtualenv, its packages and the Django management steps.
package toolchain

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"deploytool/internal/layout"
	"deploytool/internal/remote"
	"deploytool/pkg/cmdutil"
)

// Config tunes the toolchain. Zero values select the defaults.
type Config struct {
	// Interpreter is passed to virtualenv --python.
	Interpreter string

	// ExtraPackages are installed after the requirements, e.g. "gunicorn==17.5".
	ExtraPackages []string

	// SyncCommand and MigrateCommand are manage.py subcommands with arguments.
	SyncCommand    []string
	MigrateCommand []string
}

// DefaultExtraPackages are installed into every environment.
var DefaultExtraPackages = []string{"gunicorn==17.5"}

var (
	defaultSync    = []string{"syncdb", "--noinput"}
	defaultMigrate = []string{"migrate", "--noinput"}
	collectStatic  = []string{"collectstatic", "--noinput"}
)

// DependencyInstallError is returned when a virtualenv or its packages
// cannot be installed.
type DependencyInstallError struct {
	Step string
	Err  error
}

func (e *DependencyInstallError) Error() string {
	return fmt.Sprintf("could not install packages (%s): %v", e.Step, e.Err)
}

func (e *DependencyInstallError) Unwrap() error {
	return e.Err
}

// Python drives virtualenv, pip and manage.py on a target.
type Python struct {
	host   *remote.Host
	layout *layout.Layout
	cfg    Config
	logger *slog.Logger
}

// NewPython returns the toolchain for one virtual host.
func NewPython(host *remote.Host, l *layout.Layout, cfg Config, logger *slog.Logger) *Python {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ExtraPackages == nil {
		cfg.ExtraPackages = DefaultExtraPackages
	}
	if len(cfg.SyncCommand) == 0 {
		cfg.SyncCommand = defaultSync
	}
	if len(cfg.MigrateCommand) == 0 {
		cfg.MigrateCommand = defaultMigrate
	}
	return &Python{host: host, layout: l, cfg: cfg, logger: logger}
}

// CreateEnv creates the virtualenv of rel.
func (p *Python) CreateEnv(ctx context.Context, rel layout.Release) error {
	args := []string{"virtualenv"}
	if p.cfg.Interpreter != "" {
		args = append(args, "--python="+p.cfg.Interpreter)
	}
	args = append(args, rel.Env)

	if _, err := p.host.Run(ctx, cmdutil.Join(args...)); err != nil {
		return &DependencyInstallError{Step: "virtualenv", Err: err}
	}
	return nil
}

// PythonVersion returns the <major>.<minor> version of the env's interpreter.
func (p *Python) PythonVersion(ctx context.Context, rel layout.Release) (string, error) {
	line := cmdutil.Join(path.Join(rel.Env, "bin", "python"), "-c",
		`import sys; print("%d.%d" % sys.version_info[:2])`)
	result, err := p.host.Run(ctx, line)
	if err != nil {
		return "", fmt.Errorf("failed to read python version: %w", err)
	}
	return strings.TrimSpace(result.Output), nil
}

// InstallRequirements copies *.pth files from the source root into the
// env's site-packages and installs requirements.txt. useWheel installs
// from the local wheel directory without touching the package index.
func (p *Python) InstallRequirements(ctx context.Context, rel layout.Release, useWheel bool) error {
	for _, required := range []string{rel.Requirements(), rel.Env} {
		ok, err := p.host.Exists(ctx, required)
		if err != nil {
			return &DependencyInstallError{Step: "requirements", Err: err}
		}
		if !ok {
			return &DependencyInstallError{
				Step: "requirements",
				Err:  fmt.Errorf("virtual environment or requirements.txt not found (%s)", required),
			}
		}
	}

	if err := p.copyPathFiles(ctx, rel); err != nil {
		return &DependencyInstallError{Step: "pth", Err: err}
	}

	p.logger.Info("installing requirements", "release", rel.Name, "wheel", useWheel)
	if err := p.pip(ctx, rel, useWheel, "-r", rel.Requirements()); err != nil {
		return &DependencyInstallError{Step: "requirements", Err: err}
	}
	return nil
}

// InstallExtras installs the configured extra packages.
func (p *Python) InstallExtras(ctx context.Context, rel layout.Release, useWheel bool) error {
	if len(p.cfg.ExtraPackages) == 0 {
		return nil
	}

	ok, err := p.host.Exists(ctx, rel.Env)
	if err != nil || !ok {
		return &DependencyInstallError{Step: "extras", Err: fmt.Errorf("virtual environment not found (%s)", rel.Env)}
	}

	if err := p.pip(ctx, rel, useWheel, p.cfg.ExtraPackages...); err != nil {
		return &DependencyInstallError{Step: "extras", Err: err}
	}
	return nil
}

// CollectStatic runs manage.py collectstatic.
func (p *Python) CollectStatic(ctx context.Context, rel layout.Release) error {
	return p.Manage(ctx, rel, collectStatic...)
}

// SyncDatabase runs the schema sync command.
func (p *Python) SyncDatabase(ctx context.Context, rel layout.Release) error {
	return p.Manage(ctx, rel, p.cfg.SyncCommand...)
}

// Migrate runs the migration command.
func (p *Python) Migrate(ctx context.Context, rel layout.Release) error {
	return p.Manage(ctx, rel, p.cfg.MigrateCommand...)
}

// Manage runs manage.py with the env's interpreter inside the source dir.
func (p *Python) Manage(ctx context.Context, rel layout.Release, args ...string) error {
	parts := append([]string{path.Join(rel.Env, "bin", "python"), rel.Manage()}, args...)
	line := cmdutil.Join(parts...)

	p.logger.Info("manage.py", "release", rel.Name, "command", strings.Join(args, " "))
	if _, err := p.host.Run(ctx, "cd "+cmdutil.Quote(rel.Source)+" && "+line); err != nil {
		return fmt.Errorf("manage.py %s failed: %w", strings.Join(args, " "), err)
	}
	return nil
}

func (p *Python) copyPathFiles(ctx context.Context, rel layout.Release) error {
	has, err := p.host.HasGlob(ctx, rel.Source, "*.pth")
	if err != nil || !has {
		return err
	}

	version, err := p.PythonVersion(ctx, rel)
	if err != nil {
		return err
	}

	sitePackages := path.Join(rel.Env, "lib", "python"+version, "site-packages")
	return p.host.CopyGlob(ctx, rel.Source, "*.pth", sitePackages)
}

func (p *Python) pip(ctx context.Context, rel layout.Release, useWheel bool, packages ...string) error {
	args := []string{path.Join(rel.Env, "bin", "pip"), "install"}
	args = append(args, packages...)
	args = append(args, "--quiet", "--log="+p.layout.PipLog())

	if useWheel {
		args = append(args, "--find-links="+p.layout.WheelPath, "--no-index")
	} else if p.layout.CachePath != "" {
		args = append(args, "--cache-dir="+p.layout.CachePath)
	}

	_, err := p.host.Run(ctx, cmdutil.Join(args...))
	return err
}
