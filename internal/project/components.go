package project

import (
	"fmt"
	"os"
	"strings"

	"deploytool/internal/database"
	"deploytool/internal/layout"
	"deploytool/internal/release"
	"deploytool/internal/security"
	"deploytool/internal/shell"
	"deploytool/internal/source"
	"deploytool/internal/toolchain"
)

// FullName is the prefixed project name, e.g. "t-shop". It names the
// virtual host, its system account and its supervisor group.
func (e *Environment) FullName() string {
	return e.Prefix + e.Project
}

// Layout returns the virtual host layout of env.
func (p *Project) Layout(env *Environment) *layout.Layout {
	l := layout.New(p.VHostsPath, env.Prefix, p.Name)
	if p.SourceDir != "" {
		l.SourceDir = p.SourceDir
	}
	l.SettingsDir = p.SettingsDir
	if p.CachePath != "" {
		l.CachePath = p.CachePath
	}
	if p.WheelPath != "" {
		l.WheelPath = p.WheelPath
	}
	return l
}

// SupervisorGroup returns the process group restarted after a deploy.
func (p *Project) SupervisorGroup(env *Environment) string {
	if p.Group != "" {
		return p.Group
	}
	return env.FullName()
}

// ToolchainConfig returns the Python toolchain settings.
func (p *Project) ToolchainConfig() toolchain.Config {
	return toolchain.Config{
		Interpreter:    p.Python,
		ExtraPackages:  p.ExtraPackages,
		SyncCommand:    p.SyncCommand,
		MigrateCommand: p.MigrateCommand,
	}
}

// SourceAssets returns the asset build, or nil when none is configured.
func (p *Project) SourceAssets() (*source.Assets, error) {
	a := p.Assets
	if a == nil {
		return nil, nil
	}

	var assets *source.Assets
	if a.CompassVersion != "" {
		assets = source.CompassAssets(a.CompassVersion)
	} else {
		assets = &source.Assets{Version: a.Version}
	}

	if a.Build != "" {
		build, err := parseCommand(a.Build)
		if err != nil {
			return nil, fmt.Errorf("failed to parse asset build command: %w", err)
		}
		assets.BuildCommand = build
	}
	if a.VersionCommand != "" {
		versionCommand, err := parseCommand(a.VersionCommand)
		if err != nil {
			return nil, fmt.Errorf("failed to parse asset version command: %w", err)
		}
		assets.VersionCommand = versionCommand
	}
	if a.Output != "" {
		assets.Output = a.Output
	}
	return assets, nil
}

// ReleaseHooks registers the configured hook commands.
func (p *Project) ReleaseHooks() (*release.Hooks, error) {
	hooks := &release.Hooks{}
	for i, h := range p.Hooks {
		name := fmt.Sprintf("%s[%d] %s", h.Checkpoint, i, h.Command)
		if err := hooks.Register(release.Checkpoint(h.Checkpoint), name, release.CommandHook(h.Command, h.Sudo)); err != nil {
			return nil, err
		}
	}
	return hooks, nil
}

// HasDatabase reports whether env has a database to back up.
func (e *Environment) HasDatabase() bool {
	return e.Database.Engine != ""
}

// DatabaseName returns the configured name, or the full name with dashes
// replaced since neither engine accepts them unquoted.
func (e *Environment) DatabaseName() string {
	if e.Database.Name != "" {
		return e.Database.Name
	}
	return strings.ReplaceAll(e.FullName(), "-", "_")
}

// Credentials returns the database credentials of env. The password is
// read from the environment variable named by password_env.
func (e *Environment) Credentials() (database.Credentials, error) {
	creds := database.Credentials{
		Name: e.DatabaseName(),
		User: e.Database.User,
	}
	if creds.User == "" {
		creds.User = creds.Name
	}

	if e.Database.PasswordEnv != "" {
		password, ok := os.LookupEnv(e.Database.PasswordEnv)
		if !ok {
			return database.Credentials{}, fmt.Errorf("database password variable %s is not set", e.Database.PasswordEnv)
		}
		creds.Password = password
	}
	return creds, nil
}

// NewPassword checks a password chosen while provisioning env.
func (e *Environment) NewPassword(password string) (string, error) {
	if err := security.ValidatePassword(password); err != nil {
		return "", err
	}
	return strings.TrimSpace(password), nil
}

// DatabaseOptions returns the engine options, reading the administrative
// password from admin_password_env when set.
func (e *Environment) DatabaseOptions() database.Options {
	opts := database.Options{AdminUser: e.Database.AdminUser}
	if e.Database.AdminPasswordEnv != "" {
		opts.AdminPassword = os.Getenv(e.Database.AdminPasswordEnv)
	}
	return opts
}

// BackupName returns the file name used for ad hoc dumps.
func (e *Environment) BackupName() string {
	if e.Database.Compress {
		return "backup.sql.gz"
	}
	return "backup.sql"
}

// Secret returns the webhook secret of env, or "" when the environment
// does not accept webhooks.
func (e *Environment) Secret() (string, error) {
	if e.WebhookSecret == "" {
		return "", nil
	}
	secret := os.Getenv(e.WebhookSecret)
	if err := security.ValidateSecret(secret); err != nil {
		return "", fmt.Errorf("webhook secret %s: %w", e.WebhookSecret, err)
	}
	return secret, nil
}

// SSHConfig returns the connection settings for h. A host without a user
// connects as localUser.
func (e *Environment) SSHConfig(h Host, localUser string) shell.SSHConfig {
	cfg := shell.SSHConfig{
		Host:                  h.Address,
		Port:                  h.Port,
		User:                  h.User,
		KnownHostsFile:        e.KnownHosts,
		InsecureIgnoreHostKey: e.InsecureHostKey,
	}
	if cfg.User == "" {
		cfg.User = localUser
	}
	if e.IdentityFile != "" {
		cfg.IdentityFiles = []string{e.IdentityFile}
	}
	return cfg
}
