package project

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"deploytool/internal/layout"
	"deploytool/internal/release"
	"deploytool/internal/remote"
	"deploytool/internal/shell/shelltest"
	"deploytool/pkg/cmdutil"
)

const sampleConfig = `
projects:
  shop:
    repository: ../src/shop
    vhosts_path: /var/www/vhosts
    python: python2.7
    sync_command: syncdb --noinput --no-initial-data
    assets:
      compass_version: 0.12.2
    hooks:
      before_migrate:
        - ./bin/check-migrations
      after_restart:
        - command: service varnish reload
          sudo: true
      before_deploy_source:
        - echo starting
    environments:
      staging:
        prefix: t-
        hosts: [deploy@stage.example.com:2222]
        branch: develop
        database:
          engine: postgres
          password_env: SHOP_STAGING_DB_PASSWORD
        webhook_secret_env: SHOP_STAGING_WEBHOOK_SECRET
      production:
        hosts: [web1.example.com, web2.example.com]
        user: deploy
        restart_services: [shop:web]
        database:
          engine: mysql
          name: shop_live
          compress: true
`

func validConfig() ProjectConfig {
	return ProjectConfig{
		VHostsPath: "/var/www/vhosts",
		Environments: map[string]EnvironmentConfig{
			"staging": {Prefix: "t-", Hosts: []string{"stage.example.com"}},
		},
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func containsError(errors []string, substr string) bool {
	for _, err := range errors {
		if strings.Contains(err, substr) {
			return true
		}
	}
	return false
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	_, projects, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	p, ok := projects["shop"]
	if !ok {
		t.Fatalf("project shop not loaded: %v", projects)
	}

	wantRepo := filepath.Join(filepath.Dir(path), "..", "src", "shop")
	if p.Repository != filepath.Clean(wantRepo) {
		t.Errorf("Repository = %q, want %q", p.Repository, filepath.Clean(wantRepo))
	}
	if p.KeepReleases != release.DefaultKeep {
		t.Errorf("KeepReleases = %d, want %d", p.KeepReleases, release.DefaultKeep)
	}
	if p.SettingsDir != "shop" {
		t.Errorf("SettingsDir = %q", p.SettingsDir)
	}
	if !reflect.DeepEqual(p.SyncCommand, []string{"syncdb", "--noinput", "--no-initial-data"}) {
		t.Errorf("SyncCommand = %q", p.SyncCommand)
	}
	if p.MigrateCommand != nil {
		t.Errorf("MigrateCommand = %q, want default", p.MigrateCommand)
	}

	wantHooks := []Hook{
		{Checkpoint: "before_deploy_source", Command: "echo starting"},
		{Checkpoint: "before_migrate", Command: "./bin/check-migrations"},
		{Checkpoint: "after_restart", Command: "service varnish reload", Sudo: true},
	}
	if !reflect.DeepEqual(p.Hooks, wantHooks) {
		t.Errorf("Hooks = %+v, want %+v", p.Hooks, wantHooks)
	}

	staging := p.Environments["staging"]
	if staging.Branch != "develop" || staging.FullName() != "t-shop" {
		t.Errorf("staging = %+v", staging)
	}
	if want := []Host{{User: "deploy", Address: "stage.example.com", Port: 2222}}; !reflect.DeepEqual(staging.Hosts, want) {
		t.Errorf("staging hosts = %+v", staging.Hosts)
	}
	if staging.RestartServices != nil {
		t.Errorf("staging RestartServices = %v, want nil", staging.RestartServices)
	}

	production := p.Environments["production"]
	if production.Branch != DefaultBranch {
		t.Errorf("production branch = %q", production.Branch)
	}
	for _, h := range production.Hosts {
		if h.User != "deploy" || h.Port != DefaultSSHPort {
			t.Errorf("production host = %+v", h)
		}
	}
	if !reflect.DeepEqual(production.RestartServices, []string{"shop:web"}) {
		t.Errorf("production RestartServices = %v", production.RestartServices)
	}
	if got := p.EnvironmentNames(); !reflect.DeepEqual(got, []string{"production", "staging"}) {
		t.Errorf("EnvironmentNames() = %v", got)
	}
}

func TestLoadConfig_Empty(t *testing.T) {
	_, projects, err := LoadConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if len(projects) != 0 {
		t.Errorf("projects = %v", projects)
	}
}

func TestLoadConfig_CommandForms(t *testing.T) {
	const config = `
projects:
  shop:
    vhosts_path: /var/www/vhosts
    supervisor_group: shop-workers
    sync_command: ""
    migrate_command: "  "
    hooks:
      before_restart:
        - [./manage.py, clear_cache, "--site=shop nl"]
        - command: [service, varnish, reload]
          sudo: true
        - ./bin/notify && echo done
    environments:
      production:
        hosts: [web1.example.com]
`
	_, projects, err := LoadConfig(writeConfig(t, config))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	p := projects["shop"]

	if p.SyncCommand != nil || p.MigrateCommand != nil {
		t.Errorf("unset commands = %q, %q, want nil", p.SyncCommand, p.MigrateCommand)
	}
	if got := p.SupervisorGroup(p.Environments["production"]); got != "shop-workers" {
		t.Errorf("SupervisorGroup() = %q, want shop-workers", got)
	}

	wantHooks := []Hook{
		{Checkpoint: "before_restart", Command: cmdutil.Join("./manage.py", "clear_cache", "--site=shop nl")},
		{Checkpoint: "before_restart", Command: "service varnish reload", Sudo: true},
		{Checkpoint: "before_restart", Command: "./bin/notify && echo done"},
	}
	if !reflect.DeepEqual(p.Hooks, wantHooks) {
		t.Errorf("Hooks = %+v, want %+v", p.Hooks, wantHooks)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}

	if _, _, err := LoadConfig(writeConfig(t, "projects: [")); err == nil || !strings.Contains(err.Error(), "parse YAML") {
		t.Errorf("error = %v", err)
	}

	invalid := "projects:\n  shop:\n    environments:\n      staging:\n        hosts: [a]\n"
	_, _, err := LoadConfig(writeConfig(t, invalid))
	if err == nil || !strings.Contains(err.Error(), "invalid configuration for project 'shop'") ||
		!strings.Contains(err.Error(), "vhosts_path") {
		t.Errorf("error = %v", err)
	}
}

func TestValidateProjectConfig_ValidConfig(t *testing.T) {
	if errors := ValidateProjectConfig("shop", validConfig()); len(errors) > 0 {
		t.Errorf("Expected valid config to pass validation, got errors: %v", errors)
	}
}

func TestValidateProjectConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		project string
		modify  func(c *ProjectConfig)
		want    string
	}{
		{"bad project name", "shop;rm", func(c *ProjectConfig) {}, "invalid characters"},
		{"missing vhosts path", "shop", func(c *ProjectConfig) { c.VHostsPath = "" }, "missing required 'vhosts_path'"},
		{"relative vhosts path", "shop", func(c *ProjectConfig) { c.VHostsPath = "vhosts" }, "must be absolute"},
		{"traversal in cache path", "shop", func(c *ProjectConfig) { c.CachePath = "/opt/../etc" }, "traversal"},
		{"absolute source dir", "shop", func(c *ProjectConfig) { c.SourceDir = "/src" }, "relative path inside the release"},
		{"negative keep", "shop", func(c *ProjectConfig) { c.KeepReleases = -1 }, "must be a positive integer"},
		{"unterminated quote", "shop", func(c *ProjectConfig) { c.MigrateCommand = "migrate 'x" }, "migrate_command cannot be parsed"},
		{"empty assets", "shop", func(c *ProjectConfig) { c.Assets = &AssetsConfig{} }, "compass_version"},
		{"unknown checkpoint", "shop", func(c *ProjectConfig) {
			c.Hooks = map[string][]interface{}{"before_lunch": {"eat"}}
		}, "unknown checkpoint"},
		{"hook of wrong type", "shop", func(c *ProjectConfig) {
			c.Hooks = map[string][]interface{}{"before_migrate": {123}}
		}, "must be a string, list or mapping"},
		{"empty hook list", "shop", func(c *ProjectConfig) {
			c.Hooks = map[string][]interface{}{"before_migrate": {[]interface{}{}}}
		}, "empty command list"},
		{"blank hook", "shop", func(c *ProjectConfig) {
			c.Hooks = map[string][]interface{}{"before_migrate": {"   "}}
		}, "empty command string"},
		{"unterminated hook quote", "shop", func(c *ProjectConfig) {
			c.Hooks = map[string][]interface{}{"before_migrate": {"echo 'done"}}
		}, "failed to parse command string"},
		{"hook without command", "shop", func(c *ProjectConfig) {
			c.Hooks = map[string][]interface{}{"before_migrate": {map[string]interface{}{"sudo": true}}}
		}, "needs a 'command'"},
		{"hook sudo not bool", "shop", func(c *ProjectConfig) {
			c.Hooks = map[string][]interface{}{"before_migrate": {map[string]interface{}{"command": "x", "sudo": "yes"}}}
		}, "must be true or false"},
		{"no environments", "shop", func(c *ProjectConfig) { c.Environments = nil }, "at least one environment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(&config)

			errors := ValidateProjectConfig(tt.project, config)
			if !containsError(errors, tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, errors)
			}
		})
	}
}

func TestValidateProjectConfig_InvalidEnvironment(t *testing.T) {
	tests := []struct {
		name string
		env  EnvironmentConfig
		want string
	}{
		{"no hosts", EnvironmentConfig{}, "missing required 'hosts'"},
		{"bad host", EnvironmentConfig{Hosts: []string{"web1; reboot"}}, "invalid host"},
		{"bad port", EnvironmentConfig{Hosts: []string{"web1:99999"}}, "invalid port"},
		{"uppercase prefix", EnvironmentConfig{Prefix: "T-", Hosts: []string{"a"}}, "prefix"},
		{"branch starting with dash", EnvironmentConfig{Hosts: []string{"a"}, Branch: "-invalid-branch-name"}, "cannot start with '-'"},
		{"unknown engine", EnvironmentConfig{Hosts: []string{"a"}, Database: DatabaseConfig{Engine: "oracle"}}, "unsupported database engine"},
		{"database without engine", EnvironmentConfig{Hosts: []string{"a"}, Database: DatabaseConfig{Name: "shop"}}, "needs an 'engine'"},
		{"bad password variable", EnvironmentConfig{Hosts: []string{"a"}, Database: DatabaseConfig{Engine: "mysql", PasswordEnv: "DB-PASS"}}, "password_env"},
		{"bad program", EnvironmentConfig{Hosts: []string{"a"}, RestartServices: []string{"--all"}}, "restart_services"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			config.Environments = map[string]EnvironmentConfig{"staging": tt.env}

			errors := ValidateProjectConfig("shop", config)
			if !containsError(errors, tt.want) {
				t.Errorf("Expected error containing %q, got: %v", tt.want, errors)
			}
			if !containsError(errors, "environment 'staging'") {
				t.Errorf("errors do not name the environment: %v", errors)
			}
		})
	}
}

func TestParseHost(t *testing.T) {
	tests := []struct {
		addr    string
		want    Host
		wantErr bool
	}{
		{"web1", Host{Address: "web1", Port: 22}, false},
		{"deploy@web1", Host{User: "deploy", Address: "web1", Port: 22}, false},
		{"deploy@web1:2222", Host{User: "deploy", Address: "web1", Port: 2222}, false},
		{"[::1]:2200", Host{Address: "::1", Port: 2200}, false},
		{"", Host{}, true},
		{"web1:http", Host{}, true},
		{"web 1", Host{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := ParseHost(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHost(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseHost(%q) = %+v, want %+v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestEnvironmentMatchesRef(t *testing.T) {
	env := &Environment{Name: "production", Branch: "main"}

	testCases := []struct {
		ref      string
		expected bool
	}{
		{"refs/heads/main", true},
		{"refs/heads/develop", false},
		{"refs/tags/v1.0", false},
		{"main", false},
	}

	for _, tc := range testCases {
		if result := env.MatchesRef(tc.ref); result != tc.expected {
			t.Errorf("MatchesRef(%q) = %v, expected %v", tc.ref, result, tc.expected)
		}
	}
}

func loadSample(t *testing.T) *Project {
	t.Helper()
	_, projects, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	return projects["shop"]
}

func TestProject_Layout(t *testing.T) {
	p := loadSample(t)
	p.SourceDir = "src"
	p.CachePath = "/srv/cache"

	l := p.Layout(p.Environments["staging"])
	want := &layout.Layout{
		VHostPath:   "/var/www/vhosts/t-shop",
		User:        "t-shop",
		SourceDir:   "src",
		SettingsDir: "shop",
		CachePath:   "/srv/cache",
		WheelPath:   layout.DefaultWheelPath,
	}
	if !reflect.DeepEqual(l, want) {
		t.Errorf("Layout() = %+v, want %+v", l, want)
	}

	if got := p.SupervisorGroup(p.Environments["production"]); got != "shop" {
		t.Errorf("SupervisorGroup() = %q", got)
	}
}

func TestProject_SourceAssets(t *testing.T) {
	p := loadSample(t)

	assets, err := p.SourceAssets()
	if err != nil {
		t.Fatal(err)
	}
	if assets.Version != "0.12.2" || assets.BuildCommand[0] != "compass" {
		t.Errorf("assets = %+v", assets)
	}

	p.Assets = &AssetsConfig{Build: "npm run build -- --prod", Output: "dist"}
	assets, err = p.SourceAssets()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(assets.BuildCommand, []string{"npm", "run", "build", "--", "--prod"}) || assets.Output != "dist" {
		t.Errorf("assets = %+v", assets)
	}

	p.Assets = nil
	if assets, err := p.SourceAssets(); assets != nil || err != nil {
		t.Errorf("SourceAssets() = %v, %v", assets, err)
	}
}

func TestProject_ReleaseHooks(t *testing.T) {
	p := loadSample(t)

	hooks, err := p.ReleaseHooks()
	if err != nil {
		t.Fatal(err)
	}
	if hooks.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", hooks.Len())
	}

	rec := shelltest.New()
	env := &release.Env{
		Host:   remote.New(rec, nil),
		Layout: p.Layout(p.Environments["staging"]),
	}
	if err := hooks.Run(context.Background(), release.AfterRestart, env); err != nil {
		t.Fatal(err)
	}

	cmd, ok := rec.Find("service varnish reload")
	if !ok || !cmd.Elevated {
		t.Errorf("after_restart hook = %+v, found %v", cmd, ok)
	}
}

func TestEnvironment_Credentials(t *testing.T) {
	p := loadSample(t)
	staging := p.Environments["staging"]

	if _, err := staging.Credentials(); err == nil {
		t.Error("expected an error while the password variable is unset")
	}

	t.Setenv("SHOP_STAGING_DB_PASSWORD", "s3cr3t-pass")
	creds, err := staging.Credentials()
	if err != nil {
		t.Fatal(err)
	}
	if creds.Name != "t_shop" || creds.User != "t_shop" || creds.Password != "s3cr3t-pass" {
		t.Errorf("Credentials() = %+v", creds)
	}

	production := p.Environments["production"]
	creds, err = production.Credentials()
	if err != nil {
		t.Fatal(err)
	}
	if creds.Name != "shop_live" || creds.Password != "" {
		t.Errorf("Credentials() = %+v", creds)
	}
	if production.BackupName() != "backup.sql.gz" || staging.BackupName() != "backup.sql" {
		t.Error("BackupName() ignores compress")
	}
}

func TestEnvironment_NewPassword(t *testing.T) {
	env := &Environment{}
	if got, err := env.NewPassword("  longenough  "); err != nil || got != "longenough" {
		t.Errorf("NewPassword() = %q, %v", got, err)
	}
	if _, err := env.NewPassword("  short  "); err == nil {
		t.Error("expected short password to be rejected")
	}
}

func TestEnvironment_Secret(t *testing.T) {
	p := loadSample(t)
	staging := p.Environments["staging"]

	t.Setenv("SHOP_STAGING_WEBHOOK_SECRET", "changeme")
	if _, err := staging.Secret(); err == nil {
		t.Error("expected weak secret to be rejected")
	}

	strong := "kJ8mN2pQ5rT9vX3zA6cE1gH4jL7nP0sU"
	t.Setenv("SHOP_STAGING_WEBHOOK_SECRET", strong)
	if secret, err := staging.Secret(); err != nil || secret != strong {
		t.Errorf("Secret() = %q, %v", secret, err)
	}

	if secret, err := p.Environments["production"].Secret(); secret != "" || err != nil {
		t.Errorf("Secret() without webhook = %q, %v", secret, err)
	}
}

func TestEnvironment_SSHConfig(t *testing.T) {
	p := loadSample(t)
	env := p.Environments["production"]
	env.Hosts[0].User = ""
	env.IdentityFile = "~/.ssh/deploy"

	cfg := env.SSHConfig(env.Hosts[0], "alice")
	if cfg.User != "alice" || cfg.Host != "web1.example.com" || cfg.Port != 22 {
		t.Errorf("SSHConfig() = %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.IdentityFiles, []string{"~/.ssh/deploy"}) {
		t.Errorf("IdentityFiles = %v", cfg.IdentityFiles)
	}
}

func TestRegistry(t *testing.T) {
	p := loadSample(t)
	r := NewRegistry(map[string]*Project{"shop": p})

	if r.Count() != 1 || !reflect.DeepEqual(r.List(), []string{"shop"}) {
		t.Errorf("Count() = %d, List() = %v", r.Count(), r.List())
	}
	if got, err := r.Default(""); err != nil || got != p {
		t.Errorf("Default() = %v, %v", got, err)
	}
	if _, env, err := r.Environment("shop", "staging"); err != nil || env.Name != "staging" {
		t.Errorf("Environment() = %v, %v", env, err)
	}
	if _, _, err := r.Environment("shop", "qa"); err == nil || !strings.Contains(err.Error(), "production") {
		t.Errorf("error = %v", err)
	}
	if _, err := r.Get("blog"); err == nil {
		t.Error("expected unknown project to fail")
	}

	r = NewRegistry(map[string]*Project{"shop": p, "blog": {Name: "blog"}})
	if _, err := r.Default(""); err == nil {
		t.Error("Default() should fail with several projects")
	}
	if got, err := r.Default("blog"); err != nil || got.Name != "blog" {
		t.Errorf("Default(blog) = %v, %v", got, err)
	}
}
