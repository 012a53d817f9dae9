package project

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"deploytool/internal/database"
	"deploytool/internal/release"
	"deploytool/internal/security"
	"deploytool/pkg/cmdutil"
)

const (
	ConfigFileName = "deploytool.yaml"
	DefaultBranch  = "main"
	DefaultSSHPort = 22
)

// LoadConfig loads and validates the configuration from a YAML file.
// Relative repository paths are resolved against the file's directory.
func LoadConfig(configPath string) (*Config, map[string]*Project, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Initialize Projects map if it's nil (happens with empty YAML files)
	if config.Projects == nil {
		config.Projects = make(map[string]ProjectConfig)
	}

	base, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}

	projects := make(map[string]*Project)
	for name, projectConfig := range config.Projects {
		errors := ValidateProjectConfig(name, projectConfig)
		if len(errors) > 0 {
			return nil, nil, fmt.Errorf("invalid configuration for project '%s':\n%s",
				name, strings.Join(errors, "\n"))
		}
		projects[name] = newProject(name, projectConfig, base)
	}

	return &config, projects, nil
}

func newProject(name string, pc ProjectConfig, base string) *Project {
	repository := pc.Repository
	if repository == "" {
		repository = "."
	}
	if !filepath.IsAbs(repository) {
		repository = filepath.Join(base, repository)
	}

	keep := pc.KeepReleases
	if keep == 0 {
		keep = release.DefaultKeep
	}

	settingsDir := pc.SettingsDir
	if settingsDir == "" {
		settingsDir = name
	}

	// Validation guarantees both commands parse.
	syncCommand, _ := parseCommand(pc.SyncCommand)
	migrateCommand, _ := parseCommand(pc.MigrateCommand)

	p := &Project{
		Name:           name,
		Repository:     filepath.Clean(repository),
		VHostsPath:     filepath.ToSlash(filepath.Clean(pc.VHostsPath)),
		SourceDir:      pc.SourceDir,
		SettingsDir:    settingsDir,
		Python:         pc.Python,
		ExtraPackages:  pc.ExtraPackages,
		CachePath:      pc.CachePath,
		WheelPath:      pc.WheelPath,
		SyncCommand:    syncCommand,
		MigrateCommand: migrateCommand,
		KeepReleases:   keep,
		Group:          pc.SupervisorGroup,
		TemplatePaths:  pc.TemplatePaths,
		Assets:         pc.Assets,
		Hooks:          parseHooks(pc.Hooks),
		Environments:   make(map[string]*Environment),
	}

	for envName, ec := range pc.Environments {
		branch := ec.Branch
		if branch == "" {
			branch = DefaultBranch
		}

		hosts := make([]Host, 0, len(ec.Hosts))
		for _, addr := range ec.Hosts {
			h, _ := ParseHost(addr)
			if h.User == "" {
				h.User = ec.User
			}
			hosts = append(hosts, h)
		}

		p.Environments[envName] = &Environment{
			Name:            envName,
			Project:         name,
			Prefix:          ec.Prefix,
			Hosts:           hosts,
			IdentityFile:    ec.IdentityFile,
			KnownHosts:      ec.KnownHosts,
			InsecureHostKey: ec.InsecureHostKey,
			Branch:          branch,
			Database:        ec.Database,
			WebhookSecret:   ec.WebhookSecret,
			Domain:          ec.Domain,
			BasicAuth:       ec.BasicAuth,
			RestartServices: ec.RestartServices,
		}
	}

	return p
}

// parseCommand splits a configured command line. An unset command is nil
// so the default applies.
func parseCommand(line string) ([]string, error) {
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}
	return cmdutil.ParseCommandString(line)
}

// hookLine returns the shell line of a hook command given as a string or
// as a list of arguments. Strings are kept as written so they may use
// shell syntax; lists are quoted word by word.
func hookLine(command interface{}) (string, error) {
	parts, err := cmdutil.ParseCommandList(command)
	if err != nil {
		return "", err
	}
	if line, ok := command.(string); ok {
		return strings.TrimSpace(line), nil
	}
	return cmdutil.Join(parts...), nil
}

// parseHooks flattens the hook map into checkpoint order.
func parseHooks(raw map[string][]interface{}) []Hook {
	var hooks []Hook
	for _, cp := range release.Checkpoints() {
		for _, entry := range raw[string(cp)] {
			hook := Hook{Checkpoint: string(cp)}
			command := entry
			if m, ok := entry.(map[string]interface{}); ok {
				command = m["command"]
				hook.Sudo, _ = m["sudo"].(bool)
			}
			// Validation guarantees every entry parses.
			line, err := hookLine(command)
			if err != nil {
				continue
			}
			hook.Command = line
			hooks = append(hooks, hook)
		}
	}
	return hooks
}

// ParseHost parses "[user@]host[:port]".
func ParseHost(addr string) (Host, error) {
	h := Host{Port: DefaultSSHPort}
	rest := strings.TrimSpace(addr)

	if i := strings.LastIndex(rest, "@"); i >= 0 {
		h.User = rest[:i]
		rest = rest[i+1:]
	}

	if host, port, err := net.SplitHostPort(rest); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return Host{}, fmt.Errorf("invalid port in host %q", addr)
		}
		h.Port = n
		rest = host
	}

	if rest == "" || strings.ContainsAny(rest, " /;'\"") {
		return Host{}, fmt.Errorf("invalid host %q", addr)
	}
	h.Address = rest
	return h, nil
}

// ValidateProjectConfig validates a single project configuration
func ValidateProjectConfig(name string, config ProjectConfig) []string {
	var errors []string

	if err := security.ValidateProjectName(name); err != nil {
		errors = append(errors, fmt.Sprintf("  - Project '%s': %v", name, err))
	}

	// Validate vhosts_path
	if config.VHostsPath == "" {
		errors = append(errors, fmt.Sprintf("  - Project '%s': missing required 'vhosts_path' field", name))
	} else if _, err := security.SanitizeRemotePath(config.VHostsPath); err != nil {
		errors = append(errors, fmt.Sprintf("  - Project '%s': vhosts_path: %v", name, err))
	}

	for field, value := range map[string]string{
		"cache_path": config.CachePath,
		"wheel_path": config.WheelPath,
	} {
		if value == "" {
			continue
		}
		if _, err := security.SanitizeRemotePath(value); err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': %s: %v", name, field, err))
		}
	}

	for field, value := range map[string]string{
		"source_dir":   config.SourceDir,
		"settings_dir": config.SettingsDir,
	} {
		if value == "" {
			continue
		}
		if strings.HasPrefix(value, "/") || strings.Contains(value, "..") {
			errors = append(errors, fmt.Sprintf("  - Project '%s': %s must be a relative path inside the release, got '%s'", name, field, value))
		}
	}

	if config.KeepReleases < 0 {
		errors = append(errors, fmt.Sprintf("  - Project '%s': keep_releases must be a positive integer, got %d", name, config.KeepReleases))
	}

	for field, value := range map[string]string{
		"sync_command":    config.SyncCommand,
		"migrate_command": config.MigrateCommand,
	} {
		if _, err := parseCommand(value); err != nil {
			errors = append(errors, fmt.Sprintf("  - Project '%s': %s cannot be parsed: %v", name, field, err))
		}
	}

	if a := config.Assets; a != nil {
		if a.CompassVersion == "" && a.Build == "" {
			errors = append(errors, fmt.Sprintf("  - Project '%s': assets needs 'compass_version' or 'build'", name))
		}
		for field, value := range map[string]string{"build": a.Build, "version_command": a.VersionCommand} {
			if _, err := parseCommand(value); err != nil {
				errors = append(errors, fmt.Sprintf("  - Project '%s': assets.%s cannot be parsed: %v", name, field, err))
			}
		}
	}

	errors = append(errors, validateHooks(name, config.Hooks)...)

	if len(config.Environments) == 0 {
		errors = append(errors, fmt.Sprintf("  - Project '%s': at least one environment is required", name))
	}

	envNames := make([]string, 0, len(config.Environments))
	for envName := range config.Environments {
		envNames = append(envNames, envName)
	}
	sort.Strings(envNames)
	for _, envName := range envNames {
		errors = append(errors, validateEnvironment(name, envName, config.Environments[envName])...)
	}

	return errors
}

func validateHooks(name string, hooks map[string][]interface{}) []string {
	var errors []string

	checkpoints := make([]string, 0, len(hooks))
	for cp := range hooks {
		checkpoints = append(checkpoints, cp)
	}
	sort.Strings(checkpoints)

	for _, cp := range checkpoints {
		if !release.Checkpoint(cp).Valid() {
			errors = append(errors, fmt.Sprintf("  - Project '%s': %v", name, &release.UnknownCheckpointError{Name: cp}))
			continue
		}
		for i, entry := range hooks[cp] {
			switch v := entry.(type) {
			case string, []interface{}:
				if _, err := hookLine(v); err != nil {
					errors = append(errors, fmt.Sprintf("  - Project '%s': hooks.%s[%d]: %v", name, cp, i, err))
				}
			case map[string]interface{}:
				if _, err := hookLine(v["command"]); err != nil {
					errors = append(errors, fmt.Sprintf("  - Project '%s': hooks.%s[%d] needs a 'command' string or list: %v", name, cp, i, err))
				}
				if sudo, set := v["sudo"]; set {
					if _, ok := sudo.(bool); !ok {
						errors = append(errors, fmt.Sprintf("  - Project '%s': hooks.%s[%d].sudo must be true or false", name, cp, i))
					}
				}
			default:
				errors = append(errors, fmt.Sprintf("  - Project '%s': hooks.%s[%d] must be a string, list or mapping, got %T", name, cp, i, entry))
			}
		}
	}

	return errors
}

func validateEnvironment(name, envName string, ec EnvironmentConfig) []string {
	var errors []string
	where := fmt.Sprintf("  - Project '%s' environment '%s'", name, envName)

	if err := security.ValidateEnvironmentName(envName); err != nil {
		errors = append(errors, fmt.Sprintf("%s: %v", where, err))
	}
	if err := security.ValidatePrefix(ec.Prefix); err != nil {
		errors = append(errors, fmt.Sprintf("%s: %v", where, err))
	}

	if len(ec.Hosts) == 0 {
		errors = append(errors, fmt.Sprintf("%s: missing required 'hosts' field", where))
	}
	for _, addr := range ec.Hosts {
		if _, err := ParseHost(addr); err != nil {
			errors = append(errors, fmt.Sprintf("%s: %v", where, err))
		}
	}

	branch := ec.Branch
	if branch == "" {
		branch = DefaultBranch
	}
	if err := security.ValidateBranchName(branch); err != nil {
		errors = append(errors, fmt.Sprintf("%s: %v, got '%s'", where, err, branch))
	}

	for _, program := range ec.RestartServices {
		if err := security.ValidateProgramName(program); err != nil {
			errors = append(errors, fmt.Sprintf("%s: restart_services: %v", where, err))
		}
	}

	db := ec.Database
	if db.Engine != "" {
		if _, ok := database.Canonical(db.Engine); !ok {
			errors = append(errors, fmt.Sprintf("%s: %v", where, &database.UnsupportedEngineError{Name: db.Engine}))
		}
	} else if db.Name != "" || db.User != "" || db.PasswordEnv != "" {
		errors = append(errors, fmt.Sprintf("%s: database needs an 'engine'", where))
	}

	for field, value := range map[string]string{
		"database.password_env":       db.PasswordEnv,
		"database.admin_password_env": db.AdminPasswordEnv,
		"webhook_secret_env":          ec.WebhookSecret,
	} {
		if value == "" {
			continue
		}
		if err := security.ValidateEnvVarName(value); err != nil {
			errors = append(errors, fmt.Sprintf("%s: %s: %v", where, field, err))
		}
	}

	return errors
}

// MatchesRef checks if a git ref matches the environment's branch
func (e *Environment) MatchesRef(ref string) bool {
	return ref == fmt.Sprintf("refs/heads/%s", e.Branch)
}
