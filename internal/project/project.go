package project

// Config represents the root of a deploytool.yaml file
type Config struct {
	Projects map[string]ProjectConfig `yaml:"projects"`
}

// ProjectConfig represents the YAML configuration for a project
type ProjectConfig struct {
	// Repository is the local git working copy releases are built from.
	Repository string `yaml:"repository"`

	VHostsPath      string   `yaml:"vhosts_path"`
	SourceDir       string   `yaml:"source_dir"`
	SettingsDir     string   `yaml:"settings_dir"`
	Python          string   `yaml:"python"`
	ExtraPackages   []string `yaml:"extra_packages"`
	CachePath       string   `yaml:"cache_path"`
	WheelPath       string   `yaml:"wheel_path"`
	SyncCommand     string   `yaml:"sync_command"`
	MigrateCommand  string   `yaml:"migrate_command"`
	KeepReleases    int      `yaml:"keep_releases"`
	SupervisorGroup string   `yaml:"supervisor_group"`
	TemplatePaths   []string `yaml:"template_paths"`

	Assets *AssetsConfig `yaml:"assets"`

	// Hooks maps a checkpoint name to commands run on the target. Each
	// entry is a command string, a list of arguments, or a mapping with
	// command and sudo keys.
	Hooks map[string][]interface{} `yaml:"hooks"`

	Environments map[string]EnvironmentConfig `yaml:"environments"`
}

// AssetsConfig describes the local static asset build
type AssetsConfig struct {
	CompassVersion string `yaml:"compass_version"`
	Build          string `yaml:"build"`
	VersionCommand string `yaml:"version_command"`
	Version        string `yaml:"version"`
	Output         string `yaml:"output"`
}

// EnvironmentConfig represents one deployment environment of a project
type EnvironmentConfig struct {
	Prefix          string         `yaml:"prefix"`
	Hosts           []string       `yaml:"hosts"`
	User            string         `yaml:"user"`
	IdentityFile    string         `yaml:"identity_file"`
	KnownHosts      string         `yaml:"known_hosts"`
	InsecureHostKey bool           `yaml:"insecure_host_key"`
	Branch          string         `yaml:"branch"`
	Database        DatabaseConfig `yaml:"database"`
	WebhookSecret   string         `yaml:"webhook_secret_env"`
	Domain          string         `yaml:"domain"`
	BasicAuth       bool           `yaml:"basic_auth"`
	RestartServices []string       `yaml:"restart_services"`
}

// DatabaseConfig names the database of an environment. Passwords are
// never stored in the file, only the environment variables holding them.
type DatabaseConfig struct {
	Engine           string `yaml:"engine"`
	Name             string `yaml:"name"`
	User             string `yaml:"user"`
	PasswordEnv      string `yaml:"password_env"`
	AdminUser        string `yaml:"admin_user"`
	AdminPasswordEnv string `yaml:"admin_password_env"`
	Compress         bool   `yaml:"compress"`
}

// Project represents a validated deployment project configuration
type Project struct {
	Name           string
	Repository     string
	VHostsPath     string
	SourceDir      string
	SettingsDir    string
	Python         string
	ExtraPackages  []string
	CachePath      string
	WheelPath      string
	SyncCommand    []string
	MigrateCommand []string
	KeepReleases   int
	Group          string
	TemplatePaths  []string
	Assets         *AssetsConfig
	Hooks          []Hook
	Environments   map[string]*Environment
}

// Hook is a command bound to a checkpoint, in file order.
type Hook struct {
	Checkpoint string
	Command    string
	Sudo       bool
}

// Environment represents a validated environment of a project
type Environment struct {
	Name            string
	Project         string
	Prefix          string
	Hosts           []Host
	IdentityFile    string
	KnownHosts      string
	InsecureHostKey bool
	Branch          string
	Database        DatabaseConfig
	WebhookSecret   string
	Domain          string
	BasicAuth       bool

	// RestartServices is nil to restart the whole process group.
	RestartServices []string
}

// Host is one deployment target of an environment.
type Host struct {
	User    string
	Address string
	Port    int
}
