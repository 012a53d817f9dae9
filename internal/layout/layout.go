// Package layout computes every path of a virtual host on a deployment
// target. It performs no I/O.
//
// A virtual host looks like this:
//
//	<vhosts_path>/<prefix><project>/
//	    current_instance  -> <stamp>
//	    previous_instance -> <stamp>_1
//	    <stamp>/
//	        backup/db_backup_start.sql
//	        backup/db_backup_end.sql
//	        <source>/
//	        env/
//	    log/fabric.log
//	    media/
//	    scripts/
//	    supervisor/
//	    settings.py
//	    site_settings.py
package layout

import (
	"path"
	"regexp"
	"strings"
)

const (
	CurrentLink      = "current_instance"
	PreviousLink     = "previous_instance"
	LockDir          = ".deploy.lock"
	BackupDir        = "backup"
	EnvDir           = "env"
	BackupStartFile  = "db_backup_start.sql"
	BackupEndFile    = "db_backup_end.sql"
	JournalFile      = "fabric.log"
	SettingsFile     = "settings.py"
	SiteSettingsFile = "site_settings.py"
	CredentialsFile  = "credentials.json"
	RequirementsFile = "requirements.txt"

	DefaultCachePath = "/opt/pip_cache"
	DefaultWheelPath = "/opt/wheels"
)

var (
	stampPattern       = regexp.MustCompile(`^[0-9a-f]{40}$`)
	releaseNamePattern = regexp.MustCompile(`^[0-9a-f]{40}(_[0-9]+)?$`)
)

// ValidReleaseName reports whether name is a stamp, optionally suffixed _N.
// Only such directories are ever treated as releases.
func ValidReleaseName(name string) bool {
	return releaseNamePattern.MatchString(name)
}

// IsStamp reports whether s is a full 40-character lowercase hex revision.
func IsStamp(s string) bool {
	return stampPattern.MatchString(s)
}

// StampOf returns the stamp a release directory or link target was created
// for, or "" when the last path element is not a release name.
func StampOf(p string) string {
	name := path.Base(strings.TrimRight(p, "/"))
	if !ValidReleaseName(name) {
		return ""
	}
	return name[:40]
}

// Layout holds the paths of one virtual host.
type Layout struct {
	// VHostPath is the virtual host root.
	VHostPath string

	// User owns the virtual host and runs its processes.
	User string

	// SourceDir names the source directory inside a release.
	SourceDir string

	// SettingsDir is the directory, relative to the source directory,
	// that receives settings.py and site_settings.py.
	SettingsDir string

	// CachePath is the shared pip download cache.
	CachePath string

	// WheelPath holds prebuilt wheels for --no-index installs.
	WheelPath string
}

// New returns the layout for project name with the environment prefix,
// e.g. prefix "t-" and name "shop" live in <vhostsPath>/t-shop.
func New(vhostsPath, prefix, name string) *Layout {
	full := prefix + name
	return &Layout{
		VHostPath:   path.Join(vhostsPath, full),
		User:        full,
		SourceDir:   full,
		SettingsDir: name,
		CachePath:   DefaultCachePath,
		WheelPath:   DefaultWheelPath,
	}
}

func (l *Layout) join(elem ...string) string {
	return path.Join(append([]string{l.VHostPath}, elem...)...)
}

// Current returns the current_instance link path.
func (l *Layout) Current() string { return l.join(CurrentLink) }

// Previous returns the previous_instance link path.
func (l *Layout) Previous() string { return l.join(PreviousLink) }

// Lock returns the advisory lock directory.
func (l *Layout) Lock() string { return l.join(LockDir) }

func (l *Layout) Log() string        { return l.join("log") }
func (l *Layout) Journal() string    { return l.join("log", JournalFile) }
func (l *Layout) PipLog() string     { return l.join("log", "pip.log") }
func (l *Layout) Media() string      { return l.join("media") }
func (l *Layout) Scripts() string    { return l.join("scripts") }
func (l *Layout) Supervisor() string { return l.join("supervisor") }

// Settings returns the host-specific settings.py kept at the vhost root.
func (l *Layout) Settings() string { return l.join(SettingsFile) }

// SiteSettings returns the optional site_settings.py at the vhost root.
func (l *Layout) SiteSettings() string { return l.join(SiteSettingsFile) }

// Credentials returns the credentials.json written at provisioning time.
func (l *Layout) Credentials() string { return l.join(CredentialsFile) }

// Folders lists the directories created when a virtual host is provisioned.
func (l *Layout) Folders() []string {
	return []string{l.VHostPath, l.Log(), l.Media(), l.Scripts(), l.Supervisor()}
}

// ReleasePath returns the directory of release name.
func (l *Layout) ReleasePath(name string) string {
	return l.join(name)
}

// Release returns the paths inside release name.
func (l *Layout) Release(name string) Release {
	root := l.ReleasePath(name)
	source := path.Join(root, l.SourceDir)
	backup := path.Join(root, BackupDir)
	return Release{
		Name:        name,
		Root:        root,
		Backup:      backup,
		Source:      source,
		Env:         path.Join(root, EnvDir),
		Settings:    path.Join(source, l.SettingsDir),
		Media:       path.Join(source, "media"),
		BackupStart: path.Join(backup, BackupStartFile),
		BackupEnd:   path.Join(backup, BackupEndFile),
	}
}

// Release holds the paths of one release directory.
type Release struct {
	Name        string
	Root        string
	Backup      string
	Source      string
	Env         string
	Settings    string
	Media       string
	BackupStart string
	BackupEnd   string
}

// Stamp returns the revision the release was built from.
func (r Release) Stamp() string {
	return StampOf(r.Name)
}

// Folders lists the directories created at the start of a deploy, in order.
func (r Release) Folders() []string {
	return []string{r.Root, r.Backup, r.Source, r.Env}
}

// Requirements returns the pip requirements file of the release.
func (r Release) Requirements() string {
	return path.Join(r.Source, RequirementsFile)
}

// Manage returns the Django manage.py of the release.
func (r Release) Manage() string {
	return path.Join(r.Source, "manage.py")
}
