// Package provision prepares deployment targets: the project account,
// the virtual host folders, its database and webserver configuration,
// and the SSH keys allowed to log in as the project account.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"deploytool/internal/console"
	"deploytool/internal/database"
	"deploytool/internal/layout"
	"deploytool/internal/project"
	"deploytool/internal/remote"
	"deploytool/internal/security"
	"deploytool/internal/service"
	"deploytool/internal/shell"
	"deploytool/pkg/cmdutil"
	"deploytool/pkg/templates"
)

const (
	DefaultDjangoPort = 8000
	DefaultNginxPort  = 9000
)

// ErrCancelled is returned when the operator declines a confirmation.
var ErrCancelled = errors.New("provisioning cancelled")

// System holds the locations of system services on a target.
type System struct {
	HomeRoot      string
	NginxConfD    string
	SupervisorDir string
	HAProxyDir    string
	NginxTest     string
	NginxRestart  string
	HAProxyReload string
}

// DefaultSystem returns the Debian layout.
func DefaultSystem() System {
	return System{
		HomeRoot:      "/home",
		NginxConfD:    "/etc/nginx/conf.d",
		SupervisorDir: "/etc/supervisor/conf.d",
		HAProxyDir:    "/etc/haproxy",
		NginxTest:     "nginx -t",
		NginxRestart:  "/etc/init.d/nginx restart",
		HAProxyReload: "/etc/init.d/haproxy restart",
	}
}

// Setup provisions one virtual host.
type Setup struct {
	Host        *remote.Host
	Project     *project.Project
	Environment *project.Environment
	Layout      *layout.Layout
	Engine      database.Engine
	Supervisor  *service.Supervisor
	Templates   *templates.Loader
	Console     *console.Console
	System      System
	Logger      *slog.Logger

	// Now dates the basic auth password.
	Now func() time.Time
}

// fileData is passed to settings_py.txt and credentials_json.txt.
type fileData struct {
	ProjectName         string
	ProjectUser         string
	VHostPath           string
	CurrentInstancePath string
	CachePath           string
	SourceDir           string
	SettingsDir         string
	Domain              string
	PythonVersion       string
	Engine              string
	EngineModule        string
	DatabaseName        string
	DatabaseUser        string
	DatabasePassword    string
}

// vhostData is passed to the webserver and supervisor templates.
type vhostData struct {
	ProjectName         string
	ProjectPrefix       string
	ProjectUser         string
	Group               string
	VHostPath           string
	LogPath             string
	CurrentInstancePath string
	SourceDir           string
	SettingsDir         string
	Domain              string
	DjangoPort          int
	NginxPort           int
	HTUser              string
	HTPassword          string
}

// Run executes the full provisioning process
func (s *Setup) Run(ctx context.Context) error {
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}
	if s.Now == nil {
		s.Now = time.Now
	}

	if err := s.check(ctx); err != nil {
		return err
	}

	question := fmt.Sprintf("Start provisioning of `%s` on `%s`?", s.Project.Name, s.Environment.Name)
	if !s.Console.Confirm(s.Console.Yellow(question), false) {
		return ErrCancelled
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"creating project user", s.ensureUser},
		{"setting up SSH", s.setupSSH},
		{"creating folders", s.createFolders},
		{"creating project files and database", s.createFilesAndDatabase},
		{"creating vhost conf files", s.createConfFiles},
		{"changing ownership", s.chown},
		{"restarting webservers", s.restartWebservers},
		{"updating supervisor", s.updateSupervisor},
	}

	for _, step := range steps {
		s.Logger.Info("setup step", "step", step.name, "host", s.Host.Name())
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	s.Console.Success(fmt.Sprintf("Provisioned %s on %s", s.Layout.VHostPath, s.Host.Name()))
	return nil
}

func (s *Setup) user() string {
	return s.Layout.User
}

func (s *Setup) home() string {
	return path.Join(s.System.HomeRoot, s.user())
}

func (s *Setup) sudo(ctx context.Context, args ...string) error {
	_, err := s.Host.Sudo(ctx, cmdutil.Join(args...))
	return err
}

// check refuses to provision over an existing virtual host.
func (s *Setup) check(ctx context.Context) error {
	vhosts := path.Dir(s.Layout.VHostPath)
	ok, err := s.Host.IsDir(ctx, vhosts)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("vhosts path not found at: %s", vhosts)
	}

	exists, err := s.Host.Exists(ctx, s.Layout.VHostPath)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("vhost path already exists at: %s", s.Layout.VHostPath)
	}
	return nil
}

func (s *Setup) ensureUser(ctx context.Context) error {
	_, err := s.Host.Run(ctx, cmdutil.Join("id", "-u", s.user()))
	var exitErr *shell.ExitError
	switch {
	case err == nil:
		if !s.Console.Confirm(s.Console.Yellow(fmt.Sprintf("User `%s` already exists. Continue anyway?", s.user())), false) {
			return fmt.Errorf("remote user `%s` is not available: %w", s.user(), ErrCancelled)
		}
		s.Console.Warn(fmt.Sprintf("Reusing user %s", s.user()))
		return nil
	case errors.As(err, &exitErr):
		if err := s.sudo(ctx, "useradd", "-m", s.user()); err != nil {
			return err
		}
		s.Console.Success(fmt.Sprintf("Created user %s", s.user()))
		return nil
	default:
		return err
	}
}

func (s *Setup) setupSSH(ctx context.Context) error {
	sshDir := path.Join(s.home(), ".ssh")
	keys := path.Join(sshDir, "authorized_keys")

	lines := [][]string{
		{"mkdir", "-p", sshDir},
		{"touch", keys},
		{"chmod", "-R", "700", sshDir},
		{"chown", "-R", s.user() + ":" + s.user(), s.home()},
	}
	for _, args := range lines {
		if err := s.sudo(ctx, args...); err != nil {
			return err
		}
	}
	s.Console.Success("Created " + keys)
	return nil
}

func (s *Setup) createFolders(ctx context.Context) error {
	folders := []string{
		s.Layout.VHostPath,
		s.Layout.Log(),
		s.Layout.Media(),
		s.Layout.Scripts(),
	}
	for _, folder := range folders {
		if err := s.sudo(ctx, "mkdir", folder); err != nil {
			return err
		}
	}
	if err := s.sudo(ctx, "mkdir", "-p", s.Layout.CachePath); err != nil {
		return err
	}
	s.Console.Success("Created folders in " + s.Layout.VHostPath)
	return nil
}

func (s *Setup) createFilesAndDatabase(ctx context.Context) error {
	c := s.Console
	c.Println(c.Yellow("Provide info for file creation:"))

	defaults, err := s.Environment.Credentials()
	if err != nil {
		defaults.Name = s.Environment.DatabaseName()
		defaults.User = defaults.Name
	}
	name := c.ReadValue("Database name", defaults.Name)
	user := c.ReadValue("Database username (max 16 characters for MySQL)", defaults.User)

	var password string
	if s.Engine.NeedsPassword() {
		password, err = c.NewPassword("Database password", s.Environment.NewPassword)
		if err != nil {
			return err
		}
	}

	version, err := s.pythonVersion(ctx)
	if err != nil {
		return err
	}

	data := fileData{
		ProjectName:         s.Project.Name,
		ProjectUser:         s.user(),
		VHostPath:           s.Layout.VHostPath,
		CurrentInstancePath: s.Layout.Current(),
		CachePath:           s.Layout.CachePath,
		SourceDir:           s.Layout.SourceDir,
		SettingsDir:         s.Layout.SettingsDir,
		Domain:              s.Environment.Domain,
		PythonVersion:       version,
		Engine:              s.Engine.Name(),
		EngineModule:        engineModule(s.Engine.Name()),
		DatabaseName:        name,
		DatabaseUser:        user,
		DatabasePassword:    password,
	}

	files := []struct {
		template string
		dest     string
		mode     os.FileMode
	}{
		{templates.SettingsPy, s.Layout.Settings(), security.PermRemoteFile},
		{templates.CredentialsJSON, s.Layout.Credentials(), security.PermRemoteSecret},
	}
	for _, f := range files {
		if err := s.upload(ctx, f.template, f.dest, data, f.mode); err != nil {
			return err
		}
	}

	exists, err := s.Engine.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists && !c.Confirm(c.Yellow(fmt.Sprintf("Database `%s` already exists. Continue anyway?", name)), false) {
		return fmt.Errorf("database `%s` already exists: %w", name, ErrCancelled)
	}
	if err := s.Engine.Create(ctx, name, user, password); err != nil {
		return err
	}
	c.Success(fmt.Sprintf("Created database %s owned by %s", name, user))
	return nil
}

func (s *Setup) pythonVersion(ctx context.Context) (string, error) {
	result, err := s.Host.Run(ctx, cmdutil.Join("python", "-c", `import sys; print("%d.%d" % sys.version_info[:2])`))
	if err != nil {
		return "", fmt.Errorf("failed to read python version: %w", err)
	}
	return strings.TrimSpace(result.Output), nil
}

func engineModule(engine string) string {
	if engine == database.PostgreSQL {
		return "postgresql_psycopg2"
	}
	return engine
}

func (s *Setup) upload(ctx context.Context, name, dest string, data interface{}, mode os.FileMode) error {
	content, err := s.Templates.Render(name, data)
	if err != nil {
		return err
	}
	if err := s.Host.WriteFile(ctx, dest, []byte(content), mode, s.user()); err != nil {
		return err
	}
	s.Console.Success("Wrote " + dest)
	return nil
}

func (s *Setup) createConfFiles(ctx context.Context) error {
	c := s.Console

	var htUser, htPassword string
	if s.Environment.BasicAuth || c.Confirm(c.Yellow("Setup htpasswd for project?"), false) {
		htUser = s.Project.Name
		htPassword = fmt.Sprintf("%s%d", s.Project.Name, s.Now().Year())
	}

	djangoPort, err := s.nextPort(ctx, "server django 127.0.0.1:", DefaultDjangoPort)
	if err != nil {
		return err
	}
	nginxPort, err := s.nextPort(ctx, "server static 127.0.0.1:", DefaultNginxPort)
	if err != nil {
		return err
	}
	c.Printf("Django port %d and nginx port %d will be used for this project\n", djangoPort, nginxPort)

	data := vhostData{
		ProjectName:         s.Project.Name,
		ProjectPrefix:       s.Environment.Prefix,
		ProjectUser:         s.user(),
		Group:               s.Project.SupervisorGroup(s.Environment),
		VHostPath:           s.Layout.VHostPath,
		LogPath:             s.Layout.Log(),
		CurrentInstancePath: s.Layout.Current(),
		SourceDir:           s.Layout.SourceDir,
		SettingsDir:         s.Layout.SettingsDir,
		Domain:              s.Environment.Domain,
		DjangoPort:          djangoPort,
		NginxPort:           nginxPort,
		HTUser:              htUser,
		HTPassword:          htPassword,
	}

	backends := path.Join(s.System.HAProxyDir, "backends")
	frontends := path.Join(s.System.HAProxyDir, "frontends", "all")
	confs := []struct {
		template string
		dest     string
	}{
		{templates.SupervisorConf, path.Join(s.System.SupervisorDir, s.user()+".conf")},
		{templates.NginxVHost, path.Join(s.System.NginxConfD, "vhosts-"+s.user()+".conf")},
		{templates.HAProxyBackendDjango, path.Join(backends, s.user()+"_django", "default")},
		{templates.HAProxyBackendStatic, path.Join(backends, s.user()+"_static", "default")},
		{templates.HAProxyFrontend, path.Join(frontends, s.user())},
	}
	if htUser != "" {
		confs = append(confs, struct {
			template string
			dest     string
		}{templates.HAProxyUserlist, path.Join(s.System.HAProxyDir, "all", s.user())})
	}

	for _, conf := range confs {
		if err := s.sudo(ctx, "mkdir", "-p", path.Dir(conf.dest)); err != nil {
			return err
		}
		content, err := s.Templates.Render(conf.template, data)
		if err != nil {
			return err
		}
		if err := s.Host.WriteFile(ctx, conf.dest, []byte(content), security.PermRemoteFile, "root"); err != nil {
			return err
		}
		c.Success("Wrote " + conf.dest)
	}
	return nil
}

// nextPort returns one more than the highest port used by marker lines
// in the haproxy configuration, or def when there are none.
func (s *Setup) nextPort(ctx context.Context, marker string, def int) (int, error) {
	result, err := s.Host.Sudo(ctx, cmdutil.Join("grep", "-rhs", marker, s.System.HAProxyDir))
	var exitErr *shell.ExitError
	if err != nil && !(errors.As(err, &exitErr) && exitErr.ExitCode == 1) {
		return 0, fmt.Errorf("failed to read used ports: %w", err)
	}

	highest := 0
	if result != nil {
		for _, line := range strings.Split(result.Output, "\n") {
			_, rest, ok := strings.Cut(line, marker)
			if !ok {
				continue
			}
			digits := rest
			if i := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
				digits = rest[:i]
			}
			if port, err := strconv.Atoi(digits); err == nil && port > highest {
				highest = port
			}
		}
	}

	if highest == 0 {
		return def, nil
	}
	return highest + 1, nil
}

func (s *Setup) chown(ctx context.Context) error {
	if err := s.sudo(ctx, "chown", "-R", s.user()+":"+s.user(), s.Layout.VHostPath); err != nil {
		return err
	}
	s.Console.Success(fmt.Sprintf("Changed ownership of %s to %s", s.Layout.VHostPath, s.user()))
	return nil
}

func (s *Setup) restartWebservers(ctx context.Context) error {
	c := s.Console
	result, err := s.Host.Sudo(ctx, s.System.NginxTest)
	if result != nil && result.Output != "" {
		c.Println(strings.TrimRight(result.Output, "\n"))
	}
	if err != nil {
		return fmt.Errorf("webserver configuration test failed: %w", err)
	}

	if !c.Confirm(c.Yellow("OK to restart webserver?"), false) {
		c.Warn("Website will be available when webservers are restarted")
		return nil
	}
	for _, line := range []string{s.System.HAProxyReload, s.System.NginxRestart} {
		if _, err := s.Host.Sudo(ctx, line); err != nil {
			return err
		}
	}
	c.Success("Restarted webservers")
	return nil
}

func (s *Setup) updateSupervisor(ctx context.Context) error {
	if err := s.Supervisor.Update(ctx); err != nil {
		return err
	}
	s.Console.Success("Updated supervisor")
	return nil
}
