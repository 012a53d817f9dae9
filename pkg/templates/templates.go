// Package templates renders the configuration files written by setup.
// Every template can be replaced by a file named override_<name> or
// <name> in one of the search paths; the embedded default is used last.
package templates

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"

	"deploytool/pkg/fileutil"
)

// Template names
const (
	SettingsPy           = "settings_py.txt"
	CredentialsJSON      = "credentials_json.txt"
	SupervisorConf       = "supervisor_conf.txt"
	NginxVHost           = "nginx_vhost.txt"
	HAProxyBackendDjango = "haproxy_backend_django.txt"
	HAProxyBackendStatic = "haproxy_backend_static.txt"
	HAProxyFrontend      = "haproxy_frontend.txt"
	HAProxyUserlist      = "haproxy_userlist.txt"

	overridePrefix = "override_"
)

//go:embed defaults/*.txt
var defaults embed.FS

var funcs = template.FuncMap{
	"json": func(v interface{}) (string, error) {
		data, err := json.Marshal(v)
		return string(data), err
	},
}

// DefaultPaths returns the directories searched for templates
func DefaultPaths() []string {
	return fileutil.DefaultConfigPaths("templates")
}

// Loader finds templates in Paths, in order.
type Loader struct {
	Paths []string
}

// NewLoader returns a loader searching extra before the default paths.
func NewLoader(extra ...string) *Loader {
	return &Loader{Paths: append(append([]string(nil), extra...), DefaultPaths()...)}
}

// Get returns the raw template content by name and where it came from.
// Each search path is tried for override_<name> and then <name>.
func (l *Loader) Get(name string) (string, string, error) {
	if !ValidateTemplate(name) {
		return "", "", fmt.Errorf("unknown template: %s", name)
	}

	for _, dir := range l.Paths {
		for _, filename := range []string{overridePrefix + name, name} {
			path := filepath.Join(dir, filename)
			content, err := os.ReadFile(path)
			if err == nil {
				return string(content), path, nil
			}
			if !errors.Is(err, fs.ErrNotExist) {
				return "", "", fmt.Errorf("failed to read template %s: %w", path, err)
			}
		}
	}

	content, err := defaults.ReadFile("defaults/" + name)
	if err != nil {
		return "", "", fmt.Errorf("template file not found: %s (searched: %v)", name, l.Paths)
	}
	return string(content), "embedded:" + name, nil
}

// Render renders a template using Go's text/template package. Missing
// fields are an error.
func (l *Loader) Render(name string, data interface{}) (string, error) {
	content, source, err := l.Get(name)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(content)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", source, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", source, err)
	}

	return buf.String(), nil
}

// ListTemplates returns a list of all available template names.
func ListTemplates() []string {
	return []string{
		SettingsPy,
		CredentialsJSON,
		SupervisorConf,
		NginxVHost,
		HAProxyBackendDjango,
		HAProxyBackendStatic,
		HAProxyFrontend,
		HAProxyUserlist,
	}
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	for _, known := range ListTemplates() {
		if name == known {
			return true
		}
	}
	return false
}
