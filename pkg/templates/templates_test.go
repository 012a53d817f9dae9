package templates

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type vhostData struct {
	ProjectName         string
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

func sampleData() vhostData {
	return vhostData{
		ProjectName:         "shop",
		ProjectUser:         "t-shop",
		Group:               "t-shop",
		VHostPath:           "/var/www/vhosts/t-shop",
		LogPath:             "/var/www/vhosts/t-shop/log",
		CurrentInstancePath: "/var/www/vhosts/t-shop/current_instance",
		SourceDir:           "t-shop",
		SettingsDir:         "shop",
		Domain:              "shop.example.com",
		DjangoPort:          8003,
		NginxPort:           9003,
	}
}

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create %s: %v", name, err)
	}
}

func TestLoader_Get(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	l := &Loader{Paths: []string{first, second}}

	_, source, err := l.Get(NginxVHost)
	if err != nil {
		t.Fatal(err)
	}
	if source != "embedded:"+NginxVHost {
		t.Errorf("source = %q, want embedded default", source)
	}

	writeTemplate(t, second, NginxVHost, "plain")
	if content, _, _ := l.Get(NginxVHost); content != "plain" {
		t.Errorf("content = %q, want plain", content)
	}

	writeTemplate(t, second, "override_"+NginxVHost, "override")
	if content, _, _ := l.Get(NginxVHost); content != "override" {
		t.Errorf("override_ did not win within its directory: %q", content)
	}

	writeTemplate(t, first, NginxVHost, "earlier path")
	content, source, err := l.Get(NginxVHost)
	if err != nil {
		t.Fatal(err)
	}
	if content != "earlier path" || source != filepath.Join(first, NginxVHost) {
		t.Errorf("Get() = %q from %q", content, source)
	}

	if _, _, err := l.Get("passwd"); err == nil || !strings.Contains(err.Error(), "unknown template") {
		t.Errorf("error = %v", err)
	}
}

func TestRender_Defaults(t *testing.T) {
	l := &Loader{}
	data := sampleData()

	tests := []struct {
		name string
		want []string
	}{
		{SupervisorConf, []string{"[program:t-shop]", "127.0.0.1:8003", "[group:t-shop]"}},
		{NginxVHost, []string{"listen 127.0.0.1:9003;", "server_name shop.example.com;", "alias /var/www/vhosts/t-shop/media/;"}},
		{HAProxyBackendDjango, []string{"server django 127.0.0.1:8003"}},
		{HAProxyBackendStatic, []string{"server static 127.0.0.1:9003"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := l.Render(tt.name, data)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestRender_BasicAuth(t *testing.T) {
	l := &Loader{}
	data := sampleData()

	out, err := l.Render(HAProxyFrontend, data)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "http_auth") {
		t.Errorf("frontend without basic auth:\n%s", out)
	}

	data.HTUser, data.HTPassword = "shop", "shop2026"
	out, err = l.Render(HAProxyFrontend, data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "http_auth(t-shop)") {
		t.Errorf("frontend with basic auth:\n%s", out)
	}

	out, err = l.Render(HAProxyUserlist, data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "user shop insecure-password shop2026") {
		t.Errorf("userlist:\n%s", out)
	}
}

func TestRender_CredentialsAreValidJSON(t *testing.T) {
	l := &Loader{}
	data := map[string]interface{}{
		"ProjectName":      "shop",
		"Engine":           "postgresql",
		"DatabaseName":     "t_shop",
		"DatabaseUser":     "t_shop",
		"DatabasePassword": `p"a\ss`,
	}

	out, err := l.Render(CredentialsJSON, data)
	if err != nil {
		t.Fatal(err)
	}

	var parsed struct {
		Database struct {
			Password string `json:"password"`
		} `json:"database"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out)
	}
	if parsed.Database.Password != `p"a\ss` {
		t.Errorf("password = %q", parsed.Database.Password)
	}
}

func TestRender_MissingField(t *testing.T) {
	l := &Loader{}
	if _, err := l.Render(CredentialsJSON, map[string]interface{}{"ProjectName": "shop"}); err == nil {
		t.Error("expected an error for missing fields")
	}
}

func TestRender_ParseError(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, NginxVHost, "{{.Domain")
	l := &Loader{Paths: []string{dir}}

	_, err := l.Render(NginxVHost, sampleData())
	if err == nil || !strings.Contains(err.Error(), "failed to parse template") {
		t.Errorf("error = %v", err)
	}
}

func TestListTemplates(t *testing.T) {
	for _, name := range ListTemplates() {
		if !ValidateTemplate(name) {
			t.Errorf("ValidateTemplate(%q) = false", name)
		}
		if _, err := defaults.ReadFile("defaults/" + name); err != nil {
			t.Errorf("no embedded default for %s", name)
		}
	}
	if ValidateTemplate("../../etc/passwd") {
		t.Error("ValidateTemplate accepted a path")
	}
}

func TestNewLoader(t *testing.T) {
	l := NewLoader("/srv/templates")
	if len(l.Paths) != len(DefaultPaths())+1 || l.Paths[0] != "/srv/templates" {
		t.Errorf("Paths = %v", l.Paths)
	}
}

func BenchmarkRender(b *testing.B) {
	l := &Loader{}
	data := sampleData()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Render(SupervisorConf, data)
	}
}
