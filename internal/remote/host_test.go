package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deploytool/internal/shell"
	"deploytool/internal/shell/shelltest"
)

func newLocalHost(t *testing.T) (*Host, string) {
	t.Helper()
	return New(shell.NewLocal(nil), nil), t.TempDir()
}

func TestHost_ExistsAndLinks(t *testing.T) {
	h, dir := newLocalHost(t)
	ctx := context.Background()

	target := filepath.Join(dir, "release")
	link := filepath.Join(dir, "current_instance")
	dangling := filepath.Join(dir, "dangling")

	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "gone"), dangling); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path   string
		exists bool
		isLink bool
	}{
		{target, true, false},
		{link, true, true},
		{dangling, true, true},
		{filepath.Join(dir, "missing"), false, false},
	}

	for _, tt := range tests {
		exists, err := h.Exists(ctx, tt.path)
		if err != nil {
			t.Fatalf("Exists(%s) error = %v", tt.path, err)
		}
		if exists != tt.exists {
			t.Errorf("Exists(%s) = %v, want %v", tt.path, exists, tt.exists)
		}

		isLink, err := h.IsLink(ctx, tt.path)
		if err != nil {
			t.Fatalf("IsLink(%s) error = %v", tt.path, err)
		}
		if isLink != tt.isLink {
			t.Errorf("IsLink(%s) = %v, want %v", tt.path, isLink, tt.isLink)
		}
	}

	resolved, err := h.ReadLink(ctx, link)
	if err != nil {
		t.Fatalf("ReadLink() error = %v", err)
	}
	want, _ := filepath.EvalSymlinks(target)
	if resolved != want {
		t.Errorf("ReadLink() = %q, want %q", resolved, want)
	}

	missing, err := h.ReadLink(ctx, filepath.Join(dir, "previous_instance"))
	if err != nil || missing != "" {
		t.Errorf("ReadLink(missing) = %q, %v; want empty", missing, err)
	}
}

func TestHost_MkdirRefusesExisting(t *testing.T) {
	h, dir := newLocalHost(t)
	ctx := context.Background()

	p := filepath.Join(dir, "backup")
	if err := h.Mkdir(ctx, p); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if err := h.Mkdir(ctx, p); err == nil {
		t.Error("Mkdir() should fail for an existing directory")
	}
}

func TestHost_RemoveAllGuards(t *testing.T) {
	h, _ := newLocalHost(t)
	ctx := context.Background()

	for _, p := range []string{"", "/", "relative/path", "/.."} {
		if err := h.RemoveAll(ctx, p); err == nil {
			t.Errorf("RemoveAll(%q) should be refused", p)
		}
	}
}

func TestHost_SymlinkRenameRemove(t *testing.T) {
	h, dir := newLocalHost(t)
	ctx := context.Background()

	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	for _, p := range []string{a, b} {
		if err := os.Mkdir(p, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	current := filepath.Join(dir, "current_instance")
	previous := filepath.Join(dir, "previous_instance")

	if err := h.Symlink(ctx, a, current); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}
	if err := h.Symlink(ctx, b, previous); err != nil {
		t.Fatalf("Symlink() error = %v", err)
	}

	// mv -T must replace the link at the destination, not move into it.
	if err := h.Rename(ctx, current, previous); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	got, _ := os.Readlink(previous)
	if got != a {
		t.Errorf("previous_instance -> %q, want %q", got, a)
	}
	if _, err := os.Lstat(current); !os.IsNotExist(err) {
		t.Error("current_instance should be gone after rename")
	}
	if _, err := os.Lstat(filepath.Join(b, "current_instance")); !os.IsNotExist(err) {
		t.Error("rename moved the link into the target directory")
	}

	if err := h.RemoveAll(ctx, previous); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	if _, err := os.Stat(a); err != nil {
		t.Error("removing a link must not remove its target")
	}
}

func TestHost_ListDirs(t *testing.T) {
	h, dir := newLocalHost(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	names := []string{"old", "middle", "new"}
	for i, name := range names {
		p := filepath.Join(dir, name)
		if err := os.Mkdir(p, 0o755); err != nil {
			t.Fatal(err)
		}
		mtime := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "settings.py"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(dir, "new"), filepath.Join(dir, "current_instance")); err != nil {
		t.Fatal(err)
	}

	entries, err := h.ListDirs(ctx, dir)
	if err != nil {
		t.Fatalf("ListDirs() error = %v", err)
	}

	var got []string
	for _, e := range entries {
		got = append(got, e.Name)
	}
	if strings.Join(got, ",") != "new,middle,old" {
		t.Errorf("ListDirs() = %v, want [new middle old]", got)
	}
}

func TestHost_AppendAndTail(t *testing.T) {
	h, dir := newLocalHost(t)
	ctx := context.Background()
	p := filepath.Join(dir, "fabric.log")

	for i := 1; i <= 7; i++ {
		line := "[2024-01-02 10:0" + string(rune('0'+i)) + "] deploy success in staging by dev for 'abc'"
		if err := h.AppendLine(ctx, p, line); err != nil {
			t.Fatalf("AppendLine() error = %v", err)
		}
	}

	tail, err := h.Tail(ctx, p, 5)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 5 {
		t.Fatalf("Tail() returned %d lines, want 5", len(lines))
	}
	if !strings.HasPrefix(lines[4], "[2024-01-02 10:07]") || !strings.HasSuffix(lines[4], "'abc'") {
		t.Errorf("last line = %q", lines[4])
	}
}

func TestHost_GlobHelpers(t *testing.T) {
	h, dir := newLocalHost(t)
	ctx := context.Background()

	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	for _, p := range []string{src, dst} {
		if err := os.Mkdir(p, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	has, err := h.HasGlob(ctx, src, "*.pth")
	if err != nil || has {
		t.Fatalf("HasGlob() on empty dir = %v, %v", has, err)
	}

	if err := os.WriteFile(filepath.Join(src, "local.pth"), []byte("/opt/lib\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	has, err = h.HasGlob(ctx, src, "*.pth")
	if err != nil || !has {
		t.Fatalf("HasGlob() = %v, %v; want true", has, err)
	}

	if err := h.CopyGlob(ctx, src, "*.pth", dst); err != nil {
		t.Fatalf("CopyGlob() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "local.pth")); err != nil {
		t.Error("CopyGlob() did not copy the file")
	}
}

func TestHost_WriteFileWithOwnerUsesSudo(t *testing.T) {
	rec := shelltest.New()
	h := New(rec, nil)

	err := h.WriteFile(context.Background(), "/etc/nginx/sites-enabled/t-shop.conf", []byte("server {}"), 0o644, "t-shop")
	if err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cmd, ok := rec.Find("mv /tmp/deploytool-")
	if !ok {
		t.Fatalf("no staging move recorded: %v", rec.Lines())
	}
	if !cmd.Elevated {
		t.Error("staging move should run elevated")
	}
	if !strings.Contains(cmd.Line, "chown t-shop:t-shop") {
		t.Errorf("move line = %q", cmd.Line)
	}

	var staged bool
	for path, data := range rec.Files {
		if strings.HasPrefix(path, "/tmp/deploytool-") && string(data) == "server {}" {
			staged = true
		}
	}
	if !staged {
		t.Error("content was not uploaded to a staging path")
	}
}

func TestHost_DiskUsage(t *testing.T) {
	rec := shelltest.New().On("du -h --summarize", "1.2G\t/var/www/vhosts/t-shop/media\n", 0)
	h := New(rec, nil)

	size, err := h.DiskUsage(context.Background(), "/var/www/vhosts/t-shop/media")
	if err != nil {
		t.Fatalf("DiskUsage() error = %v", err)
	}
	if size != "1.2G" {
		t.Errorf("DiskUsage() = %q, want 1.2G", size)
	}
}

func TestTempPath(t *testing.T) {
	a, b := TempPath("/tmp"), TempPath("/tmp")
	if a == b {
		t.Error("TempPath() should be unique")
	}
	if !strings.HasPrefix(a, "/tmp/") {
		t.Errorf("TempPath() = %q", a)
	}
}
