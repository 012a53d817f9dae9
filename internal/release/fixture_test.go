package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deploytool/internal/history"
	"deploytool/internal/layout"
	"deploytool/internal/remote"
	"deploytool/internal/shell"
)

var errBoom = errors.New("boom")

func stampN(i int) string {
	return fmt.Sprintf("%040x", i)
}

// events is the ordered list of collaborator calls made during a run.
type events struct {
	list []string
}

func (e *events) add(s string) { e.list = append(e.list, s) }

func (e *events) index(s string) int {
	for i, v := range e.list {
		if v == s {
			return i
		}
	}
	return -1
}

func (e *events) has(prefix string) bool {
	for _, v := range e.list {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}

type fakeSource struct {
	ev         *events
	settings   string
	assets     bool
	resolveErr error
	failAt     string
}

func (s *fakeSource) Resolve(ref string) (string, error) {
	if s.resolveErr != nil {
		return "", s.resolveErr
	}
	return ref, nil
}

func (s *fakeSource) Transfer(ctx context.Context, ex shell.Executor, stamp, dest string) error {
	s.ev.add("transfer")
	if s.failAt == "transfer" {
		return errBoom
	}
	return os.MkdirAll(filepath.Join(dest, s.settings), 0o755)
}

func (s *fakeSource) HasAssets() bool { return s.assets }

func (s *fakeSource) CompileAssets(ctx context.Context, ex shell.Executor, stamp, dest string) error {
	s.ev.add("assets")
	if s.failAt == "assets" {
		return errBoom
	}
	return nil
}

type fakeToolchain struct {
	ev       *events
	failAt   string
	useWheel bool
}

func (f *fakeToolchain) step(name string) error {
	f.ev.add(name)
	if f.failAt == name {
		return fmt.Errorf("%s: %w", name, errBoom)
	}
	return nil
}

func (f *fakeToolchain) CreateEnv(ctx context.Context, rel layout.Release) error {
	return f.step("virtualenv")
}

func (f *fakeToolchain) InstallRequirements(ctx context.Context, rel layout.Release, useWheel bool) error {
	f.useWheel = useWheel
	return f.step("requirements")
}

func (f *fakeToolchain) InstallExtras(ctx context.Context, rel layout.Release, useWheel bool) error {
	return f.step("extras")
}

func (f *fakeToolchain) CollectStatic(ctx context.Context, rel layout.Release) error {
	return f.step("collectstatic")
}

func (f *fakeToolchain) SyncDatabase(ctx context.Context, rel layout.Release) error {
	return f.step("syncdb")
}

func (f *fakeToolchain) Migrate(ctx context.Context, rel layout.Release) error {
	return f.step("migrate")
}

type fakeDatabase struct {
	ev          *events
	failBackup  string
	failRestore bool
	restored    []string
}

func (d *fakeDatabase) Backup(ctx context.Context, dest string) error {
	name := strings.TrimPrefix(filepath.Base(dest), PartialBackupPrefix)
	d.ev.add("backup:" + name)
	if d.failBackup == name || d.failBackup == "*" {
		// A failing dump tool still leaves its redirect target behind.
		if err := os.WriteFile(dest, []byte("-- truncated"), 0o644); err != nil {
			return err
		}
		return errBoom
	}
	return os.WriteFile(dest, []byte("-- dump of "+name+"\n"), 0o644)
}

func (d *fakeDatabase) Restore(ctx context.Context, src string) error {
	d.ev.add("restore:" + filepath.Base(src))
	d.restored = append(d.restored, src)
	if d.failRestore {
		return errors.New("restore exploded")
	}
	return nil
}

type fakeServices struct {
	ev       *events
	failAt   string
	programs []string
}

func (s *fakeServices) call(name string, programs []string) error {
	s.ev.add(name)
	s.programs = programs
	if s.failAt == name {
		return errBoom
	}
	return nil
}

func (s *fakeServices) Restart(ctx context.Context, programs ...string) error {
	return s.call("restart", programs)
}

func (s *fakeServices) Stop(ctx context.Context, programs ...string) error {
	return s.call("stop", programs)
}

func (s *fakeServices) Start(ctx context.Context, programs ...string) error {
	return s.call("start", programs)
}

type fakePauser struct {
	ev *events
}

func (p *fakePauser) Pause(ctx context.Context, cp Checkpoint) error {
	p.ev.add("pause:" + string(cp))
	return nil
}

// fixture is a virtual host in a temporary directory driven through the
// local executor.
type fixture struct {
	t       *testing.T
	ev      *events
	layout  *layout.Layout
	host    *remote.Host
	source  *fakeSource
	tc      *fakeToolchain
	db      *fakeDatabase
	svc     *fakeServices
	hooks   *Hooks
	cfg     Config
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ev := &events{}
	l := layout.New(t.TempDir(), "t-", "shop")
	host := remote.New(shell.NewLocal(nil), nil)

	for _, dir := range l.Folders() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(l.Settings(), []byte("DEBUG = False\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		t:      t,
		ev:     ev,
		layout: l,
		host:   host,
		source: &fakeSource{ev: ev, settings: l.SettingsDir},
		tc:     &fakeToolchain{ev: ev},
		db:     &fakeDatabase{ev: ev},
		svc:    &fakeServices{ev: ev},
		hooks:  &Hooks{},
	}
	f.cfg = Config{
		Host:      host,
		Layout:    l,
		Source:    f.source,
		Toolchain: f.tc,
		Database:  f.db,
		Services:  f.svc,
		Journal:   history.NewJournal(host, l.Journal(), "shop", "testing", "alice", nil),
		Hooks:     f.hooks,
		Owner:     "alice@workstation",
	}
	return f
}

func (f *fixture) mgr() *Manager {
	if f.manager == nil {
		f.manager = New(f.cfg)
	}
	return f.manager
}

// release creates release directory name, modified age ago, with a start
// backup when backup is set.
func (f *fixture) release(name string, age time.Duration, backup bool) string {
	f.t.Helper()
	rel := f.layout.Release(name)
	if err := os.MkdirAll(rel.Backup, 0o755); err != nil {
		f.t.Fatal(err)
	}
	if backup {
		if err := os.WriteFile(rel.BackupStart, []byte("-- start\n"), 0o644); err != nil {
			f.t.Fatal(err)
		}
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(rel.Root, mtime, mtime); err != nil {
		f.t.Fatal(err)
	}
	return rel.Root
}

func (f *fixture) link(link, name string) {
	f.t.Helper()
	if err := os.Symlink(f.layout.ReleasePath(name), link); err != nil {
		f.t.Fatal(err)
	}
}

// target returns where link points, or "" when it does not exist.
func (f *fixture) target(link string) string {
	f.t.Helper()
	dest, err := os.Readlink(link)
	if errors.Is(err, os.ErrNotExist) {
		return ""
	}
	if err != nil {
		f.t.Fatal(err)
	}
	return dest
}

func (f *fixture) links() (string, string) {
	return f.target(f.layout.Current()), f.target(f.layout.Previous())
}

func (f *fixture) exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

func (f *fixture) journal() string {
	data, err := os.ReadFile(f.layout.Journal())
	if errors.Is(err, os.ErrNotExist) {
		return ""
	}
	if err != nil {
		f.t.Fatal(err)
	}
	return string(data)
}

func (f *fixture) assertUnlocked() {
	f.t.Helper()
	if f.exists(f.layout.Lock()) {
		f.t.Error("lock directory was left behind")
	}
}
