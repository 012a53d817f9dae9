package target

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deploytool/internal/database"
	"deploytool/internal/project"
	"deploytool/internal/shell"
	"deploytool/internal/shell/shelltest"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const vhost = "/var/www/vhosts/t-shop"

func openRecorded(t *testing.T, repo string, ex shell.Executor) *Target {
	t.Helper()
	proj, env := newProject(repo)
	tgt, err := Open(context.Background(), Options{
		Project:     proj,
		Environment: env,
		Host:        env.Hosts[0],
		LocalUser:   "alice",
		Dial: func(ctx context.Context, cfg shell.SSHConfig) (shell.Executor, error) {
			return ex, nil
		},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { tgt.Close() })
	return tgt
}

// commitFile adds a commit writing name to the repository at dir.
func commitFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatal(err)
	}
	hash, err := wt.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
	return hash.String()
}

func TestTarget_Status(t *testing.T) {
	repo, stamp := newRepo(t)
	rec := shelltest.New().
		On("readlink -f "+vhost+"/current_instance", vhost+"/"+stamp+"\n", 0).
		On("test -e "+vhost+"/previous_instance", "", 1).
		On("tail --lines=10 "+vhost+"/log/fabric.log", "[2026-03-01 10:00] deploy success in staging by alice for "+stamp+"\n", 0)
	tgt := openRecorded(t, repo, rec)

	st, err := tgt.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Current != vhost+"/"+stamp {
		t.Errorf("Current = %q", st.Current)
	}
	if st.Previous != "" {
		t.Errorf("Previous = %q, want none", st.Previous)
	}
	if !strings.HasSuffix(st.Journal, "by alice for "+stamp) {
		t.Errorf("Journal = %q", st.Journal)
	}
}

func TestTarget_StatusEmptyJournal(t *testing.T) {
	repo, _ := newRepo(t)
	rec := shelltest.New().
		On("test -e "+vhost+"/current_instance", "", 1).
		On("test -e "+vhost+"/previous_instance", "", 1).
		On("test -e "+vhost+"/log/fabric.log", "", 1)
	tgt := openRecorded(t, repo, rec)

	st, err := tgt.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Current != "" || st.Previous != "" || st.Journal != "" {
		t.Errorf("Status() = %+v, want empty", st)
	}
	if rec.Index("tail") >= 0 {
		t.Error("tail run on a missing journal")
	}
}

func TestTarget_Size(t *testing.T) {
	repo, stamp := newRepo(t)
	rec := shelltest.New().
		On("readlink -f "+vhost+"/current_instance", vhost+"/"+stamp+"\n", 0).
		On("test -e "+vhost+"/previous_instance", "", 1).
		On("du -h --summarize "+vhost+"/"+stamp+"/t-shop", "12M\t"+vhost+"/"+stamp+"/t-shop\n", 0).
		On("du -h --summarize "+vhost+"/media", "3.4G\t"+vhost+"/media\n", 0)
	tgt := openRecorded(t, repo, rec)

	size, err := tgt.Size(context.Background())
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size.Source != "12M" || size.Media != "3.4G" {
		t.Errorf("Size() = %+v", size)
	}
}

func TestTarget_Deployed(t *testing.T) {
	repo, stamp := newRepo(t)
	unknown := strings.Repeat("ab", 20)

	tests := []struct {
		name      string
		current   string
		wantStamp string
		wantState DeployedState
	}{
		{"first deploy", "", "", FirstDeploy},
		{"known commit", stamp, stamp, KnownCommit},
		{"forced release of known commit", stamp + "_1", stamp, KnownCommit},
		{"unknown commit", unknown, unknown, UnknownCommit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := shelltest.New().On("test -e "+vhost+"/previous_instance", "", 1)
			if tt.current == "" {
				rec.On("test -e "+vhost+"/current_instance", "", 1)
			} else {
				rec.On("readlink -f "+vhost+"/current_instance", vhost+"/"+tt.current+"\n", 0)
			}
			tgt := openRecorded(t, repo, rec)

			gotStamp, gotState, err := tgt.Deployed(context.Background())
			if err != nil {
				t.Fatalf("Deployed() error = %v", err)
			}
			if gotStamp != tt.wantStamp || gotState != tt.wantState {
				t.Errorf("Deployed() = %q, %v, want %q, %v", gotStamp, gotState, tt.wantStamp, tt.wantState)
			}
		})
	}
}

func TestTarget_Diff(t *testing.T) {
	repo, deployed := newRepo(t)
	commitFile(t, repo, "app.py", "print('hello')\n")

	rec := shelltest.New().
		On("readlink -f "+vhost+"/current_instance", vhost+"/"+deployed+"\n", 0).
		On("test -e "+vhost+"/previous_instance", "", 1)
	tgt := openRecorded(t, repo, rec)

	stat, err := tgt.Diff(context.Background(), "HEAD", false)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if !strings.Contains(stat, "app.py") {
		t.Errorf("Diff() = %q, want app.py listed", stat)
	}

	full, err := tgt.Diff(context.Background(), "HEAD", true)
	if err != nil {
		t.Fatalf("Diff(full) error = %v", err)
	}
	if !strings.Contains(full, "+print('hello')") {
		t.Errorf("Diff(full) = %q", full)
	}
}

func TestTarget_DiffNothingDeployed(t *testing.T) {
	repo, _ := newRepo(t)
	rec := shelltest.New().
		On("test -e "+vhost+"/current_instance", "", 1).
		On("test -e "+vhost+"/previous_instance", "", 1)
	tgt := openRecorded(t, repo, rec)

	if _, err := tgt.Diff(context.Background(), "HEAD", false); err == nil || !strings.Contains(err.Error(), "nothing deployed") {
		t.Fatalf("Diff() error = %v", err)
	}
}

// tarballs serves every download with a marker naming the path.
type tarballs struct {
	*shelltest.Recorder
}

func (t tarballs) Download(ctx context.Context, path string, w io.Writer) error {
	_, err := io.WriteString(w, "tarball "+path)
	return err
}

func TestTarget_Media(t *testing.T) {
	repo, _ := newRepo(t)
	rec := shelltest.New()
	tgt := openRecorded(t, repo, tarballs{rec})

	var buf bytes.Buffer
	if err := tgt.Media(context.Background(), &buf); err != nil {
		t.Fatalf("Media() error = %v", err)
	}

	tarball := strings.TrimPrefix(buf.String(), "tarball ")
	if !strings.HasPrefix(tarball, vhost+"/") || !strings.HasSuffix(tarball, ".tar") {
		t.Fatalf("downloaded %q", tarball)
	}
	if rec.Index("tar -C "+vhost+" -cf "+tarball+" media") < 0 {
		t.Errorf("media not archived: %v", rec.Lines())
	}
	if rec.Index("rm -rf "+tarball) < 0 {
		t.Error("remote tarball not removed")
	}
}

func TestTarget_MediaArchiveFailure(t *testing.T) {
	repo, _ := newRepo(t)
	rec := shelltest.New().On("tar -C", "tar: media: Cannot stat", 2)
	tgt := openRecorded(t, repo, rec)

	if err := tgt.Media(context.Background(), io.Discard); err == nil {
		t.Fatal("Media() succeeded")
	}
	archive, cleanup := rec.Index("tar -C"), rec.Index("rm -rf")
	if cleanup < 0 || cleanup < archive {
		t.Errorf("partial tarball not removed after failed tar: %v", rec.Lines())
	}
}

func TestTarget_InstallWheels(t *testing.T) {
	repo, _ := newRepo(t)
	rec := shelltest.New()
	tgt := openRecorded(t, repo, rec)

	if err := tgt.InstallWheels(context.Background(), "HEAD"); err != nil {
		t.Fatalf("InstallWheels() error = %v", err)
	}

	var scratch string
	for p, data := range rec.Files {
		if strings.HasSuffix(p, "/requirements.txt") {
			scratch = strings.TrimSuffix(p, "/requirements.txt")
			if string(data) != "Django==1.4\n" {
				t.Errorf("uploaded requirements %q", data)
			}
		}
	}
	if !strings.HasPrefix(scratch, WheelScratch+"/") {
		t.Fatalf("requirements not uploaded into a scratch dir: %v", rec.Files)
	}

	build, ok := rec.Find("pip wheel")
	if !ok {
		t.Fatalf("wheels not built: %v", rec.Lines())
	}
	if build.Line != "pip wheel --wheel-dir="+scratch+" -r "+scratch+"/requirements.txt" || build.Elevated {
		t.Errorf("build = %+v", build)
	}
	install, ok := rec.Find(".whl")
	if !ok || !install.Elevated || !strings.HasSuffix(install.Line, " /opt/wheels/") {
		t.Errorf("install = %+v, %v", install, ok)
	}

	steps := []int{rec.Index("mkdir " + scratch), rec.Index("pip wheel"), rec.Index(".whl"), rec.Index("rm -rf " + scratch)}
	for i := 1; i < len(steps); i++ {
		if steps[i-1] < 0 || steps[i] <= steps[i-1] {
			t.Fatalf("steps out of order %v: %v", steps, rec.Lines())
		}
	}
}

func TestTarget_InstallWheelsBuildFailure(t *testing.T) {
	repo, _ := newRepo(t)
	rec := shelltest.New().On("pip wheel", "No matching distribution found for Django==1.4", 1)
	tgt := openRecorded(t, repo, rec)

	err := tgt.InstallWheels(context.Background(), "HEAD")
	if err == nil || !strings.Contains(err.Error(), "failed to build wheels") {
		t.Fatalf("InstallWheels() error = %v", err)
	}
	if rec.Index(".whl") >= 0 {
		t.Error("copied wheels after a failed build")
	}
	if rec.Index("rm -rf "+WheelScratch+"/") < 0 {
		t.Error("scratch dir not removed")
	}
}

func TestTarget_InstallWheelsUnknownRef(t *testing.T) {
	repo, _ := newRepo(t)
	rec := shelltest.New()
	tgt := openRecorded(t, repo, rec)

	if err := tgt.InstallWheels(context.Background(), "no-such-branch"); err == nil {
		t.Fatal("InstallWheels() accepted an unknown ref")
	}
	if len(rec.Lines()) != 0 {
		t.Errorf("ran commands for an unknown ref: %v", rec.Lines())
	}
}

// dumps serves every download with a fixed SQL dump.
type dumps struct {
	*shelltest.Recorder
}

func (d dumps) Download(ctx context.Context, path string, w io.Writer) error {
	_, err := io.WriteString(w, "CREATE TABLE orders ();\n")
	return err
}

// fakePostgres puts dropdb, createdb and psql on PATH. Each logs its
// arguments to the returned file and psql appends the loaded file to it.
func fakePostgres(t *testing.T) string {
	t.Helper()
	bin := t.TempDir()
	log := filepath.Join(bin, "calls.log")
	logCall := "echo \"$(basename \"$0\") $*\" >> " + log + "\n"
	scripts := map[string]string{
		"dropdb":   logCall,
		"createdb": logCall,
		"psql":     logCall + "while [ $# -gt 0 ]; do\n  if [ \"$1\" = -f ]; then cat \"$2\" >> " + log + "; fi\n  shift\ndone\n",
	}
	for name, body := range scripts {
		if err := os.WriteFile(filepath.Join(bin, name), []byte("#!/bin/sh\n"+body), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	return log
}

func TestTarget_CloneDatabase(t *testing.T) {
	log := fakePostgres(t)
	repo, stamp := newRepo(t)
	rec := shelltest.New().
		On("readlink -f "+vhost+"/current_instance", vhost+"/"+stamp+"\n", 0).
		On("test -e "+vhost+"/previous_instance", "", 1)

	proj, env := newProject(repo)
	env.Database = project.DatabaseConfig{Engine: "postgresql", Name: "shop"}
	tgt, err := Open(context.Background(), Options{
		Project:     proj,
		Environment: env,
		Host:        env.Hosts[0],
		LocalUser:   "alice",
		Dial:        func(ctx context.Context, cfg shell.SSHConfig) (shell.Executor, error) { return dumps{rec}, nil },
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer tgt.Close()

	engine, err := database.New("postgresql", shell.NewLocal(nil), database.Options{})
	if err != nil {
		t.Fatal(err)
	}
	local := &database.Bound{Engine: engine, Credentials: database.Credentials{Name: "shop_dev", User: "alice"}}
	scratch := t.TempDir()

	if err := tgt.CloneDatabase(context.Background(), local, scratch); err != nil {
		t.Fatalf("CloneDatabase() error = %v", err)
	}

	data, err := os.ReadFile(log)
	if err != nil {
		t.Fatal(err)
	}
	calls := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(calls) != 4 {
		t.Fatalf("local calls = %q", calls)
	}
	if calls[0] != "dropdb --if-exists shop_dev" {
		t.Errorf("drop = %q", calls[0])
	}
	if !strings.HasPrefix(calls[1], "createdb shop_dev --owner=alice") {
		t.Errorf("create = %q", calls[1])
	}
	if !strings.HasPrefix(calls[2], "psql ") || calls[3] != "CREATE TABLE orders ();" {
		t.Errorf("load = %q", calls[2:])
	}

	if rec.Index("pg_dump --no-owner shop") < 0 {
		t.Errorf("remote database not dumped: %v", rec.Lines())
	}
	if entries, _ := os.ReadDir(scratch); len(entries) != 0 {
		t.Errorf("staged dump left behind: %v", entries)
	}
}

func TestTarget_CloneDatabaseDumpFailure(t *testing.T) {
	log := fakePostgres(t)
	repo, stamp := newRepo(t)
	rec := shelltest.New().
		On("readlink -f "+vhost+"/current_instance", vhost+"/"+stamp+"\n", 0).
		On("test -e "+vhost+"/previous_instance", "", 1).
		On("pg_dump", "pg_dump: error: connection to server failed", 1)

	proj, env := newProject(repo)
	env.Database = project.DatabaseConfig{Engine: "postgresql", Name: "shop"}
	tgt, err := Open(context.Background(), Options{
		Project:     proj,
		Environment: env,
		Host:        env.Hosts[0],
		LocalUser:   "alice",
		Dial:        dialRecorder(rec, nil),
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer tgt.Close()

	engine, err := database.New("postgresql", shell.NewLocal(nil), database.Options{})
	if err != nil {
		t.Fatal(err)
	}
	local := &database.Bound{Engine: engine, Credentials: database.Credentials{Name: "shop_dev", User: "alice"}}
	scratch := t.TempDir()

	if err := tgt.CloneDatabase(context.Background(), local, scratch); err == nil {
		t.Fatal("CloneDatabase() succeeded without a dump")
	}
	if _, err := os.Stat(log); !os.IsNotExist(err) {
		t.Error("local database touched after a failed dump")
	}
	if entries, _ := os.ReadDir(scratch); len(entries) != 0 {
		t.Errorf("staged dump left behind: %v", entries)
	}
}
