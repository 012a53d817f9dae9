// Package remote exposes filesystem operations on a deployment target as
// shell commands sent through a shell.Executor.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"deploytool/internal/shell"
	"deploytool/pkg/cmdutil"

	"github.com/google/uuid"
)

// Entry is one directory found by ListDirs.
type Entry struct {
	Name    string
	ModTime time.Time
}

// Host performs filesystem operations on one target.
type Host struct {
	ex     shell.Executor
	logger *slog.Logger
}

// New wraps ex. A nil logger discards log output.
func New(ex shell.Executor, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Host{ex: ex, logger: logger}
}

// Executor returns the underlying executor.
func (h *Host) Executor() shell.Executor {
	return h.ex
}

// Name returns the executor's host description.
func (h *Host) Name() string {
	return h.ex.Host()
}

// Run executes line as the connected user.
func (h *Host) Run(ctx context.Context, line string) (*shell.Result, error) {
	return h.ex.Run(ctx, shell.Command{Line: line})
}

// Sudo executes line as root.
func (h *Host) Sudo(ctx context.Context, line string) (*shell.Result, error) {
	return h.ex.Run(ctx, shell.Command{Line: line, Elevated: true})
}

// RunCommand executes cmd unchanged.
func (h *Host) RunCommand(ctx context.Context, cmd shell.Command) (*shell.Result, error) {
	return h.ex.Run(ctx, cmd)
}

// probe runs a test(1) style line: exit 0 is true, exit 1 is false,
// anything else is an error.
func (h *Host) probe(ctx context.Context, line string) (bool, error) {
	_, err := h.ex.Run(ctx, shell.Command{Line: line})
	if err == nil {
		return true, nil
	}
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// Exists reports whether p exists. Dangling links count as existing.
func (h *Host) Exists(ctx context.Context, p string) (bool, error) {
	q := cmdutil.Quote(p)
	return h.probe(ctx, fmt.Sprintf("test -e %s || test -L %s", q, q))
}

// IsLink reports whether p is a symbolic link.
func (h *Host) IsLink(ctx context.Context, p string) (bool, error) {
	return h.probe(ctx, "test -L "+cmdutil.Quote(p))
}

// IsDir reports whether p is a directory (following links).
func (h *Host) IsDir(ctx context.Context, p string) (bool, error) {
	return h.probe(ctx, "test -d "+cmdutil.Quote(p))
}

// HasGlob reports whether pattern, a shell glob inside dir, matches at
// least one file.
func (h *Host) HasGlob(ctx context.Context, dir, pattern string) (bool, error) {
	line := fmt.Sprintf("for f in %s/%s; do test -e \"$f\" && exit 0; done; exit 1", cmdutil.Quote(dir), pattern)
	return h.probe(ctx, line)
}

// ReadLink resolves p to its canonical target. It returns "" when p does
// not exist.
func (h *Host) ReadLink(ctx context.Context, p string) (string, error) {
	ok, err := h.Exists(ctx, p)
	if err != nil || !ok {
		return "", err
	}
	result, err := h.Run(ctx, "readlink -f "+cmdutil.Quote(p))
	if err != nil {
		return "", fmt.Errorf("failed to read link %s: %w", p, err)
	}
	return strings.TrimSpace(result.Output), nil
}

// Mkdir creates each directory, failing if one already exists.
func (h *Host) Mkdir(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		if _, err := h.Run(ctx, "mkdir "+cmdutil.Quote(p)); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", p, err)
		}
	}
	return nil
}

// MkdirAll creates each directory and its parents.
func (h *Host) MkdirAll(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if _, err := h.Run(ctx, "mkdir -p "+cmdutil.Join(paths...)); err != nil {
		return fmt.Errorf("failed to create folders: %w", err)
	}
	return nil
}

// RemoveAll deletes p recursively. Relative paths and "/" are refused.
func (h *Host) RemoveAll(ctx context.Context, p string) error {
	clean := path.Clean(p)
	if !path.IsAbs(clean) || clean == "/" {
		return fmt.Errorf("refusing to delete %q", p)
	}
	if _, err := h.Run(ctx, "rm -rf "+cmdutil.Quote(clean)); err != nil {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}

// Symlink points link at target, replacing an existing link.
func (h *Host) Symlink(ctx context.Context, target, link string) error {
	if _, err := h.Run(ctx, "ln -sfn "+cmdutil.Join(target, link)); err != nil {
		return fmt.Errorf("failed to link %s to %s: %w", link, target, err)
	}
	return nil
}

// Rename moves from to to. A directory or link at to is replaced rather
// than entered.
func (h *Host) Rename(ctx context.Context, from, to string) error {
	if _, err := h.Run(ctx, "mv -T "+cmdutil.Join(from, to)); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}
	return nil
}

// Copy copies a single file.
func (h *Host) Copy(ctx context.Context, from, to string) error {
	if _, err := h.Run(ctx, "cp "+cmdutil.Join(from, to)); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", from, to, err)
	}
	return nil
}

// CopyGlob copies every file matching pattern in dir into destDir.
func (h *Host) CopyGlob(ctx context.Context, dir, pattern, destDir string) error {
	line := fmt.Sprintf("cp %s/%s %s", cmdutil.Quote(dir), pattern, cmdutil.Quote(destDir))
	if _, err := h.Run(ctx, line); err != nil {
		return fmt.Errorf("failed to copy %s/%s to %s: %w", dir, pattern, destDir, err)
	}
	return nil
}

// ListDirs lists the directories directly inside dir with their
// modification times, newest first. Links are not followed.
func (h *Host) ListDirs(ctx context.Context, dir string) ([]Entry, error) {
	line := fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -type d -printf '%%T@ %%f\\n'", cmdutil.Quote(dir))
	result, err := h.Run(ctx, line)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var entries []Entry
	for _, raw := range strings.Split(result.Output, "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		stamp, name, ok := strings.Cut(raw, " ")
		if !ok {
			return nil, fmt.Errorf("unexpected listing line %q", raw)
		}
		seconds, err := strconv.ParseFloat(stamp, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected modification time %q: %w", stamp, err)
		}
		sec := int64(seconds)
		nsec := int64((seconds - float64(sec)) * 1e9)
		entries = append(entries, Entry{Name: name, ModTime: time.Unix(sec, nsec)})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].Name > entries[j].Name
		}
		return entries[i].ModTime.After(entries[j].ModTime)
	})
	return entries, nil
}

// AppendLine appends line and a newline to the file at p.
func (h *Host) AppendLine(ctx context.Context, p, line string) error {
	cmd := fmt.Sprintf("printf '%%s\\n' %s >> %s", cmdutil.Quote(line), cmdutil.Quote(p))
	if _, err := h.Run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to append to %s: %w", p, err)
	}
	return nil
}

// Tail returns the last n lines of the file at p.
func (h *Host) Tail(ctx context.Context, p string, n int) (string, error) {
	result, err := h.Run(ctx, fmt.Sprintf("tail --lines=%d %s", n, cmdutil.Quote(p)))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", p, err)
	}
	return strings.TrimRight(result.Output, "\n"), nil
}

// DiskUsage returns the human readable recursive size of p.
func (h *Host) DiskUsage(ctx context.Context, p string) (string, error) {
	result, err := h.Run(ctx, "du -h --summarize "+cmdutil.Quote(p))
	if err != nil {
		return "", fmt.Errorf("failed to measure %s: %w", p, err)
	}
	size, _, _ := strings.Cut(strings.TrimSpace(result.Output), "\t")
	return strings.TrimSpace(size), nil
}

// ReadFile returns the content of the file at p.
func (h *Host) ReadFile(ctx context.Context, p string) ([]byte, error) {
	var buf bytes.Buffer
	if err := h.ex.Download(ctx, p, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile stores data at p with mode. When owner is set the file is
// staged in /tmp, then moved into place and chowned as root.
func (h *Host) WriteFile(ctx context.Context, p string, data []byte, mode os.FileMode, owner string) error {
	if owner == "" {
		return h.ex.Upload(ctx, bytes.NewReader(data), p, mode)
	}

	staging := "/tmp/deploytool-" + uuid.NewString()
	if err := h.ex.Upload(ctx, bytes.NewReader(data), staging, mode); err != nil {
		return err
	}

	line := fmt.Sprintf("mv %s %s && chown %s %s",
		cmdutil.Quote(staging), cmdutil.Quote(p), cmdutil.Quote(owner+":"+owner), cmdutil.Quote(p))
	if _, err := h.Sudo(ctx, line); err != nil {
		_, _ = h.Run(ctx, "rm -f "+cmdutil.Quote(staging))
		return fmt.Errorf("failed to install %s: %w", p, err)
	}
	return nil
}

// TempPath returns a unique path inside dir.
func TempPath(dir string) string {
	return path.Join(dir, uuid.NewString())
}
