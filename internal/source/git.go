// Package source turns commits of the local git repository into release
// source trees on a deployment target.
package source

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"deploytool/internal/shell"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrDetachedHead is returned by Branch when HEAD does not point at a branch.
var ErrDetachedHead = errors.New("HEAD is detached")

// Git reads commits from a local repository.
type Git struct {
	repo   *git.Repository
	root   string
	assets *Assets
	logger *slog.Logger
}

// Option configures a Git provider.
type Option func(*Git)

// WithAssets enables compiling static assets for every transferred commit.
func WithAssets(a *Assets) Option {
	return func(g *Git) { g.assets = a }
}

// WithLogger sets the provider's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Git) { g.logger = logger }
}

// Open opens the repository containing dir. Parent directories are
// searched for a .git directory.
func Open(dir string, opts ...Option) (*Git, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository at %s: %w", dir, err)
	}

	root := dir
	if wt, err := repo.Worktree(); err == nil {
		root = wt.Filesystem.Root()
	}

	g := &Git{repo: repo, root: root, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Root returns the working tree root.
func (g *Git) Root() string {
	return g.root
}

// Resolve returns the full commit hash ref points at.
func (g *Git) Resolve(ref string) (string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	hash, err := g.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	if _, err := g.repo.CommitObject(*hash); err != nil {
		return "", fmt.Errorf("%s does not point at a commit: %w", ref, err)
	}
	return hash.String(), nil
}

// Head returns the commit hash of HEAD.
func (g *Git) Head() (string, error) {
	return g.Resolve("HEAD")
}

// Branch returns the short name of the checked out branch.
func (g *Git) Branch() (string, error) {
	ref, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if !ref.Name().IsBranch() {
		return "", ErrDetachedHead
	}
	return ref.Name().Short(), nil
}

// Fetch updates the remote-tracking branches from remote, "origin" when
// empty. A repository already up to date is not an error.
func (g *Git) Fetch(ctx context.Context, remote string) error {
	if remote == "" {
		remote = git.DefaultRemoteName
	}
	g.logger.Info("fetching", "remote", remote)
	err := g.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: remote})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch %s: %w", remote, err)
	}
	return nil
}

// Contains reports whether the commit stamp exists in the local repository.
func (g *Git) Contains(stamp string) bool {
	if !plumbing.IsHash(stamp) {
		return false
	}
	_, err := g.repo.CommitObject(plumbing.NewHash(stamp))
	return err == nil
}

// Diff describes the changes between two commits: a per-file summary, or
// the full patch when full is set.
func (g *Git) Diff(from, to string, full bool) (string, error) {
	fromCommit, err := g.commit(from)
	if err != nil {
		return "", err
	}
	toCommit, err := g.commit(to)
	if err != nil {
		return "", err
	}

	patch, err := fromCommit.Patch(toCommit)
	if err != nil {
		return "", fmt.Errorf("failed to diff %s..%s: %w", short(from), short(to), err)
	}

	if full {
		return patch.String(), nil
	}
	return patch.Stats().String(), nil
}

// Archive writes the tree of commit stamp to w as a tar stream with the
// commit time on every entry.
func (g *Git) Archive(stamp string, w io.Writer) error {
	commit, err := g.commit(stamp)
	if err != nil {
		return err
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("failed to read tree of %s: %w", short(stamp), err)
	}

	tw := tar.NewWriter(w)
	modTime := commit.Committer.When

	err = tree.Files().ForEach(func(f *object.File) error {
		return writeEntry(tw, f, modTime)
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", short(stamp), err)
	}
	return tw.Close()
}

// Transfer extracts commit stamp into dest on the target. dest must exist.
func (g *Git) Transfer(ctx context.Context, ex shell.Executor, stamp, dest string) error {
	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		pw.CloseWithError(g.Archive(stamp, pw))
	}()

	g.logger.Info("transferring source", "stamp", stamp, "dest", dest, "host", ex.Host())

	if _, err := ex.Run(ctx, shell.Command{Line: "tar -xf -", Dir: dest, Stdin: pr}); err != nil {
		return fmt.Errorf("failed to extract source into %s: %w", dest, err)
	}
	return nil
}

// ReadFile returns the contents of name in the tree of commit stamp.
func (g *Git) ReadFile(stamp, name string) ([]byte, error) {
	commit, err := g.commit(stamp)
	if err != nil {
		return nil, err
	}
	f, err := commit.File(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at %s: %w", name, short(stamp), err)
	}
	contents, err := f.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at %s: %w", name, short(stamp), err)
	}
	return []byte(contents), nil
}

// HasAssets reports whether asset compilation is configured.
func (g *Git) HasAssets() bool {
	return g.assets != nil && g.assets.enabled()
}

// CompileAssets builds static assets for commit stamp locally and unpacks
// the result into dest on the target.
func (g *Git) CompileAssets(ctx context.Context, ex shell.Executor, stamp, dest string) error {
	if !g.HasAssets() {
		return nil
	}
	return g.assets.compile(ctx, g, ex, stamp, dest)
}

func (g *Git) commit(stamp string) (*object.Commit, error) {
	hash, err := g.repo.ResolveRevision(plumbing.Revision(stamp))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", short(stamp), err)
	}
	commit, err := g.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", short(stamp), err)
	}
	return commit, nil
}

func writeEntry(tw *tar.Writer, f *object.File, modTime time.Time) error {
	mode, err := f.Mode.ToOSFileMode()
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Name:    f.Name,
		Mode:    int64(mode.Perm()),
		ModTime: modTime,
		Format:  tar.FormatPAX,
	}

	if f.Mode == filemode.Symlink {
		target, err := f.Contents()
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
		hdr.Mode = 0o777
		return tw.WriteHeader(hdr)
	}

	hdr.Typeflag = tar.TypeReg
	hdr.Size = f.Size
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	r, err := f.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	_, err = io.Copy(tw, r)
	return err
}

func short(stamp string) string {
	if len(stamp) > 10 && plumbing.IsHash(stamp) {
		return stamp[:10]
	}
	return stamp
}
