package target

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"deploytool/internal/database"
	"deploytool/internal/layout"
	"deploytool/internal/remote"
	"deploytool/pkg/cmdutil"
)

// WheelScratch is the directory wheels are built in before they are
// copied into the shared wheel directory.
const WheelScratch = "/tmp"

// JournalTail is the number of journal lines Status returns.
const JournalTail = 10

// Status describes the links of a virtual host and its recent tasks.
type Status struct {
	// Current and Previous are the resolved link targets, or "".
	Current  string
	Previous string

	// Journal holds the last JournalTail lines of the task journal, or ""
	// when nothing was journaled yet.
	Journal string
}

// Status reads the instance links and the tail of the task journal.
func (t *Target) Status(ctx context.Context) (*Status, error) {
	var st Status
	var err error
	if st.Current, err = t.Remote.ReadLink(ctx, t.Layout.Current()); err != nil {
		return nil, err
	}
	if st.Previous, err = t.Remote.ReadLink(ctx, t.Layout.Previous()); err != nil {
		return nil, err
	}
	if st.Journal, err = t.Journal.Tail(ctx, JournalTail); err != nil {
		return nil, err
	}
	return &st, nil
}

// Size is the disk usage of the deployed source and of the media folder.
type Size struct {
	Source string
	Media  string
}

// Size measures the source of the current release and the media folder.
func (t *Target) Size(ctx context.Context) (*Size, error) {
	snap, err := t.Manager.Inspect(ctx)
	if err != nil {
		return nil, err
	}

	var size Size
	if snap.Current != "" {
		if size.Source, err = t.Remote.DiskUsage(ctx, t.Layout.Release(snap.Current).Source); err != nil {
			return nil, err
		}
	}
	if size.Media, err = t.Remote.DiskUsage(ctx, t.Layout.Media()); err != nil {
		return nil, err
	}
	return &size, nil
}

// DeployedState tells how the deployed commit relates to the local
// repository.
type DeployedState int

const (
	// FirstDeploy means nothing is deployed yet.
	FirstDeploy DeployedState = iota
	// UnknownCommit means the deployed commit is missing locally.
	UnknownCommit
	// KnownCommit means the deployed commit can be diffed against.
	KnownCommit
)

// Deployed returns the stamp of the current release and how it relates to
// the local repository.
func (t *Target) Deployed(ctx context.Context) (string, DeployedState, error) {
	snap, err := t.Manager.Inspect(ctx)
	if err != nil {
		return "", FirstDeploy, err
	}
	stamp := snap.CurrentStamp()
	switch {
	case stamp == "":
		return "", FirstDeploy, nil
	case !t.Source.Contains(stamp):
		return stamp, UnknownCommit, nil
	}
	return stamp, KnownCommit, nil
}

// Diff describes the changes between the deployed commit and ref.
func (t *Target) Diff(ctx context.Context, ref string, full bool) (string, error) {
	stamp, state, err := t.Deployed(ctx)
	if err != nil {
		return "", err
	}
	switch state {
	case FirstDeploy:
		return "", fmt.Errorf("nothing deployed on %s", t.Name())
	case UnknownCommit:
		return "", fmt.Errorf("deployed commit %s is not in the local repository", stamp)
	}

	head, err := t.Source.Resolve(ref)
	if err != nil {
		return "", err
	}
	return t.Source.Diff(stamp, head, full)
}

// Media archives the media folder on the target and copies the tarball
// into w. The remote tarball is removed afterwards, including a partial
// one left by a failed tar.
func (t *Target) Media(ctx context.Context, w io.Writer) error {
	tarball := remote.TempPath(t.Layout.VHostPath) + ".tar"
	line := cmdutil.Join("tar", "-C", t.Layout.VHostPath, "-cf", tarball, path.Base(t.Layout.Media()))
	defer func() {
		_ = t.Remote.RemoveAll(context.WithoutCancel(ctx), tarball)
	}()
	if _, err := t.Remote.Run(ctx, line); err != nil {
		return fmt.Errorf("failed to archive media: %w", err)
	}

	if err := t.Executor.Download(ctx, tarball, w); err != nil {
		return fmt.Errorf("failed to download media: %w", err)
	}
	return nil
}


// InstallWheels builds wheels for the requirements.txt of ref as the
// connected user and copies them into the shared wheel directory, where
// deploys with use_wheel install from. The build directory is removed
// afterwards.
func (t *Target) InstallWheels(ctx context.Context, ref string) error {
	stamp, err := t.Source.Resolve(ref)
	if err != nil {
		return err
	}
	requirements, err := t.Source.ReadFile(stamp, layout.RequirementsFile)
	if err != nil {
		return err
	}

	scratch := remote.TempPath(WheelScratch)
	defer func() {
		_ = t.Remote.RemoveAll(context.WithoutCancel(ctx), scratch)
	}()
	if err := t.Remote.Mkdir(ctx, scratch); err != nil {
		return err
	}

	reqPath := path.Join(scratch, layout.RequirementsFile)
	if err := t.Remote.WriteFile(ctx, reqPath, requirements, 0o644, ""); err != nil {
		return fmt.Errorf("failed to upload requirements: %w", err)
	}
	if _, err := t.Remote.Run(ctx, cmdutil.Join("pip", "wheel", "--wheel-dir="+scratch, "-r", reqPath)); err != nil {
		return fmt.Errorf("failed to build wheels: %w", err)
	}

	line := fmt.Sprintf("cp %s/*.whl %s", cmdutil.Quote(scratch), cmdutil.Quote(t.Layout.WheelPath+"/"))
	if _, err := t.Remote.Sudo(ctx, line); err != nil {
		return fmt.Errorf("failed to copy wheels into %s: %w", t.Layout.WheelPath, err)
	}
	return nil
}

// CloneDatabase dumps the database of the target and loads the dump into
// local, replacing it. The dump is staged in a temporary file under
// scratchDir, or the system temp dir when empty.
func (t *Target) CloneDatabase(ctx context.Context, local *database.Bound, scratchDir string) error {
	f, err := os.CreateTemp(scratchDir, "deploytool-*.sql")
	if err != nil {
		return fmt.Errorf("failed to stage database dump: %w", err)
	}
	defer os.Remove(f.Name())

	if err := t.Manager.DumpDatabase(ctx, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to stage database dump: %w", err)
	}
	return local.Restore(ctx, f.Name())
}
