package source

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"deploytool/internal/shell"
	"deploytool/pkg/cmdutil"
)

// DefaultAssetOutput is the directory the asset build produces.
const DefaultAssetOutput = "static"

// Assets describes a local static asset build. The commit is unpacked
// into a scratch directory, the build runs there, and Output is shipped
// to the target. The working copy is never touched.
type Assets struct {
	// Version is the required tool version. When set, the output of
	// VersionCommand must match it exactly.
	Version string

	// VersionCommand prints the installed tool version.
	VersionCommand []string

	// BuildCommand compiles the assets inside the scratch directory.
	BuildCommand []string

	// Output is the build output directory relative to the tree root.
	Output string
}

// CompassAssets returns the asset build for the given compass version.
func CompassAssets(version string) *Assets {
	selector := "_" + version + "_"
	return &Assets{
		Version:        version,
		VersionCommand: []string{"compass", selector, "version", "-q"},
		BuildCommand:   []string{"compass", selector, "compile", ".", "--environment", "production"},
		Output:         DefaultAssetOutput,
	}
}

// VersionMismatchError is returned when the local build tool differs from
// the configured version.
type VersionMismatchError struct {
	Want string
	Got  string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("local asset tool version %q differs from configured version %q", e.Got, e.Want)
}

func (a *Assets) enabled() bool {
	return len(a.BuildCommand) > 0
}

func (a *Assets) output() string {
	if a.Output == "" {
		return DefaultAssetOutput
	}
	return a.Output
}

// CheckVersion verifies the local tool version.
func (a *Assets) CheckVersion(ctx context.Context) error {
	if a.Version == "" || len(a.VersionCommand) == 0 {
		return nil
	}

	res, err := cmdutil.Run(ctx, cmdutil.ExecOptions{CombinedOutput: true}, a.VersionCommand)
	if err != nil {
		return fmt.Errorf("failed to check asset tool version: %w", err)
	}

	got := strings.TrimSpace(string(res.Output))
	if got != a.Version {
		return &VersionMismatchError{Want: a.Version, Got: got}
	}
	return nil
}

func (a *Assets) compile(ctx context.Context, g *Git, ex shell.Executor, stamp, dest string) error {
	if err := a.CheckVersion(ctx); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "deploytool-assets-")
	if err != nil {
		return fmt.Errorf("failed to create asset build directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := unpack(g, stamp, scratch); err != nil {
		return err
	}

	g.logger.Info("compiling assets", "stamp", stamp, "command", cmdutil.FormatCommand(a.BuildCommand))

	if res, err := cmdutil.Run(ctx, cmdutil.ExecOptions{Dir: scratch, CombinedOutput: true}, a.BuildCommand); err != nil {
		output := ""
		if res != nil {
			output = strings.TrimSpace(string(res.Output))
		}
		return fmt.Errorf("asset build failed: %w: %s", err, output)
	}

	out := filepath.Join(scratch, a.output())
	if info, err := os.Stat(out); err != nil || !info.IsDir() {
		return fmt.Errorf("asset build produced no %s directory", a.output())
	}

	pr, pw := io.Pipe()
	defer pr.Close()

	go func() {
		pw.CloseWithError(tarDir(pw, scratch, a.output()))
	}()

	if _, err := ex.Run(ctx, shell.Command{Line: "tar -xf -", Dir: dest, Stdin: pr}); err != nil {
		return fmt.Errorf("failed to extract assets into %s: %w", dest, err)
	}
	return nil
}

// unpack writes the tree of stamp into dir.
func unpack(g *Git, stamp, dir string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(g.Archive(stamp, pw))
	}()
	defer pr.Close()

	tr := tar.NewReader(pr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to unpack %s: %w", short(stamp), err)
		}

		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes build directory", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

// tarDir archives root/name, keeping name as the top-level entry.
func tarDir(w io.Writer, root, name string) error {
	tw := tar.NewWriter(w)

	err := filepath.Walk(filepath.Join(root, name), func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
