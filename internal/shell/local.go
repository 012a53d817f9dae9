package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"deploytool/pkg/cmdutil"
)

// Local runs commands on the machine the tool runs on.
type Local struct {
	Logger *slog.Logger
}

// NewLocal creates a local executor. A nil logger discards log output.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Local{Logger: logger}
}

// Run executes cmd through /bin/sh.
func (l *Local) Run(ctx context.Context, cmd Command) (*Result, error) {
	script := Script(cmd)
	l.Logger.Debug("run", "host", l.Host(), "command", Redact(cmd, cmd.Line))

	res, err := cmdutil.Run(ctx, cmdutil.ExecOptions{
		Stdin:          cmd.Stdin,
		CombinedOutput: true,
	}, []string{"/bin/sh", "-c", script})

	result := &Result{}
	if res != nil {
		result.Output = Redact(cmd, string(res.Output))
		result.ExitCode = res.ExitCode
		result.Duration = res.Duration
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return result, &ExitError{
				Line:     Redact(cmd, cmd.Line),
				ExitCode: result.ExitCode,
				Output:   result.Output,
			}
		}
		return result, fmt.Errorf("local command %q: %w", Redact(cmd, cmd.Line), err)
	}

	return result, nil
}

// Upload writes r to path, creating parent directories as needed.
func (l *Local) Upload(ctx context.Context, r io.Reader, path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	if _, err := io.Copy(file, readerWithContext(ctx, r)); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	return os.Chmod(path, mode)
}

// Download copies path into w.
func (l *Local) Download(ctx context.Context, path string, w io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	if _, err := io.Copy(w, readerWithContext(ctx, file)); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// Shell starts $SHELL (or /bin/sh) attached to the given streams.
func (l *Local) Shell(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	sh := os.Getenv("SHELL")
	if sh == "" {
		sh = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, sh)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The operator's last command decides the exit status; leaving
			// the shell is not a failure.
			return nil
		}
		return fmt.Errorf("interactive shell: %w", err)
	}
	return nil
}

// Host returns "localhost".
func (l *Local) Host() string {
	return "localhost"
}

// Close is a no-op for local execution.
func (l *Local) Close() error {
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
