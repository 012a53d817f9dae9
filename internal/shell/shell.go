// Package shell runs command lines on a deployment host.
//
// An Executor is the only way the rest of the tool touches a host: the
// local implementation drives os/exec, the SSH implementation drives a
// golang.org/x/crypto/ssh client. Both accept the same Command and wrap
// it into a single POSIX shell line, so quoting rules are identical no
// matter where the command runs.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"deploytool/pkg/cmdutil"
)

// Command describes one shell invocation.
type Command struct {
	// Line is interpreted by /bin/sh. Callers quote arguments with
	// cmdutil.Quote or cmdutil.Join.
	Line string

	// User runs the line as another account through sudo.
	User string

	// Elevated runs the line as root through sudo.
	Elevated bool

	// Dir is the working directory. An unreachable directory fails the command.
	Dir string

	// Stdin is fed to the command's standard input.
	Stdin io.Reader

	// Env is exported before Line runs.
	Env map[string]string

	// Secrets are redacted from logged command lines and output.
	Secrets []string
}

// Result is the outcome of a finished command.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// OK reports whether the command exited with status zero.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Executor runs commands and moves files on one host.
type Executor interface {
	// Run executes cmd and waits for it. A non-zero exit status returns
	// the result together with an *ExitError.
	Run(ctx context.Context, cmd Command) (*Result, error)

	// Upload writes the content of r to path with the given mode.
	Upload(ctx context.Context, r io.Reader, path string, mode os.FileMode) error

	// Download copies the file at path into w.
	Download(ctx context.Context, path string, w io.Writer) error

	// Shell attaches an interactive login shell to the given streams and
	// returns once the operator leaves it.
	Shell(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error

	// Host names the target for log lines and journal entries.
	Host() string

	Close() error
}

// ExitError is returned when a command exits with a non-zero status.
type ExitError struct {
	Line     string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	output := strings.TrimSpace(e.Output)
	if output == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Line, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with status %d: %s", e.Line, e.ExitCode, lastLines(output, 5))
}

// Script renders cmd as the line handed to the target's shell. Env is
// exported and Dir entered first; User and Elevated wrap everything in a
// sudo'ed sh so the exports survive the privilege switch.
func Script(cmd Command) string {
	var lines []string

	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("export %s=%s", k, cmdutil.Quote(cmd.Env[k])))
	}

	if cmd.Dir != "" {
		lines = append(lines, fmt.Sprintf("cd %s || exit 1", cmdutil.Quote(cmd.Dir)))
	}
	lines = append(lines, cmd.Line)
	script := strings.Join(lines, "\n")

	switch {
	case cmd.User != "":
		return fmt.Sprintf("sudo -H -u %s sh -c %s", cmdutil.Quote(cmd.User), cmdutil.Quote(script))
	case cmd.Elevated:
		return fmt.Sprintf("sudo sh -c %s", cmdutil.Quote(script))
	default:
		return script
	}
}

// Redact hides cmd.Secrets in s.
func Redact(cmd Command, s string) string {
	return string(cmdutil.SanitizeOutput([]byte(s), cmd.Secrets))
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
