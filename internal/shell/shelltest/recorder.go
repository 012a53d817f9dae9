// Package shelltest provides a scripted shell.Executor for tests.
package shelltest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"deploytool/internal/shell"
)

type response struct {
	match    string
	output   string
	exitCode int
	err      error
}

// Recorder records every command and answers from a list of scripted
// responses. The first response whose match string is contained in the
// command line wins; unmatched commands succeed with empty output.
type Recorder struct {
	mu        sync.Mutex
	commands  []shell.Command
	responses []response

	// Files backs Download and receives Upload content, keyed by path.
	Files map[string][]byte

	// Shells counts Shell invocations.
	Shells int
}

// New returns an empty Recorder.
func New() *Recorder {
	return &Recorder{Files: make(map[string][]byte)}
}

// On scripts the output and exit status of commands containing match.
func (r *Recorder) On(match, output string, exitCode int) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, response{match: match, output: output, exitCode: exitCode})
	return r
}

// Fail scripts a transport-level error for commands containing match.
func (r *Recorder) Fail(match string, err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, response{match: match, err: err})
	return r
}

// Run implements shell.Executor.
func (r *Recorder) Run(ctx context.Context, cmd shell.Command) (*shell.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cmd.Stdin != nil {
		data, _ := io.ReadAll(cmd.Stdin)
		cmd.Stdin = bytes.NewReader(data)
	}

	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	var resp *response
	for i := range r.responses {
		if strings.Contains(cmd.Line, r.responses[i].match) {
			resp = &r.responses[i]
			break
		}
	}
	r.mu.Unlock()

	if resp == nil {
		return &shell.Result{Duration: time.Millisecond}, nil
	}
	if resp.err != nil {
		return nil, resp.err
	}

	result := &shell.Result{Output: resp.output, ExitCode: resp.exitCode, Duration: time.Millisecond}
	if resp.exitCode != 0 {
		return result, &shell.ExitError{Line: cmd.Line, ExitCode: resp.exitCode, Output: resp.output}
	}
	return result, nil
}

// Upload implements shell.Executor.
func (r *Recorder) Upload(ctx context.Context, src io.Reader, path string, mode os.FileMode) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Files[path] = data
	return nil
}

// Download implements shell.Executor.
func (r *Recorder) Download(ctx context.Context, path string, w io.Writer) error {
	r.mu.Lock()
	data, ok := r.Files[path]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such file: %s", path)
	}
	_, err := w.Write(data)
	return err
}

// Shell implements shell.Executor.
func (r *Recorder) Shell(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Shells++
	return nil
}

// Host implements shell.Executor.
func (r *Recorder) Host() string {
	return "recorder"
}

// Close implements shell.Executor.
func (r *Recorder) Close() error {
	return nil
}

// Commands returns a copy of the recorded commands.
func (r *Recorder) Commands() []shell.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shell.Command(nil), r.commands...)
}

// Lines returns the recorded command lines.
func (r *Recorder) Lines() []string {
	cmds := r.Commands()
	lines := make([]string, len(cmds))
	for i, c := range cmds {
		lines[i] = c.Line
	}
	return lines
}

// Find returns the first recorded command containing match.
func (r *Recorder) Find(match string) (shell.Command, bool) {
	for _, c := range r.Commands() {
		if strings.Contains(c.Line, match) {
			return c, true
		}
	}
	return shell.Command{}, false
}

// Index returns the position of the first command containing match, or -1.
func (r *Recorder) Index(match string) int {
	for i, line := range r.Lines() {
		if strings.Contains(line, match) {
			return i
		}
	}
	return -1
}
