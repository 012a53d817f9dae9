package console

import (
	"context"
	"fmt"

	"deploytool/internal/release"
	"deploytool/internal/shell"
)

// ShellPauser hands the operator an interactive shell on the target at a
// pause checkpoint. The deploy resumes when the shell exits.
type ShellPauser struct {
	Console  *Console
	Executor shell.Executor
}

// Pause opens the shell and blocks until the operator leaves it.
func (p *ShellPauser) Pause(ctx context.Context, cp release.Checkpoint) error {
	c := p.Console
	if !c.Interactive() {
		return fmt.Errorf("cannot pause at %s: %w", cp, ErrNotInteractive)
	}

	c.Println(c.Yellow(fmt.Sprintf("Opening a shell on %s. Exit it to resume the deploy after %s.", p.Executor.Host(), cp)))
	if err := p.Executor.Shell(ctx, c.in, c.out, c.out); err != nil {
		return fmt.Errorf("pause at %s: %w", cp, err)
	}
	c.Step("Resuming deploy.")
	return nil
}
