package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"deploytool/internal/remote"
)

// LineTimeFormat is the timestamp layout of a journal line.
const LineTimeFormat = "2006-01-02 15:04"

// FormatLine renders one journal line:
//
//	[2024-01-02 10:04] deploy success in staging by alice for <stamp>
func FormatLine(at time.Time, task string, success bool, environment, user, stamp string) string {
	result := StatusFailed
	if success {
		result = StatusSuccess
	}
	return fmt.Sprintf("[%s] %s %s in %s by %s for %s",
		at.Format(LineTimeFormat), task, result, environment, user, stamp)
}

// Journal appends one line per finished task to the virtual host's log
// file on the target. Entries are mirrored into a History when one is set.
type Journal struct {
	host        *remote.Host
	path        string
	project     string
	environment string
	user        string

	history *History
	trigger string
	logger  *slog.Logger

	// Now returns the entry time.
	Now func() time.Time
}

// NewJournal returns a journal writing to path on host. environment and
// user are stamped on every line.
func NewJournal(host *remote.Host, path, project, environment, user string, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Journal{
		host:        host,
		path:        path,
		project:     project,
		environment: environment,
		user:        user,
		trigger:     TriggerCLI,
		logger:      logger,
		Now:         time.Now,
	}
}

// Mirror also records every entry in h, tagged with trigger.
func (j *Journal) Mirror(h *History, trigger string) *Journal {
	j.history = h
	j.trigger = trigger
	return j
}

// Record appends the outcome of task for stamp.
func (j *Journal) Record(ctx context.Context, task string, success bool, stamp string) error {
	at := j.Now()
	line := FormatLine(at, task, success, j.environment, j.user, stamp)

	if err := j.host.AppendLine(ctx, j.path, line); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}

	if j.history != nil {
		status := StatusFailed
		if success {
			status = StatusSuccess
		}
		completed := at.UTC()
		_, err := j.history.RecordTask(ctx, &TaskRecord{
			Project:     j.project,
			Environment: j.environment,
			Host:        j.host.Name(),
			Task:        task,
			Status:      status,
			Stamp:       stamp,
			User:        j.user,
			Trigger:     j.trigger,
			CompletedAt: &completed,
		})
		if err != nil {
			// The remote journal is authoritative.
			j.logger.Warn("failed to record task history", "task", task, "error", err)
		}
	}
	return nil
}

// Tail returns the last n journal lines, or "" when the journal is empty.
func (j *Journal) Tail(ctx context.Context, n int) (string, error) {
	ok, err := j.host.Exists(ctx, j.path)
	if err != nil || !ok {
		return "", err
	}
	return j.host.Tail(ctx, j.path, n)
}
