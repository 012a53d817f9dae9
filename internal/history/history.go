// Package history records task runs: locally in SQLite and on the
// deployment target in the virtual host's fabric.log.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"deploytool/internal/security"

	_ "modernc.org/sqlite"
)

// History manages task history in SQLite
type History struct {
	db *sql.DB
}

// NewHistory creates a new history tracker. A missing parent directory is
// created for the operator only.
func NewHistory(dbPath string) (*History, error) {
	dir := filepath.Dir(dbPath)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		if err := security.CreateSecureDir(dir, security.PermDirectory); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite (single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &History{db: db}

	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := os.Chmod(dbPath, security.PermDBFile); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}

	return h, nil
}

// Close closes the database connection
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) initSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project TEXT NOT NULL,
			environment TEXT NOT NULL,
			host TEXT NOT NULL,
			task TEXT NOT NULL,
			status TEXT NOT NULL,
			stamp TEXT NOT NULL,
			local_user TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			duration_seconds REAL,
			error_message TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = h.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_project_environment
		ON tasks(project, environment, id DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// RecordTask records a task run. A zero StartedAt means now.
func (h *History) RecordTask(ctx context.Context, record *TaskRecord) (int64, error) {
	now := time.Now().UTC()

	startedAt := record.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}

	var completedAt *string
	if record.CompletedAt != nil {
		formatted := record.CompletedAt.UTC().Format(time.RFC3339)
		completedAt = &formatted
	} else if record.Status != StatusInProgress {
		formatted := now.Format(time.RFC3339)
		completedAt = &formatted
	}

	trigger := record.Trigger
	if trigger == "" {
		trigger = TriggerCLI
	}

	result, err := h.db.ExecContext(ctx, `
		INSERT INTO tasks
		(project, environment, host, task, status, stamp, local_user, triggered_by,
		 started_at, completed_at, duration_seconds, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.Project,
		record.Environment,
		record.Host,
		record.Task,
		record.Status,
		record.Stamp,
		record.User,
		trigger,
		startedAt.UTC().Format(time.RFC3339),
		completedAt,
		record.DurationSeconds,
		record.ErrorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert task record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

const selectColumns = `id, project, environment, host, task, status, stamp, local_user, triggered_by,
		       started_at, completed_at, duration_seconds, error_message`

// GetLatestTask returns the most recent task run for a project environment,
// or nil when there is none.
func (h *History) GetLatestTask(ctx context.Context, project, environment string) (*TaskRecord, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM tasks
		WHERE project = ? AND environment = ?
		ORDER BY id DESC
		LIMIT 1
	`, project, environment)

	record, err := scanTaskRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest task: %w", err)
	}

	return record, nil
}

// GetTaskHistory returns the most recent task runs for a project
// environment, newest first.
func (h *History) GetTaskHistory(ctx context.Context, project, environment string, limit int) ([]TaskRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM tasks
		WHERE project = ? AND environment = ?
		ORDER BY id DESC
		LIMIT ?
	`, project, environment, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	return collect(rows)
}

// GetAllStatus returns the latest task run of every project environment,
// keyed by TaskRecord.Key.
func (h *History) GetAllStatus(ctx context.Context) (map[string]*TaskRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM tasks
		WHERE id IN (
			SELECT MAX(id) FROM tasks GROUP BY project, environment
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query status: %w", err)
	}
	defer rows.Close()

	records, err := collect(rows)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*TaskRecord, len(records))
	for i := range records {
		result[records[i].Key()] = &records[i]
	}
	return result, nil
}

func collect(rows *sql.Rows) ([]TaskRecord, error) {
	var records []TaskRecord
	for rows.Next() {
		record, err := scanTaskRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTaskRecord(s scanner) (*TaskRecord, error) {
	var record TaskRecord
	var startedAtStr string
	var completedAtStr sql.NullString

	err := s.Scan(
		&record.ID,
		&record.Project,
		&record.Environment,
		&record.Host,
		&record.Task,
		&record.Status,
		&record.Stamp,
		&record.User,
		&record.Trigger,
		&startedAtStr,
		&completedAtStr,
		&record.DurationSeconds,
		&record.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	startedAt, err := time.Parse(time.RFC3339, startedAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at timestamp: %w", err)
	}
	record.StartedAt = startedAt

	if completedAtStr.Valid {
		completedAt, err := time.Parse(time.RFC3339, completedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at timestamp: %w", err)
		}
		record.CompletedAt = &completedAt
	}

	return &record, nil
}
