package history

import "time"

// Task status values.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusInProgress = "in_progress"
	StatusSkipped    = "skipped"
	StatusRejected   = "rejected"
)

// Trigger values.
const (
	TriggerCLI     = "cli"
	TriggerWebhook = "webhook"
)

// WebhookUser is recorded as the local user of webhook tasks.
const WebhookUser = "webhook"

// TaskRecord represents a single task run in the database
type TaskRecord struct {
	ID              int64
	Project         string
	Environment     string
	Host            string
	Task            string // deploy, rollback, restart, ...
	Status          string // success, failed, skipped, rejected, in_progress
	Stamp           string
	User            string
	Trigger         string
	StartedAt       time.Time
	CompletedAt     *time.Time // nullable
	DurationSeconds *float64   // nullable
	ErrorMessage    *string    // nullable
}

// Key identifies the project environment a record belongs to.
func (r TaskRecord) Key() string {
	return r.Project + "/" + r.Environment
}

// EnvironmentStatus represents the latest status of a project environment
type EnvironmentStatus struct {
	Project       string       `json:"project"`
	Environment   string       `json:"environment"`
	LatestTask    *TaskRecord  `json:"latest_task,omitempty"`
	RecentHistory []TaskRecord `json:"recent_history"`
}
