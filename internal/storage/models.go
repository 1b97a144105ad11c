package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultSystemPrompt is assigned to new users until they change it.
const DefaultSystemPrompt = "You are a helpful assistant. " +
	"Pay special attention to the most recent messages in the conversation."

// User is one Telegram user known to the bot. Created lazily on first
// contact; never deleted.
type User struct {
	ID           int64
	TelegramID   int64
	SystemPrompt string
	CreatedAt    time.Time
}

// Message is one conversation turn, inbound or outbound. Rows are
// append-only; the only permitted mutation is flipping IsReset to true,
// which excludes the row from future context windows.
type Message struct {
	ID         int64
	UserID     int64
	Content    string
	IsFromUser bool
	IsReset    bool
	Timestamp  time.Time
}

// ProcessingTime records how long one pipeline stage took. Write-only
// telemetry; nothing in the pipeline reads it back.
type ProcessingTime struct {
	ID        int64
	UserID    int64
	MessageID int64 // channel message id the stage belonged to; 0 if none
	Operation string
	Duration  time.Duration
	CreatedAt time.Time
}

// Job statuses. A job moves pending -> running -> completed|failed.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job is one queue entry. ResultJSON is a write-once slot filled by the
// worker that executed the job.
type Job struct {
	ID          string
	Queue       string
	Type        string
	PayloadJSON string
	ResultJSON  string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
