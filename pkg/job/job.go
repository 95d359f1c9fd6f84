// Package job defines the core job model shared by producers, workers and the broker:
// typed configuration, the status machine, the payload codec and the error taxonomy.
package job

import (
	"regexp"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// Job lifecycle states.
const (
	StatusScheduled Status = "scheduled"
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusBatched   Status = "batched"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a job in this state is finished and out of every queue.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status string.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusPending, StatusActive, StatusBatched,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// MaxErrorHistory bounds the per-job error list.
const MaxErrorHistory = 10

// TypePattern restricts job type identifiers.
var TypePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Job is the unit of work tracked by the broker.
//
// All timestamps are unix milliseconds, matching the scores used in the
// queue sorted sets.
type Job struct {
	ID           string
	Type         string
	Version      string
	MeshID       string
	Priority     int
	Status       Status
	Attempt      int
	StalledCount int
	Progress     float64
	BatchID      string

	CreatedAt    int64
	ScheduledFor int64
	ClaimedAt    int64
	CompletedAt  int64
	UpdatedAt    int64

	// ProcessedBy is the server holding the execution lock, empty when unlocked.
	ProcessedBy string

	Payload []byte
	Config  Config
}

// HistoryEntry is one recorded handler failure.
type HistoryEntry struct {
	Code      Code   `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// UnixMilli converts a wall-clock time to the broker's millisecond representation.
func UnixMilli(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
