// Package events decodes and fans out the lifecycle events published by the
// broker scripts.
//
// Events travel over Redis pub/sub, one JSON record per message. The field
// set is versioned by addition only; receivers tolerate unknown fields.
package events

// Event names published by the broker.
const (
	JobCreated        = "job.created"
	JobScheduled      = "job.scheduled"
	JobClaimed        = "job.claimed"
	JobCompleted      = "job.completed"
	JobFailed         = "job.failed"
	JobCancelled      = "job.cancelled"
	JobRetry          = "job.retry"
	JobStalled        = "job.stalled"
	BatchCreated      = "batch.created"
	RateLimitExceeded = "ratelimit.exceeded"
)

// Event is one lifecycle record. Only the fields relevant to the event name
// are populated.
type Event struct {
	Event     string `json:"event"`
	JobID     string `json:"jobId,omitempty"`
	BatchID   string `json:"batchId,omitempty"`
	Timestamp int64  `json:"timestamp"`

	MeshID         string   `json:"meshId,omitempty"`
	ServerID       string   `json:"serverId,omitempty"`
	Type           string   `json:"type,omitempty"`
	Status         string   `json:"status,omitempty"`
	ProcessingTime int64    `json:"processingTime,omitempty"`
	Triggered      []string `json:"triggered,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Attempt        int      `json:"attempt,omitempty"`
	Delay          int64    `json:"delay,omitempty"`
	StalledCount   int      `json:"stalledCount,omitempty"`
	Key            string   `json:"key,omitempty"`
	Size           int      `json:"size,omitempty"`

	// Channel is the pub/sub channel the event arrived on, set by the bus.
	Channel string `json:"-"`
}
