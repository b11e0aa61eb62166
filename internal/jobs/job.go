package jobs

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether a job in this status can transition further.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a priority to its scheduling weight. Higher runs first.
// Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Job is the unit of work tracked through its lifecycle. The scheduler
// treats Payload and Options as opaque; only the handler interprets them.
type Job struct {
	ID        string         `json:"id"`
	Payload   string         `json:"payload"`
	Options   map[string]any `json:"options,omitempty"`
	Priority  Priority       `json:"priority"`
	Status    Status         `json:"status"`
	QueueName string         `json:"queue_name"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// EstimatedDuration is advisory, computed at admission. Zero means
	// no estimate.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	// ActualDuration covers the current attempt only; retries overwrite it.
	ActualDuration time.Duration `json:"actual_duration,omitempty"`

	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// New builds a pending job for the given queue with a fresh id.
func New(queueName, payload string, options map[string]any) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Payload:   payload,
		Options:   options,
		Priority:  PriorityNormal,
		Status:    StatusPending,
		QueueName: queueName,
		CreatedAt: time.Now(),
	}
}

// Clone returns a snapshot safe to hand to subscribers and callers.
// Options and Metadata are copied; Result is shared (treated as immutable
// once set).
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Options != nil {
		c.Options = make(map[string]any, len(j.Options))
		for k, v := range j.Options {
			c.Options[k] = v
		}
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// PayloadSize returns the byte size used by the duration heuristic. A
// numeric "size_bytes" option wins over the payload string length, since
// payloads are usually file paths rather than file contents.
func (j *Job) PayloadSize() int64 {
	if j.Options != nil {
		switch v := j.Options["size_bytes"].(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return int64(len(j.Payload))
}
