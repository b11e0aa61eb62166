package api

import (
	"time"

	"github.com/clipworks/mediaq/internal/jobs"
	"github.com/clipworks/mediaq/internal/manager"
)

type SubmitRequest struct {
	Payload  string            `json:"payload"`
	Options  map[string]any    `json:"options,omitempty"`
	Priority jobs.Priority     `json:"priority,omitempty"`
	Queue    string            `json:"queue,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type SubmitResponse struct {
	JobID     string `json:"job_id"`
	QueueName string `json:"queue_name"`
	Status    string `json:"status"`
}

type BatchRequest struct {
	Payloads               []string          `json:"payloads"`
	Options                map[string]any    `json:"options,omitempty"`
	Priority               jobs.Priority     `json:"priority,omitempty"`
	Queue                  string            `json:"queue,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	DistributeAcrossQueues bool              `json:"distribute_across_queues,omitempty"`
	Distribution           string            `json:"distribution,omitempty"`
}

type BatchResponse struct {
	Submitted []manager.SubmitResult `json:"submitted"`
	Errors    []string               `json:"errors,omitempty"`
}

type ScheduleRequest struct {
	Name      string         `json:"name"`
	Payload   string         `json:"payload"`
	Options   map[string]any `json:"options,omitempty"`
	Type      string         `json:"type"`
	ExecuteAt *time.Time     `json:"execute_at,omitempty"`
	Expr      string         `json:"expr,omitempty"`
	Priority  jobs.Priority  `json:"priority,omitempty"`
	Queue     string         `json:"queue,omitempty"`
}

type ScheduleResponse struct {
	ScheduleID string `json:"schedule_id"`
}

type CreateQueueRequest struct {
	Name              string `json:"name"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs,omitempty"`
	MaxRetries        int    `json:"max_retries,omitempty"`
	RetryDelayMS      int    `json:"retry_delay_ms,omitempty"`
	JobTimeoutMS      int    `json:"job_timeout_ms,omitempty"`
	PriorityMode      string `json:"priority_mode,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
