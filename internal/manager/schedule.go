package manager

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	cronparser "github.com/robfig/cron/v3"

	"github.com/clipworks/mediaq/internal/events"
)

// ScheduleType distinguishes one-shot from recurring entries.
type ScheduleType string

const (
	ScheduleOnce ScheduleType = "once"
	ScheduleCron ScheduleType = "cron"
)

// Schedule describes when a scheduled entry fires. Once entries use
// ExecuteAt; cron entries use a standard five-field expression.
type Schedule struct {
	Type      ScheduleType `json:"type"`
	ExecuteAt time.Time    `json:"execute_at,omitempty"`
	Expr      string       `json:"expr,omitempty"`
}

// ScheduledEntry is a deferred submission. When it fires, the manager
// submits the described job like any other; a once entry disables itself
// after firing and never fires twice.
type ScheduledEntry struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Payload    string         `json:"payload"`
	Options    map[string]any `json:"options,omitempty"`
	JobOptions SubmitOptions  `json:"job_options"`
	Schedule   Schedule       `json:"schedule"`
	QueueName  string         `json:"queue_name,omitempty"`
	Enabled    bool           `json:"enabled"`
	NextRun    *time.Time     `json:"next_run,omitempty"`
	LastRun    *time.Time     `json:"last_run,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (e *ScheduledEntry) clone() ScheduledEntry {
	c := *e
	if e.NextRun != nil {
		t := *e.NextRun
		c.NextRun = &t
	}
	if e.LastRun != nil {
		t := *e.LastRun
		c.LastRun = &t
	}
	return c
}

var cronSchedule = cronparser.NewParser(
	cronparser.Minute | cronparser.Hour | cronparser.Dom | cronparser.Month | cronparser.Dow)

// ScheduleJob registers a deferred submission and returns its entry id.
func (m *Manager) ScheduleJob(name, payload string, options map[string]any, sched Schedule, jobOpts SubmitOptions, queueName string) (string, error) {
	if !m.opts.EnableScheduling {
		return "", ErrSchedulingDisabled
	}
	if payload == "" {
		return "", fmt.Errorf("scheduled entry %q has no payload", name)
	}

	entry := &ScheduledEntry{
		ID:         uuid.NewString(),
		Name:       name,
		Payload:    payload,
		Options:    options,
		JobOptions: jobOpts,
		Schedule:   sched,
		QueueName:  queueName,
		Enabled:    true,
		CreatedAt:  time.Now(),
	}

	switch sched.Type {
	case ScheduleOnce:
		if sched.ExecuteAt.IsZero() {
			return "", fmt.Errorf("once schedule %q has no execute_at", name)
		}
		t := sched.ExecuteAt
		entry.NextRun = &t

	case ScheduleCron:
		parsed, err := cronSchedule.Parse(sched.Expr)
		if err != nil {
			return "", fmt.Errorf("invalid cron expression %q: %w", sched.Expr, err)
		}
		next := parsed.Next(time.Now())
		entry.NextRun = &next

	default:
		return "", fmt.Errorf("unknown schedule type %q", sched.Type)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	m.schedules[entry.ID] = entry
	m.mu.Unlock()

	m.logger.Info("scheduled entry registered",
		"schedule_id", entry.ID,
		"name", name,
		"type", sched.Type,
		"next_run", entry.NextRun)
	return entry.ID, nil
}

// CancelScheduledJob disables a not-yet-fired entry. Returns false when
// the entry is unknown or already disabled.
func (m *Manager) CancelScheduledJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.schedules[id]
	if !ok || !entry.Enabled {
		return false
	}
	entry.Enabled = false
	return true
}

// GetScheduledJobs returns copies of all registered entries.
func (m *Manager) GetScheduledJobs() []ScheduledEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]ScheduledEntry, 0, len(m.schedules))
	for _, e := range m.schedules {
		entries = append(entries, e.clone())
	}
	return entries
}

// runSchedulerTick fires every enabled entry whose next run is due. A
// failed submission is logged; a once entry is disabled either way, so a
// broken target queue cannot make it fire twice later.
func (m *Manager) runSchedulerTick(now time.Time) {
	m.mu.Lock()
	due := make([]*ScheduledEntry, 0)
	for _, e := range m.schedules {
		if e.Enabled && e.NextRun != nil && !e.NextRun.After(now) {
			due = append(due, e)
		}
	}
	m.mu.Unlock()

	for _, e := range due {
		m.fireEntry(e, now)
	}
}

func (m *Manager) fireEntry(e *ScheduledEntry, now time.Time) {
	jobOpts := e.JobOptions
	if e.QueueName != "" {
		jobOpts.QueueName = e.QueueName
	}

	res, err := m.SubmitJob(e.Payload, e.Options, jobOpts)
	if err != nil {
		m.logger.Error("failed to submit scheduled job",
			"schedule_id", e.ID,
			"name", e.Name,
			"error", err)
	}

	m.mu.Lock()
	fired := now
	e.LastRun = &fired

	switch e.Schedule.Type {
	case ScheduleOnce:
		e.Enabled = false
		e.NextRun = nil
	case ScheduleCron:
		if parsed, perr := cronSchedule.Parse(e.Schedule.Expr); perr == nil {
			next := parsed.Next(now)
			e.NextRun = &next
		} else {
			e.Enabled = false
		}
	}
	m.mu.Unlock()

	if err != nil {
		return
	}

	m.logger.Info("scheduled job executed",
		"schedule_id", e.ID,
		"name", e.Name,
		"job_id", res.JobID,
		"queue", res.QueueName)
	m.publish(events.ScheduledJobExecuted, res.QueueName, nil, map[string]any{
		"schedule_id": e.ID,
		"name":        e.Name,
		"job_id":      res.JobID,
	})
}
