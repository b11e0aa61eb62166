// Package queue implements the single-queue scheduler: it admits jobs,
// starts them under a concurrency cap in policy order, applies the retry
// and timeout policy, persists every transition and emits lifecycle
// events. The actual work runs in a handler supplied by the caller.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clipworks/mediaq/internal/events"
	"github.com/clipworks/mediaq/internal/jobs"
	"github.com/clipworks/mediaq/internal/stats"
	"github.com/clipworks/mediaq/internal/storage"
)

var (
	ErrQueueClosed = errors.New("queue is not accepting jobs")
	ErrNoHandler   = errors.New("queue has no work handler")
)

const (
	defaultPollInterval = time.Second
	defaultConcurrency  = 2
	defaultMaxRetries   = 3
	defaultRetryDelay   = 5 * time.Second

	// maxDurationSamples bounds the history the average is computed over.
	maxDurationSamples = 500
)

// Options configures a queue's scheduling behavior.
type Options struct {
	MaxConcurrentJobs int
	MaxRetries        int
	RetryDelay        time.Duration
	// JobTimeout bounds a single attempt; zero disables the timeout.
	JobTimeout   time.Duration
	PollInterval time.Duration
	PriorityMode Policy
	// AutoStart is consulted by the manager when it creates the queue.
	AutoStart bool
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = defaultConcurrency
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if !o.PriorityMode.Valid() {
		o.PriorityMode = PolicyPriority
	}
	return o
}

// AddOptions carries caller-supplied submission attributes.
type AddOptions struct {
	Priority jobs.Priority
	Options  map[string]any
	Metadata map[string]string
}

// Filter narrows GetJobs results.
type Filter struct {
	Status jobs.Status
}

// Stats is a point-in-time snapshot of queue health.
type Stats struct {
	QueueName             string        `json:"queue_name"`
	PendingJobs           int           `json:"pending_jobs"`
	ProcessingJobs        int           `json:"processing_jobs"`
	CompletedJobs         int           `json:"completed_jobs"`
	FailedJobs            int           `json:"failed_jobs"`
	CancelledJobs         int           `json:"cancelled_jobs"`
	TotalJobs             int           `json:"total_jobs"`
	MaxConcurrentJobs     int           `json:"max_concurrent_jobs"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	ThroughputPerHour     int           `json:"throughput_per_hour"`
	EstimatedWaitTime     time.Duration `json:"estimated_wait_time"`
}

// Deps are the queue's external collaborators. Store may be nil to run
// without persistence; Bus may be nil to run silent.
type Deps struct {
	Store      storage.Store
	Bus        *events.Bus
	Logger     *slog.Logger
	OnTerminal func(job *jobs.Job)
}

// entry pairs a job record with the scheduler-private bookkeeping that
// never persists: the attempt generation, the cancellation flag and the
// retry-delay gate.
type entry struct {
	job             *jobs.Job
	gen             uint64
	cancelRequested bool
	cancelAttempt   context.CancelFunc
	notBefore       time.Time
}

// Queue owns a set of job records and drives them through the state
// machine. All mutation happens under mu; handlers run outside it.
type Queue struct {
	name       string
	opts       Options
	handler    jobs.Handler
	store      storage.Store
	bus        *events.Bus
	logger     *slog.Logger
	onTerminal func(job *jobs.Job)

	mu        sync.Mutex
	entries   map[string]*entry
	active    int
	accepting bool

	completions []time.Time
	durations   []time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type outcome struct {
	result any
	err    error
}

// New builds a queue and reloads persisted records when a store is
// present. A record found mid-processing is reset to pending: a crash
// during an attempt counts as never started rather than silently lost.
func New(name string, handler jobs.Handler, opts Options, deps Deps) (*Queue, error) {
	if handler == nil {
		return nil, ErrNoHandler
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		name:       name,
		opts:       opts.withDefaults(),
		handler:    handler,
		store:      deps.Store,
		bus:        deps.Bus,
		logger:     logger.With("queue", name),
		onTerminal: deps.OnTerminal,
		entries:    make(map[string]*entry),
		accepting:  true,
		done:       make(chan struct{}),
	}

	if q.store != nil {
		if err := q.reload(); err != nil {
			return nil, fmt.Errorf("failed to reload queue %s: %w", name, err)
		}
	}

	return q, nil
}

func (q *Queue) reload() error {
	loaded, err := q.store.GetAll(context.Background())
	if err != nil {
		return err
	}

	for _, job := range loaded {
		if job.Status == jobs.StatusProcessing {
			job.Status = jobs.StatusPending
			job.StartedAt = nil
			q.persist(job.Clone())
		}
		job.QueueName = q.name
		q.entries[job.ID] = &entry{job: job}
		if job.Status == jobs.StatusCompleted && job.ActualDuration > 0 {
			q.durations = append(q.durations, job.ActualDuration)
		}
	}

	if len(loaded) > 0 {
		q.logger.Info("reloaded persisted jobs", "count", len(loaded))
	}
	return nil
}

func (q *Queue) Name() string { return q.name }

// Start launches the scheduling loop. Safe to call more than once.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go q.run()
	})
}

func (q *Queue) run() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.tick()
		}
	}
}

// tick fills the remaining concurrency budget. A panic while selecting
// or starting a job is logged and must not stop subsequent ticks.
func (q *Queue) tick() {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("scheduler tick panicked", "panic", r)
		}
	}()

	for q.startNext() {
	}
}

// AddJob admits a new job as pending. The duration estimate blends the
// payload-size heuristic with the queue's historical average.
func (q *Queue) AddJob(payload string, opts AddOptions) (*jobs.Job, error) {
	if payload == "" {
		return nil, jobs.ErrEmptyPayload
	}

	q.mu.Lock()
	if !q.accepting {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	job := jobs.New(q.name, payload, opts.Options)
	if opts.Priority != "" {
		job.Priority = opts.Priority
	}
	job.MaxRetries = q.opts.MaxRetries
	job.Metadata = opts.Metadata
	job.EstimatedDuration = stats.EstimateDuration(job.PayloadSize(), stats.AverageDuration(q.durations))

	q.entries[job.ID] = &entry{job: job}
	snapshot := job.Clone()
	q.mu.Unlock()

	q.persist(snapshot)
	q.publish(events.JobAdded, snapshot, nil)
	return snapshot, nil
}

// startNext promotes the best pending job to processing. Returns false
// when the concurrency budget is spent or nothing is eligible.
func (q *Queue) startNext() bool {
	q.mu.Lock()

	if q.active >= q.opts.MaxConcurrentJobs {
		q.mu.Unlock()
		return false
	}

	now := time.Now()
	var best *entry
	for _, e := range q.entries {
		if e.job.Status != jobs.StatusPending || e.notBefore.After(now) {
			continue
		}
		if best == nil || startsBefore(q.opts.PriorityMode, e.job, best.job) {
			best = e
		}
	}
	if best == nil {
		q.mu.Unlock()
		return false
	}

	best.gen++
	gen := best.gen
	startedAt := time.Now()
	best.job.Status = jobs.StatusProcessing
	best.job.StartedAt = &startedAt

	attemptCtx, cancel := context.WithCancel(context.Background())
	best.cancelAttempt = cancel

	q.active++
	snapshot := best.job.Clone()
	q.mu.Unlock()

	q.persist(snapshot)
	q.publish(events.JobStarted, snapshot, nil)

	q.wg.Add(1)
	go q.execute(attemptCtx, cancel, snapshot, gen)
	return true
}

// execute runs one attempt and races its outcome against the timeout.
// The attempt generation makes sure a stale loser can never touch a
// later attempt's state.
func (q *Queue) execute(ctx context.Context, cancel context.CancelFunc, job *jobs.Job, gen uint64) {
	defer q.wg.Done()
	defer cancel()

	outcomes := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomes <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		result, err := q.handler.Handle(ctx, job)
		outcomes <- outcome{result: result, err: err}
	}()

	if q.opts.JobTimeout > 0 {
		timer := time.NewTimer(q.opts.JobTimeout)
		defer timer.Stop()

		select {
		case out := <-outcomes:
			q.finish(job.ID, gen, out)
		case <-timer.C:
			// The handler keeps running; its eventual outcome is discarded
			// by the generation check. Cancel the attempt context so a
			// cooperative handler can stop early.
			cancel()
			q.finish(job.ID, gen, outcome{err: fmt.Errorf("job timed out after %s", q.opts.JobTimeout)})
		}
		return
	}

	q.finish(job.ID, gen, <-outcomes)
}

// finish applies one attempt's outcome: completion, cancellation
// finalization, a retry, or terminal failure.
func (q *Queue) finish(id string, gen uint64, out outcome) {
	q.mu.Lock()

	e, ok := q.entries[id]
	if !ok || e.gen != gen || e.job.Status != jobs.StatusProcessing {
		// Stale outcome from a timed-out or superseded attempt.
		q.mu.Unlock()
		return
	}

	e.cancelAttempt = nil
	q.active--

	job := e.job
	now := time.Now()
	if job.StartedAt != nil {
		job.ActualDuration = now.Sub(*job.StartedAt)
	}

	var eventName string
	var eventData map[string]any

	switch {
	case e.cancelRequested:
		job.Status = jobs.StatusCancelled
		job.CompletedAt = &now
		job.Result = nil
		eventName = events.JobCancelled

	case out.err == nil:
		job.Status = jobs.StatusCompleted
		job.Result = out.result
		job.CompletedAt = &now
		q.recordCompletion(now, job.ActualDuration)
		eventName = events.JobCompleted

	case job.RetryCount < job.MaxRetries:
		job.RetryCount++
		job.Status = jobs.StatusPending
		job.StartedAt = nil
		job.Error = ""
		e.notBefore = now.Add(q.opts.RetryDelay)
		eventName = events.JobRetry
		eventData = map[string]any{
			"error":       out.err.Error(),
			"retry_count": job.RetryCount,
		}

	default:
		job.Status = jobs.StatusFailed
		job.Error = out.err.Error()
		job.CompletedAt = &now
		eventName = events.JobFailed
	}

	snapshot := job.Clone()
	terminal := job.Status.Terminal()
	q.mu.Unlock()

	q.persist(snapshot)
	q.publish(eventName, snapshot, eventData)

	if terminal {
		if q.onTerminal != nil {
			q.onTerminal(snapshot)
		}
		q.publish(events.StatsUpdated, nil, map[string]any{"stats": q.Stats()})
	}
}

func (q *Queue) recordCompletion(at time.Time, dur time.Duration) {
	q.completions = append(q.completions, at)
	cutoff := at.Add(-time.Hour)
	for len(q.completions) > 0 && !q.completions[0].After(cutoff) {
		q.completions = q.completions[1:]
	}

	q.durations = append(q.durations, dur)
	if len(q.durations) > maxDurationSamples {
		q.durations = q.durations[len(q.durations)-maxDurationSamples:]
	}
}

// CancelJob cancels a pending job immediately and flags a processing job
// for cooperative cancellation. Returns false for unknown or already
// terminal jobs, and for repeat cancels of the same in-flight job.
func (q *Queue) CancelJob(id string) bool {
	q.mu.Lock()

	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return false
	}

	switch e.job.Status {
	case jobs.StatusPending:
		now := time.Now()
		e.job.Status = jobs.StatusCancelled
		e.job.CompletedAt = &now
		snapshot := e.job.Clone()
		q.mu.Unlock()

		q.persist(snapshot)
		q.publish(events.JobCancelled, snapshot, nil)
		if q.onTerminal != nil {
			q.onTerminal(snapshot)
		}
		return true

	case jobs.StatusProcessing:
		if e.cancelRequested {
			q.mu.Unlock()
			return false
		}
		e.cancelRequested = true
		cancel := e.cancelAttempt
		q.mu.Unlock()

		// The in-flight attempt is not force-killed; a cooperative
		// handler observes the context and stops, otherwise its result
		// is discarded when it finishes.
		if cancel != nil {
			cancel()
		}
		return true

	default:
		q.mu.Unlock()
		return false
	}
}

// GetJob returns a snapshot of the job, if this queue owns it.
func (q *Queue) GetJob(id string) (*jobs.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	return e.job.Clone(), true
}

// GetJobs returns snapshots matching the filter, oldest first.
func (q *Queue) GetJobs(filter Filter) []*jobs.Job {
	q.mu.Lock()
	matched := make([]*jobs.Job, 0)
	for _, e := range q.entries {
		if filter.Status != "" && e.job.Status != filter.Status {
			continue
		}
		matched = append(matched, e.job.Clone())
	}
	q.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		QueueName:         q.name,
		MaxConcurrentJobs: q.opts.MaxConcurrentJobs,
	}
	for _, e := range q.entries {
		switch e.job.Status {
		case jobs.StatusPending:
			s.PendingJobs++
		case jobs.StatusProcessing:
			s.ProcessingJobs++
		case jobs.StatusCompleted:
			s.CompletedJobs++
		case jobs.StatusFailed:
			s.FailedJobs++
		case jobs.StatusCancelled:
			s.CancelledJobs++
		}
		s.TotalJobs++
	}

	s.AverageProcessingTime = stats.AverageDuration(q.durations)
	s.ThroughputPerHour = stats.ThroughputPerHour(q.completions, time.Now())
	s.EstimatedWaitTime = stats.EstimatedWait(s.PendingJobs, q.opts.MaxConcurrentJobs, s.AverageProcessingTime)
	return s
}

// ClearFinishedJobs removes terminal records from the live set and the
// store, returning how many were cleared. The manager's history buffer
// is unaffected.
func (q *Queue) ClearFinishedJobs() int {
	q.mu.Lock()
	cleared := make([]string, 0)
	for id, e := range q.entries {
		if e.job.Status.Terminal() {
			delete(q.entries, id)
			cleared = append(cleared, id)
		}
	}
	q.mu.Unlock()

	if q.store != nil {
		for _, id := range cleared {
			if err := q.store.Delete(context.Background(), id); err != nil {
				q.logger.Error("failed to delete cleared job", "job_id", id, "error", err)
			}
		}
	}
	return len(cleared)
}

// ActiveCount reports jobs currently processing.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// HasNonTerminalJobs reports whether any owned job is still pending or
// processing.
func (q *Queue) HasNonTerminalJobs() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if !e.job.Status.Terminal() {
			return true
		}
	}
	return false
}

// StopAccepting rejects further admissions; running jobs continue.
func (q *Queue) StopAccepting() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.accepting = false
}

// Stop halts the scheduling loop without draining.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
	})
}

// Shutdown stops admissions and the loop, then waits until the active
// count reaches zero or ctx expires. No job is abandoned mid-execution
// unless the caller bounds the wait.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.StopAccepting()
	q.Stop()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("queue %s drain interrupted: %w", q.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// persist writes the record, trading durability for availability: a
// failed write is logged and the in-memory state machine moves on.
func (q *Queue) persist(job *jobs.Job) {
	if q.store == nil {
		return
	}
	if err := q.store.Put(context.Background(), job); err != nil {
		q.logger.Error("failed to persist job", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

func (q *Queue) publish(name string, job *jobs.Job, data map[string]any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(context.Background(), events.Event{
		Name:  name,
		Queue: q.name,
		Job:   job,
		Data:  data,
	})
}
