// Package manager orchestrates named queues: it routes single and batch
// submissions, runs deferred scheduled entries, aggregates statistics,
// retains a bounded history of finished jobs and coordinates shutdown.
package manager

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
	"github.com/clipworks/mediaq/internal/queue"
	"github.com/clipworks/mediaq/internal/storage"
)

var (
	ErrQueueExists        = errors.New("queue already exists")
	ErrQueueNotFound      = errors.New("queue not found")
	ErrQueueNotEmpty      = errors.New("queue still has unfinished jobs")
	ErrTooManyQueues      = errors.New("queue limit reached")
	ErrManagerClosed      = errors.New("manager is shut down")
	ErrSchedulingDisabled = errors.New("scheduling is disabled")
	ErrScheduleNotFound   = errors.New("scheduled entry not found")
)

const (
	// DefaultQueueName receives submissions that name no queue.
	DefaultQueueName = "default"

	defaultMaxQueues      = 16
	defaultHistoryEntries = 1000
	defaultRetentionDays  = 7
	defaultPollInterval   = time.Second

	// Health thresholds; advisory only.
	healthMinSample     = 10
	healthFailureRate   = 0.5
	healthDepthEntries  = 100
	healthAlertInterval = time.Minute
)

// StoreFactory builds the persistence store for a newly created queue.
// A nil factory (or a nil store from it) runs the queue in memory only.
type StoreFactory func(queueName string) (storage.Store, error)

// Options configures a manager.
type Options struct {
	MaxQueues            int
	DefaultQueueOptions  queue.Options
	EnableJobHistory     bool
	EnableScheduling     bool
	HistoryRetentionDays int
	MaxHistoryEntries    int
	PollInterval         time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxQueues <= 0 {
		o.MaxQueues = defaultMaxQueues
	}
	if o.MaxHistoryEntries <= 0 {
		o.MaxHistoryEntries = defaultHistoryEntries
	}
	if o.HistoryRetentionDays <= 0 {
		o.HistoryRetentionDays = defaultRetentionDays
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	return o
}

// Deps are the manager's collaborators.
type Deps struct {
	Bus          *events.Bus
	Logger       *slog.Logger
	StoreFactory StoreFactory
}

// SubmitOptions direct a single submission.
type SubmitOptions struct {
	Priority  jobs.Priority
	QueueName string
	Metadata  map[string]string
}

// SubmitResult identifies where a submission landed.
type SubmitResult struct {
	JobID     string `json:"job_id"`
	QueueName string `json:"queue_name"`
}

// Distribution selects how batch submissions spread across queues.
type Distribution string

const (
	DistributeRoundRobin   Distribution = "round-robin"
	DistributeLeastPending Distribution = "least-pending"
)

// BatchOptions direct a batch submission.
type BatchOptions struct {
	SubmitOptions
	DistributeAcrossQueues bool
	Distribution           Distribution
}

// HistoryEntry is an immutable snapshot of a terminal job, retained past
// the owning queue's own cleanup.
type HistoryEntry struct {
	Job        *jobs.Job `json:"job"`
	RecordedAt time.Time `json:"recorded_at"`
}

// HistoryFilter narrows GetJobHistory results.
type HistoryFilter struct {
	Status    jobs.Status
	QueueName string
	Limit     int
}

// AggregatedStats sums queue statistics into a global view.
type AggregatedStats struct {
	QueueCount            int           `json:"queue_count"`
	PendingJobs           int           `json:"pending_jobs"`
	ProcessingJobs        int           `json:"processing_jobs"`
	CompletedJobs         int           `json:"completed_jobs"`
	FailedJobs            int           `json:"failed_jobs"`
	CancelledJobs         int           `json:"cancelled_jobs"`
	TotalJobs             int           `json:"total_jobs"`
	TotalConcurrency      int           `json:"total_concurrency"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	ThroughputPerHour     int           `json:"throughput_per_hour"`
	EstimatedWaitTime     time.Duration `json:"estimated_wait_time"`
}

// Manager owns the queue registry and the scheduled-entry registry.
type Manager struct {
	opts         Options
	handler      jobs.Handler
	bus          *events.Bus
	logger       *slog.Logger
	storeFactory StoreFactory

	mu        sync.Mutex
	queues    map[string]*queue.Queue
	stores    map[string]storage.Store
	schedules map[string]*ScheduledEntry
	history   []HistoryEntry
	rrNext    int
	closed    bool

	lastAlert map[string]time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds a manager and creates the default queue with the configured
// default options.
func New(handler jobs.Handler, opts Options, deps Deps) (*Manager, error) {
	if handler == nil {
		return nil, queue.ErrNoHandler
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		opts:         opts.withDefaults(),
		handler:      handler,
		bus:          deps.Bus,
		logger:       logger,
		storeFactory: deps.StoreFactory,
		queues:       make(map[string]*queue.Queue),
		stores:       make(map[string]storage.Store),
		schedules:    make(map[string]*ScheduledEntry),
		lastAlert:    make(map[string]time.Time),
		done:         make(chan struct{}),
	}

	if _, err := m.CreateQueue(DefaultQueueName, m.opts.DefaultQueueOptions); err != nil {
		return nil, fmt.Errorf("failed to create default queue: %w", err)
	}

	return m, nil
}

// Start launches the manager's scheduling loop. Queues created with
// AutoStart are already running.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run()
	})
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.tick(time.Now())
		}
	}
}

// tick drives deferred schedules, prunes history and evaluates health.
// A panic in any step is logged and does not stop subsequent ticks.
func (m *Manager) tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("manager tick panicked", "panic", r)
		}
	}()

	if m.opts.EnableScheduling {
		m.runSchedulerTick(now)
	}
	m.pruneHistory(now)
	m.evaluateHealth(now)
}

// CreateQueue registers a new named queue. Fails fast on duplicate names
// so a submission can never land on the wrong queue.
func (m *Manager) CreateQueue(name string, opts queue.Options) (*queue.Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name is empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, exists := m.queues[name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrQueueExists, name)
	}
	if len(m.queues) >= m.opts.MaxQueues {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (max %d)", ErrTooManyQueues, m.opts.MaxQueues)
	}
	m.mu.Unlock()

	var store storage.Store
	if m.storeFactory != nil {
		var err error
		store, err = m.storeFactory(name)
		if err != nil {
			return nil, fmt.Errorf("failed to create store for queue %s: %w", name, err)
		}
	}

	q, err := queue.New(name, m.handler, opts, queue.Deps{
		Store:      store,
		Bus:        m.bus,
		Logger:     m.logger,
		OnTerminal: m.recordHistory,
	})
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.queues[name]; exists {
		m.mu.Unlock()
		q.Stop()
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("%w: %s", ErrQueueExists, name)
	}
	m.queues[name] = q
	if store != nil {
		m.stores[name] = store
	}
	m.mu.Unlock()

	if opts.AutoStart {
		q.Start()
	}

	m.publish(events.QueueCreated, name, nil, nil)
	m.logger.Info("queue created", "queue", name)
	return q, nil
}

// RemoveQueue detaches a drained queue. Callers must cancel or wait out
// non-terminal jobs first.
func (m *Manager) RemoveQueue(name string) error {
	m.mu.Lock()
	q, exists := m.queues[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	if q.HasNonTerminalJobs() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueNotEmpty, name)
	}
	delete(m.queues, name)
	store := m.stores[name]
	delete(m.stores, name)
	m.mu.Unlock()

	q.Stop()
	if store != nil {
		if err := store.Close(); err != nil {
			m.logger.Error("failed to close queue store", "queue", name, "error", err)
		}
	}

	m.publish(events.QueueRemoved, name, nil, nil)
	m.logger.Info("queue removed", "queue", name)
	return nil
}

// GetQueue returns the named queue.
func (m *Manager) GetQueue(name string) (*queue.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, exists := m.queues[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// resolveQueue maps an optional queue name to its queue. An unknown name
// is an error, never a silent fallback to the default.
func (m *Manager) resolveQueue(name string) (*queue.Queue, error) {
	if name == "" {
		name = DefaultQueueName
	}
	return m.GetQueue(name)
}

// SubmitJob routes one payload to the target queue.
func (m *Manager) SubmitJob(payload string, options map[string]any, so SubmitOptions) (SubmitResult, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return SubmitResult{}, ErrManagerClosed
	}

	q, err := m.resolveQueue(so.QueueName)
	if err != nil {
		return SubmitResult{}, err
	}

	job, err := q.AddJob(payload, queue.AddOptions{
		Priority: so.Priority,
		Options:  options,
		Metadata: so.Metadata,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	m.publish(events.JobSubmitted, q.Name(), job, nil)
	return SubmitResult{JobID: job.ID, QueueName: q.Name()}, nil
}

// SubmitBatchJobs submits a batch, optionally spread across all queues.
// Partial failures are collected and do not abort the remaining items;
// the returned results cover the submissions that succeeded.
func (m *Manager) SubmitBatchJobs(payloads []string, options map[string]any, bo BatchOptions) ([]SubmitResult, error) {
	if !bo.DistributeAcrossQueues {
		results := make([]SubmitResult, 0, len(payloads))
		var errs []error
		for _, payload := range payloads {
			res, err := m.SubmitJob(payload, options, bo.SubmitOptions)
			if err != nil {
				errs = append(errs, fmt.Errorf("payload %q: %w", payload, err))
				continue
			}
			results = append(results, res)
		}
		return results, errors.Join(errs...)
	}

	targets := m.queueNames()
	if len(targets) == 0 {
		return nil, ErrQueueNotFound
	}

	results := make([]SubmitResult, 0, len(payloads))
	var errs []error
	for _, payload := range payloads {
		so := bo.SubmitOptions
		so.QueueName = m.pickTarget(targets, bo.Distribution)
		res, err := m.SubmitJob(payload, options, so)
		if err != nil {
			errs = append(errs, fmt.Errorf("payload %q: %w", payload, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// pickTarget chooses the next queue for a distributed batch item.
func (m *Manager) pickTarget(targets []string, dist Distribution) string {
	if dist == DistributeLeastPending {
		best := targets[0]
		bestPending := -1
		for _, name := range targets {
			q, err := m.GetQueue(name)
			if err != nil {
				continue
			}
			pending := q.Stats().PendingJobs
			if bestPending < 0 || pending < bestPending {
				best, bestPending = name, pending
			}
		}
		return best
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	name := targets[m.rrNext%len(targets)]
	m.rrNext++
	return name
}

// queueNames returns the registered queue names in stable order.
func (m *Manager) queueNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CancelJob cancels the job wherever it lives. Returns false when no
// queue owns it or it is already terminal.
func (m *Manager) CancelJob(id string) bool {
	for _, q := range m.snapshotQueues() {
		if q.CancelJob(id) {
			return true
		}
	}
	return false
}

// GetJob looks the job up across all queues, falling back to the history
// buffer for records the owning queue has already cleared.
func (m *Manager) GetJob(id string) (*jobs.Job, bool) {
	for _, q := range m.snapshotQueues() {
		if job, ok := q.GetJob(id); ok {
			return job, true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Job.ID == id {
			return m.history[i].Job.Clone(), true
		}
	}
	return nil, false
}

// GetJobs filters jobs across all queues.
func (m *Manager) GetJobs(filter queue.Filter) []*jobs.Job {
	matched := make([]*jobs.Job, 0)
	for _, q := range m.snapshotQueues() {
		matched = append(matched, q.GetJobs(filter)...)
	}
	return matched
}

// GetAllStats returns each queue's statistics keyed by name.
func (m *Manager) GetAllStats() map[string]queue.Stats {
	all := make(map[string]queue.Stats)
	for _, q := range m.snapshotQueues() {
		all[q.Name()] = q.Stats()
	}
	return all
}

// GetAggregatedStats sums counts across queues and recomputes a global
// wait estimate from the combined pending depth and a concurrency-
// weighted average processing time.
func (m *Manager) GetAggregatedStats() AggregatedStats {
	var agg AggregatedStats
	var weightedSum time.Duration
	var weight int

	for _, s := range m.GetAllStats() {
		agg.QueueCount++
		agg.PendingJobs += s.PendingJobs
		agg.ProcessingJobs += s.ProcessingJobs
		agg.CompletedJobs += s.CompletedJobs
		agg.FailedJobs += s.FailedJobs
		agg.CancelledJobs += s.CancelledJobs
		agg.TotalJobs += s.TotalJobs
		agg.TotalConcurrency += s.MaxConcurrentJobs
		agg.ThroughputPerHour += s.ThroughputPerHour

		if s.AverageProcessingTime > 0 {
			weightedSum += s.AverageProcessingTime * time.Duration(s.MaxConcurrentJobs)
			weight += s.MaxConcurrentJobs
		}
	}

	if weight > 0 {
		agg.AverageProcessingTime = weightedSum / time.Duration(weight)
	}
	if agg.TotalConcurrency > 0 {
		excess := agg.PendingJobs - agg.TotalConcurrency
		if excess > 0 {
			agg.EstimatedWaitTime = time.Duration(excess) * agg.AverageProcessingTime / time.Duration(agg.TotalConcurrency)
		}
	}
	return agg
}

// recordHistory folds a terminal job snapshot into the bounded history
// buffer. Installed as every queue's terminal callback.
func (m *Manager) recordHistory(job *jobs.Job) {
	if !m.opts.EnableJobHistory {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, HistoryEntry{Job: job, RecordedAt: time.Now()})
	if len(m.history) > m.opts.MaxHistoryEntries {
		m.history = m.history[len(m.history)-m.opts.MaxHistoryEntries:]
	}
}

// pruneHistory drops entries past the retention window.
func (m *Manager) pruneHistory(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.AddDate(0, 0, -m.opts.HistoryRetentionDays)
	kept := m.history[:0]
	for _, e := range m.history {
		if e.RecordedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	m.history = kept
}

// GetJobHistory filters retained terminal jobs, most recent first.
func (m *Manager) GetJobHistory(filter HistoryFilter) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]HistoryEntry, 0)
	for i := len(m.history) - 1; i >= 0; i-- {
		e := m.history[i]
		if filter.Status != "" && e.Job.Status != filter.Status {
			continue
		}
		if filter.QueueName != "" && e.Job.QueueName != filter.QueueName {
			continue
		}
		matched = append(matched, HistoryEntry{Job: e.Job.Clone(), RecordedAt: e.RecordedAt})
		if filter.Limit > 0 && len(matched) >= filter.Limit {
			break
		}
	}
	return matched
}

// evaluateHealth emits advisory alerts for sustained failure rates and
// unbounded queue depth. Alerts are rate-limited per queue.
func (m *Manager) evaluateHealth(now time.Time) {
	for name, s := range m.GetAllStats() {
		finished := s.CompletedJobs + s.FailedJobs
		if finished >= healthMinSample {
			rate := float64(s.FailedJobs) / float64(finished)
			if rate > healthFailureRate {
				m.alert(now, name, "critical",
					fmt.Sprintf("queue %s failure rate %.0f%% over %d finished jobs", name, rate*100, finished))
				continue
			}
		}
		if s.PendingJobs > healthDepthEntries {
			m.alert(now, name, "warning",
				fmt.Sprintf("queue %s backlog at %d pending jobs", name, s.PendingJobs))
		}
	}
}

func (m *Manager) alert(now time.Time, queueName, severity, message string) {
	m.mu.Lock()
	if last, ok := m.lastAlert[queueName]; ok && now.Sub(last) < healthAlertInterval {
		m.mu.Unlock()
		return
	}
	m.lastAlert[queueName] = now
	m.mu.Unlock()

	m.logger.Warn("health alert", "queue", queueName, "severity", severity, "message", message)
	m.publish(events.HealthAlert, queueName, nil, map[string]any{
		"severity": severity,
		"message":  message,
	})
}

// Shutdown stops the scheduling loops and new admissions, then waits for
// every queue's active count to reach zero. Bound the wait through ctx;
// context.Background() waits indefinitely.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		close(m.done)
		m.wg.Wait()

		for _, q := range m.snapshotQueues() {
			if err := q.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}

		m.mu.Lock()
		stores := m.stores
		m.stores = make(map[string]storage.Store)
		m.mu.Unlock()
		for name, store := range stores {
			if err := store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close store for queue %s: %w", name, err))
			}
		}

		m.logger.Info("manager shut down", "errors", len(errs))
	})
	return errors.Join(errs...)
}

func (m *Manager) snapshotQueues() []*queue.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := make([]*queue.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	return qs
}

func (m *Manager) publish(name, queueName string, job *jobs.Job, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), events.Event{
		Name:  name,
		Queue: queueName,
		Job:   job,
		Data:  data,
	})
}
