// Package events provides the pub/sub surface queues and the manager
// publish lifecycle events to. Subscribers observe; they never mutate
// scheduler state.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/clipworks/mediaq/internal/jobs"
)

// Lifecycle event names.
const (
	JobAdded             = "jobAdded"
	JobSubmitted         = "jobSubmitted"
	JobStarted           = "jobStarted"
	JobCompleted         = "jobCompleted"
	JobFailed            = "jobFailed"
	JobCancelled         = "jobCancelled"
	JobRetry             = "jobRetry"
	StatsUpdated         = "statsUpdated"
	QueueCreated         = "queueCreated"
	QueueRemoved         = "queueRemoved"
	ScheduledJobExecuted = "scheduledJobExecuted"
	HealthAlert          = "healthAlert"
)

// Event carries a lifecycle notification. Job, when present, is a
// snapshot; mutating it has no effect on the scheduler.
type Event struct {
	Name  string
	Queue string
	Job   *jobs.Job
	Data  map[string]any
	At    time.Time
}

// Handler is a function that handles an event.
type Handler func(ctx context.Context, e Event)

// Bus is a simple publish-subscribe event bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
	all  []Handler
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]Handler),
	}
}

// Subscribe adds a handler for a specific event name.
func (b *Bus) Subscribe(name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], handler)
}

// SubscribeAll adds a handler that receives every event.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Publish triggers all handlers subscribed to the event. Handlers run
// asynchronously so publishers are never blocked by slow subscribers.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler{}, b.subs[e.Name]...) // copy to avoid race
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(ctx, e)
	}
}
