// Package shutdown coordinates graceful teardown: components register
// named cleanup tasks, and a single Shutdown call runs them concurrently
// under a deadline, reporting whatever did not finish in time.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task performs one component's cleanup during shutdown.
type Task func(ctx context.Context) error

const defaultTimeout = 30 * time.Second

type namedTask struct {
	name string
	task Task
}

// Coordinator runs registered shutdown tasks exactly once.
type Coordinator struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	tasks   []namedTask
	started bool
	errs    []error

	once sync.Once
	done chan struct{}
}

func NewCoordinator(timeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Register adds a cleanup task. Registrations after shutdown has begun
// are ignored and logged.
func (c *Coordinator) Register(name string, task Task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		c.logger.Warn("shutdown task registered too late", "task", name)
		return
	}
	c.tasks = append(c.tasks, namedTask{name: name, task: task})
}

// Shutdown runs all tasks concurrently with the configured deadline.
// Idempotent; later calls wait for the first to finish.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.started = true
		tasks := c.tasks
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		var wg sync.WaitGroup
		var running sync.Map
		for _, nt := range tasks {
			running.Store(nt.name, true)
			wg.Add(1)
			go func(nt namedTask) {
				defer wg.Done()
				defer running.Delete(nt.name)

				if err := nt.task(ctx); err != nil {
					c.logger.Error("shutdown task failed", "task", nt.name, "error", err)
					c.mu.Lock()
					c.errs = append(c.errs, err)
					c.mu.Unlock()
				}
			}(nt)
		}

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
			c.logger.Info("shutdown completed", "tasks", len(tasks))
		case <-time.After(c.timeout):
			incomplete := []string{}
			running.Range(func(key, _ any) bool {
				incomplete = append(incomplete, key.(string))
				return true
			})
			c.logger.Warn("shutdown timeout exceeded",
				"timeout", c.timeout,
				"incomplete_tasks", incomplete)
		}

		close(c.done)
	})
	<-c.done
}

// Errors returns the errors collected during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.errs))
	copy(out, c.errs)
	return out
}
