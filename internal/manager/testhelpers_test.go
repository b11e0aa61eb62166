package manager

import (
	"context"
	"testing"
	"time"

	"github.com/clipworks/mediaq/internal/jobs"
	"github.com/clipworks/mediaq/internal/queue"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func okHandler() jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job) (any, error) {
		return "done", nil
	})
}

// newTestManager builds a manager with fast polling whose default queue
// starts automatically. The handler completes instantly unless overridden.
func newTestManager(t *testing.T, handler jobs.Handler, opts Options) *Manager {
	t.Helper()
	if handler == nil {
		handler = okHandler()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.DefaultQueueOptions.PollInterval == 0 {
		opts.DefaultQueueOptions.PollInterval = 5 * time.Millisecond
	}
	opts.DefaultQueueOptions.AutoStart = true

	m, err := New(handler, opts, Deps{})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

// fastQueueOptions mirrors the default test queue configuration for
// explicitly created queues.
func fastQueueOptions() queue.Options {
	return queue.Options{
		MaxConcurrentJobs: 2,
		PollInterval:      5 * time.Millisecond,
		AutoStart:         true,
	}
}
