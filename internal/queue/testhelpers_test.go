package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/clipworks/mediaq/internal/jobs"
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

// newTestQueue builds an unstarted queue with fast polling; tests drive
// it via tick() for determinism or Start() for end-to-end scenarios.
func newTestQueue(t *testing.T, handler jobs.Handler, opts Options) *Queue {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	q, err := New("test", handler, opts, Deps{})
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	t.Cleanup(q.Stop)
	return q
}

// recordingHandler notes the payload order in which attempts start.
type recordingHandler struct {
	mu      sync.Mutex
	started []string
	delay   time.Duration
	fail    func(payload string, attempt int) error
	counts  map[string]int
}

func newRecordingHandler(delay time.Duration) *recordingHandler {
	return &recordingHandler{delay: delay, counts: make(map[string]int)}
}

func (h *recordingHandler) Handle(ctx context.Context, job *jobs.Job) (any, error) {
	h.mu.Lock()
	h.started = append(h.started, job.Payload)
	h.counts[job.Payload]++
	attempt := h.counts[job.Payload]
	h.mu.Unlock()

	if h.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.delay):
		}
	}

	if h.fail != nil {
		if err := h.fail(job.Payload, attempt); err != nil {
			return nil, err
		}
	}
	return "done", nil
}

func (h *recordingHandler) startedOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	order := make([]string, len(h.started))
	copy(order, h.started)
	return order
}

func (h *recordingHandler) attempts(payload string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[payload]
}
