package manager

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/clipworks/mediaq/internal/jobs"
	"github.com/clipworks/mediaq/internal/queue"
)

func TestManager_CreateQueue(t *testing.T) {
	t.Run("creates named queue", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		q, err := m.CreateQueue("transcode", fastQueueOptions())
		if err != nil {
			t.Fatalf("CreateQueue failed: %v", err)
		}
		if q.Name() != "transcode" {
			t.Errorf("got queue name %q, want %q", q.Name(), "transcode")
		}

		got, err := m.GetQueue("transcode")
		if err != nil {
			t.Fatalf("GetQueue failed: %v", err)
		}
		if got != q {
			t.Error("GetQueue returned a different queue instance")
		}
	})

	t.Run("rejects duplicate name", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		if _, err := m.CreateQueue("transcode", fastQueueOptions()); err != nil {
			t.Fatalf("first CreateQueue failed: %v", err)
		}
		_, err := m.CreateQueue("transcode", fastQueueOptions())
		if !errors.Is(err, ErrQueueExists) {
			t.Errorf("got error %v, want ErrQueueExists", err)
		}
	})

	t.Run("rejects empty name", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		if _, err := m.CreateQueue("", fastQueueOptions()); err == nil {
			t.Error("expected error for empty queue name, got nil")
		}
	})

	t.Run("enforces queue limit", func(t *testing.T) {
		m := newTestManager(t, nil, Options{MaxQueues: 2})

		// The default queue already occupies one slot.
		if _, err := m.CreateQueue("second", fastQueueOptions()); err != nil {
			t.Fatalf("CreateQueue failed: %v", err)
		}
		_, err := m.CreateQueue("third", fastQueueOptions())
		if !errors.Is(err, ErrTooManyQueues) {
			t.Errorf("got error %v, want ErrTooManyQueues", err)
		}
	})
}

func TestManager_RemoveQueue(t *testing.T) {
	t.Run("refuses queue with unfinished jobs", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		opts := fastQueueOptions()
		opts.AutoStart = false
		if _, err := m.CreateQueue("idle", opts); err != nil {
			t.Fatalf("CreateQueue failed: %v", err)
		}
		if _, err := m.SubmitJob("clip-1", nil, SubmitOptions{QueueName: "idle"}); err != nil {
			t.Fatalf("SubmitJob failed: %v", err)
		}

		err := m.RemoveQueue("idle")
		if !errors.Is(err, ErrQueueNotEmpty) {
			t.Errorf("got error %v, want ErrQueueNotEmpty", err)
		}
	})

	t.Run("removes drained queue", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		if _, err := m.CreateQueue("drained", fastQueueOptions()); err != nil {
			t.Fatalf("CreateQueue failed: %v", err)
		}
		res, err := m.SubmitJob("clip-1", nil, SubmitOptions{QueueName: "drained"})
		if err != nil {
			t.Fatalf("SubmitJob failed: %v", err)
		}
		waitFor(t, time.Second, func() bool {
			job, ok := m.GetJob(res.JobID)
			return ok && job.Status == jobs.StatusCompleted
		}, "job to complete")

		if err := m.RemoveQueue("drained"); err != nil {
			t.Fatalf("RemoveQueue failed: %v", err)
		}
		if _, err := m.GetQueue("drained"); !errors.Is(err, ErrQueueNotFound) {
			t.Errorf("got error %v, want ErrQueueNotFound after removal", err)
		}
	})

	t.Run("unknown queue", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		if err := m.RemoveQueue("nope"); !errors.Is(err, ErrQueueNotFound) {
			t.Errorf("got error %v, want ErrQueueNotFound", err)
		}
	})
}

func TestManager_SubmitJob(t *testing.T) {
	t.Run("routes to default queue when unnamed", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		res, err := m.SubmitJob("clip-1", nil, SubmitOptions{})
		if err != nil {
			t.Fatalf("SubmitJob failed: %v", err)
		}
		if res.QueueName != DefaultQueueName {
			t.Errorf("got queue %q, want %q", res.QueueName, DefaultQueueName)
		}
	})

	t.Run("routes to named queue", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		if _, err := m.CreateQueue("audio", fastQueueOptions()); err != nil {
			t.Fatalf("CreateQueue failed: %v", err)
		}
		res, err := m.SubmitJob("clip-1", nil, SubmitOptions{QueueName: "audio"})
		if err != nil {
			t.Fatalf("SubmitJob failed: %v", err)
		}
		if res.QueueName != "audio" {
			t.Errorf("got queue %q, want %q", res.QueueName, "audio")
		}
	})

	t.Run("unknown queue fails fast", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		_, err := m.SubmitJob("clip-1", nil, SubmitOptions{QueueName: "ghost"})
		if !errors.Is(err, ErrQueueNotFound) {
			t.Errorf("got error %v, want ErrQueueNotFound", err)
		}
		if got := len(m.GetJobs(queue.Filter{})); got != 0 {
			t.Errorf("got %d jobs after failed submission, want 0", got)
		}
	})

	t.Run("rejects after shutdown", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		if err := m.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
		if _, err := m.SubmitJob("clip-1", nil, SubmitOptions{}); !errors.Is(err, ErrManagerClosed) {
			t.Errorf("got error %v, want ErrManagerClosed", err)
		}
	})
}

func TestManager_SubmitBatchJobs(t *testing.T) {
	t.Run("single queue batch", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		payloads := []string{"clip-1", "clip-2", "clip-3"}
		results, err := m.SubmitBatchJobs(payloads, nil, BatchOptions{})
		if err != nil {
			t.Fatalf("SubmitBatchJobs failed: %v", err)
		}
		if len(results) != 3 {
			t.Fatalf("got %d results, want 3", len(results))
		}
		for _, res := range results {
			if res.QueueName != DefaultQueueName {
				t.Errorf("got queue %q, want %q", res.QueueName, DefaultQueueName)
			}
		}
	})

	t.Run("round-robin distribution", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		if _, err := m.CreateQueue("video", fastQueueOptions()); err != nil {
			t.Fatalf("CreateQueue failed: %v", err)
		}

		payloads := []string{"clip-1", "clip-2", "clip-3", "clip-4"}
		results, err := m.SubmitBatchJobs(payloads, nil, BatchOptions{
			DistributeAcrossQueues: true,
			Distribution:           DistributeRoundRobin,
		})
		if err != nil {
			t.Fatalf("SubmitBatchJobs failed: %v", err)
		}
		if len(results) != 4 {
			t.Fatalf("got %d results, want 4", len(results))
		}

		perQueue := make(map[string]int)
		for _, res := range results {
			perQueue[res.QueueName]++
		}
		if perQueue[DefaultQueueName] != 2 || perQueue["video"] != 2 {
			t.Errorf("got distribution %v, want 2 per queue", perQueue)
		}
	})

	t.Run("least-pending distribution", func(t *testing.T) {
		opts := Options{PollInterval: 5 * time.Millisecond}
		opts.DefaultQueueOptions = queue.Options{PollInterval: 5 * time.Millisecond}
		m, err := New(okHandler(), opts, Deps{})
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

		// Neither queue runs, so pending counts stay where submissions put them.
		if _, err := m.CreateQueue("spill", queue.Options{PollInterval: 5 * time.Millisecond}); err != nil {
			t.Fatalf("CreateQueue failed: %v", err)
		}
		for i := 0; i < 3; i++ {
			if _, err := m.SubmitJob(fmt.Sprintf("bulk-%d", i), nil, SubmitOptions{}); err != nil {
				t.Fatalf("SubmitJob failed: %v", err)
			}
		}

		results, err := m.SubmitBatchJobs([]string{"clip-1", "clip-2"}, nil, BatchOptions{
			DistributeAcrossQueues: true,
			Distribution:           DistributeLeastPending,
		})
		if err != nil {
			t.Fatalf("SubmitBatchJobs failed: %v", err)
		}
		for _, res := range results {
			if res.QueueName != "spill" {
				t.Errorf("job %s landed on %q, want the emptier queue %q", res.JobID, res.QueueName, "spill")
			}
		}
	})

	t.Run("partial failures do not abort the batch", func(t *testing.T) {
		m := newTestManager(t, nil, Options{})

		results, err := m.SubmitBatchJobs([]string{"clip-1", "", "clip-3"}, nil, BatchOptions{})
		if err == nil {
			t.Fatal("expected an error for the empty payload, got nil")
		}
		if !errors.Is(err, jobs.ErrEmptyPayload) {
			t.Errorf("got error %v, want it to wrap ErrEmptyPayload", err)
		}
		if len(results) != 2 {
			t.Errorf("got %d results, want 2 successful submissions", len(results))
		}
	})
}

func TestManager_CancelJob(t *testing.T) {
	opts := fastQueueOptions()
	opts.AutoStart = false

	m := newTestManager(t, nil, Options{})
	if _, err := m.CreateQueue("parked", opts); err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}
	res, err := m.SubmitJob("clip-1", nil, SubmitOptions{QueueName: "parked"})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	if !m.CancelJob(res.JobID) {
		t.Error("first cancel returned false, want true")
	}
	if m.CancelJob(res.JobID) {
		t.Error("second cancel returned true, want false for a terminal job")
	}
	if m.CancelJob("no-such-id") {
		t.Error("cancel of unknown id returned true, want false")
	}

	job, ok := m.GetJob(res.JobID)
	if !ok {
		t.Fatal("cancelled job not found")
	}
	if job.Status != jobs.StatusCancelled {
		t.Errorf("got status %q, want %q", job.Status, jobs.StatusCancelled)
	}
}

func TestManager_GetJobFallsBackToHistory(t *testing.T) {
	m := newTestManager(t, nil, Options{EnableJobHistory: true})

	res, err := m.SubmitJob("clip-1", nil, SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		job, ok := m.GetJob(res.JobID)
		return ok && job.Status == jobs.StatusCompleted
	}, "job to complete")

	waitFor(t, time.Second, func() bool {
		return len(m.GetJobHistory(HistoryFilter{})) == 1
	}, "history to record the job")

	q, err := m.GetQueue(DefaultQueueName)
	if err != nil {
		t.Fatalf("GetQueue failed: %v", err)
	}
	if removed := q.ClearFinishedJobs(); removed != 1 {
		t.Fatalf("cleared %d jobs, want 1", removed)
	}

	job, ok := m.GetJob(res.JobID)
	if !ok {
		t.Fatal("job not found after queue cleanup, want history fallback")
	}
	if job.Status != jobs.StatusCompleted {
		t.Errorf("got status %q, want %q", job.Status, jobs.StatusCompleted)
	}
}

func TestManager_JobHistory(t *testing.T) {
	failing := jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job) (any, error) {
		if job.Payload == "bad" {
			return nil, errors.New("decode error")
		}
		return "ok", nil
	})

	submitAndWait := func(t *testing.T, m *Manager, payload string, want jobs.Status) string {
		t.Helper()
		res, err := m.SubmitJob(payload, nil, SubmitOptions{})
		if err != nil {
			t.Fatalf("SubmitJob failed: %v", err)
		}
		waitFor(t, time.Second, func() bool {
			job, ok := m.GetJob(res.JobID)
			return ok && job.Status == want
		}, "job to reach "+string(want))
		return res.JobID
	}

	t.Run("records terminal jobs newest first", func(t *testing.T) {
		m := newTestManager(t, failing, Options{EnableJobHistory: true})

		first := submitAndWait(t, m, "clip-1", jobs.StatusCompleted)
		second := submitAndWait(t, m, "clip-2", jobs.StatusCompleted)

		waitFor(t, time.Second, func() bool {
			return len(m.GetJobHistory(HistoryFilter{})) == 2
		}, "history to record both jobs")

		entries := m.GetJobHistory(HistoryFilter{})
		if len(entries) != 2 {
			t.Fatalf("got %d history entries, want 2", len(entries))
		}
		if entries[0].Job.ID != second || entries[1].Job.ID != first {
			t.Errorf("got order [%s %s], want newest first [%s %s]",
				entries[0].Job.ID, entries[1].Job.ID, second, first)
		}
	})

	t.Run("filters by status and limit", func(t *testing.T) {
		opts := Options{EnableJobHistory: true}
		opts.DefaultQueueOptions.MaxRetries = 0
		m := newTestManager(t, failing, opts)

		submitAndWait(t, m, "clip-1", jobs.StatusCompleted)
		submitAndWait(t, m, "bad", jobs.StatusFailed)
		submitAndWait(t, m, "clip-3", jobs.StatusCompleted)

		waitFor(t, time.Second, func() bool {
			return len(m.GetJobHistory(HistoryFilter{})) == 3
		}, "history to record all jobs")

		failed := m.GetJobHistory(HistoryFilter{Status: jobs.StatusFailed})
		if len(failed) != 1 {
			t.Fatalf("got %d failed entries, want 1", len(failed))
		}
		if failed[0].Job.Payload != "bad" {
			t.Errorf("got payload %q, want %q", failed[0].Job.Payload, "bad")
		}

		limited := m.GetJobHistory(HistoryFilter{Limit: 2})
		if len(limited) != 2 {
			t.Errorf("got %d entries with limit 2, want 2", len(limited))
		}
	})

	t.Run("bounds the buffer", func(t *testing.T) {
		m := newTestManager(t, failing, Options{EnableJobHistory: true, MaxHistoryEntries: 2})

		submitAndWait(t, m, "clip-1", jobs.StatusCompleted)
		keep1 := submitAndWait(t, m, "clip-2", jobs.StatusCompleted)
		keep2 := submitAndWait(t, m, "clip-3", jobs.StatusCompleted)

		waitFor(t, time.Second, func() bool {
			e := m.GetJobHistory(HistoryFilter{})
			return len(e) == 2 && e[0].Job.ID == keep2
		}, "history to record the newest job")

		entries := m.GetJobHistory(HistoryFilter{})
		if len(entries) != 2 {
			t.Fatalf("got %d history entries, want 2", len(entries))
		}
		if entries[0].Job.ID != keep2 || entries[1].Job.ID != keep1 {
			t.Error("history kept the wrong entries after overflow")
		}
	})

	t.Run("prunes past the retention window", func(t *testing.T) {
		m := newTestManager(t, failing, Options{EnableJobHistory: true, HistoryRetentionDays: 7})

		submitAndWait(t, m, "clip-1", jobs.StatusCompleted)
		waitFor(t, time.Second, func() bool {
			return len(m.GetJobHistory(HistoryFilter{})) == 1
		}, "history to record the job")

		m.pruneHistory(time.Now().AddDate(0, 0, 8))
		if got := len(m.GetJobHistory(HistoryFilter{})); got != 0 {
			t.Errorf("got %d history entries after pruning, want 0", got)
		}
	})

	t.Run("disabled history records nothing", func(t *testing.T) {
		m := newTestManager(t, failing, Options{})

		submitAndWait(t, m, "clip-1", jobs.StatusCompleted)
		if got := len(m.GetJobHistory(HistoryFilter{})); got != 0 {
			t.Errorf("got %d history entries with history disabled, want 0", got)
		}
	})
}

func TestManager_GetAggregatedStats(t *testing.T) {
	m := newTestManager(t, nil, Options{
		DefaultQueueOptions: queue.Options{
			MaxConcurrentJobs: 2,
			PollInterval:      5 * time.Millisecond,
		},
	})

	opts := fastQueueOptions()
	opts.MaxConcurrentJobs = 3
	if _, err := m.CreateQueue("video", opts); err != nil {
		t.Fatalf("CreateQueue failed: %v", err)
	}

	for _, target := range []string{"", "video"} {
		res, err := m.SubmitJob("clip", nil, SubmitOptions{QueueName: target})
		if err != nil {
			t.Fatalf("SubmitJob failed: %v", err)
		}
		waitFor(t, time.Second, func() bool {
			job, ok := m.GetJob(res.JobID)
			return ok && job.Status == jobs.StatusCompleted
		}, "job to complete")
	}

	agg := m.GetAggregatedStats()
	if agg.QueueCount != 2 {
		t.Errorf("got QueueCount %d, want 2", agg.QueueCount)
	}
	if agg.TotalConcurrency != 5 {
		t.Errorf("got TotalConcurrency %d, want 5", agg.TotalConcurrency)
	}
	if agg.CompletedJobs != 2 {
		t.Errorf("got CompletedJobs %d, want 2", agg.CompletedJobs)
	}
	if agg.TotalJobs != 2 {
		t.Errorf("got TotalJobs %d, want 2", agg.TotalJobs)
	}
	if agg.PendingJobs != 0 || agg.ProcessingJobs != 0 {
		t.Errorf("got pending=%d processing=%d, want 0/0", agg.PendingJobs, agg.ProcessingJobs)
	}
}

func TestManager_Shutdown(t *testing.T) {
	release := make(chan struct{})
	slow := jobs.HandlerFunc(func(ctx context.Context, job *jobs.Job) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	m := newTestManager(t, slow, Options{})
	res, err := m.SubmitJob("clip-1", nil, SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}
	q, err := m.GetQueue(DefaultQueueName)
	if err != nil {
		t.Fatalf("GetQueue failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return q.ActiveCount() == 1 }, "job to start")

	done := make(chan error, 1)
	go func() { done <- m.Shutdown(context.Background()) }()

	// Shutdown must wait for the in-flight job rather than abandon it.
	select {
	case <-done:
		t.Fatal("Shutdown returned while a job was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after the job finished")
	}

	job, ok := m.GetJob(res.JobID)
	if !ok {
		t.Fatal("job not found after shutdown")
	}
	if job.Status != jobs.StatusCompleted {
		t.Errorf("got status %q, want %q", job.Status, jobs.StatusCompleted)
	}
}
