package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/clipworks/mediaq/internal/jobs"
)

func newTestSQLiteStore(t *testing.T, queueName string) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	store, err := NewSQLiteStore(dbPath, queueName)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close failed: %v", err)
		}
	})
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t, "media")

	job := jobs.New("media", "/videos/a.mp4", map[string]any{"kind": "transcribe"})
	job.RetryCount = 1
	job.MaxRetries = 3

	if err := store.Put(ctx, job); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	loaded, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("getall failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("got %d jobs, want 1", len(loaded))
	}
	if loaded[0].ID != job.ID {
		t.Errorf("got id %q, want %q", loaded[0].ID, job.ID)
	}
	if loaded[0].RetryCount != 1 {
		t.Errorf("got retry_count %d, want 1", loaded[0].RetryCount)
	}
}

func TestSQLiteStore_UpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t, "media")

	job := jobs.New("media", "/videos/a.mp4", nil)
	if err := store.Put(ctx, job); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	job.Status = jobs.StatusFailed
	job.Error = "boom"
	if err := store.Put(ctx, job); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	loaded, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("getall failed: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("got %d jobs, want 1", len(loaded))
	}
	if loaded[0].Status != jobs.StatusFailed {
		t.Errorf("got status %q, want %q", loaded[0].Status, jobs.StatusFailed)
	}
	if loaded[0].Error != "boom" {
		t.Errorf("got error %q, want %q", loaded[0].Error, "boom")
	}
}

func TestSQLiteStore_ScopedToQueue(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")

	mediaStore, err := NewSQLiteStore(dbPath, "media")
	if err != nil {
		t.Fatalf("failed to create media store: %v", err)
	}
	defer mediaStore.Close()

	bulkStore, err := NewSQLiteStore(dbPath, "bulk")
	if err != nil {
		t.Fatalf("failed to create bulk store: %v", err)
	}
	defer bulkStore.Close()

	if err := mediaStore.Put(ctx, jobs.New("media", "/videos/a.mp4", nil)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := bulkStore.Put(ctx, jobs.New("bulk", "/videos/b.mp4", nil)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	mediaJobs, err := mediaStore.GetAll(ctx)
	if err != nil {
		t.Fatalf("getall failed: %v", err)
	}
	if len(mediaJobs) != 1 {
		t.Fatalf("got %d media jobs, want 1", len(mediaJobs))
	}
	if mediaJobs[0].QueueName != "media" {
		t.Errorf("got queue %q, want %q", mediaJobs[0].QueueName, "media")
	}
}

func TestSQLiteStore_Delete(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t, "media")

	job := jobs.New("media", "/videos/a.mp4", nil)
	if err := store.Put(ctx, job); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Delete(ctx, job.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	loaded, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("getall failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("got %d jobs after delete, want 0", len(loaded))
	}
}
