package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clipworks/mediaq/internal/jobs"
)

// FSStore keeps one JSON document per job in a directory. Writes go
// through a temp file and rename so a crash never leaves a half-written
// record behind.
type FSStore struct {
	dir string
}

func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FSStore) Put(ctx context.Context, job *jobs.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}

	tmp := s.path(job.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write job %s: %w", job.ID, err)
	}
	if err := os.Rename(tmp, s.path(job.ID)); err != nil {
		return fmt.Errorf("failed to commit job %s: %w", job.ID, err)
	}
	return nil
}

// GetAll loads every record in the directory. Documents that no longer
// parse are skipped rather than failing the whole reload; a single
// corrupt file must not keep the queue from starting.
func (s *FSStore) GetAll(ctx context.Context) ([]*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	loaded := make([]*jobs.Job, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var job jobs.Job
		if err := json.Unmarshal(data, &job); err != nil || job.ID == "" {
			continue
		}
		loaded = append(loaded, &job)
	}
	return loaded, nil
}

func (s *FSStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

func (s *FSStore) Close() error {
	return nil
}
