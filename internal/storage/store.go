// Package storage abstracts the durable document store behind the
// scheduler: one serialized job record per id, with just enough surface
// for transition writes, startup reload and cleanup.
package storage

import (
	"context"

	"github.com/clipworks/mediaq/internal/jobs"
)

// Store persists job records keyed by id. Implementations must tolerate
// Put overwriting an existing record (every status transition rewrites
// the full document).
type Store interface {
	Put(ctx context.Context, job *jobs.Job) error
	GetAll(ctx context.Context) ([]*jobs.Job, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
