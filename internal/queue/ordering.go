package queue

import (
	"math"
	"time"

	"github.com/clipworks/mediaq/internal/jobs"
)

// Policy determines which pending job a queue starts next.
type Policy string

const (
	PolicyFIFO          Policy = "fifo"
	PolicyPriority      Policy = "priority"
	PolicyShortestFirst Policy = "shortest-first"
)

func (p Policy) Valid() bool {
	switch p {
	case PolicyFIFO, PolicyPriority, PolicyShortestFirst:
		return true
	}
	return false
}

// startsBefore reports whether a should start before b under the policy.
// Every policy tie-breaks by CreatedAt ascending, so selection is
// deterministic for jobs submitted at distinct instants.
func startsBefore(p Policy, a, b *jobs.Job) bool {
	switch p {
	case PolicyPriority:
		if ar, br := a.Priority.Rank(), b.Priority.Rank(); ar != br {
			return ar > br
		}
	case PolicyShortestFirst:
		if ae, be := estimateOrMax(a), estimateOrMax(b); ae != be {
			return ae < be
		}
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// estimateOrMax sorts jobs without an estimate after every estimated job.
func estimateOrMax(j *jobs.Job) time.Duration {
	if j.EstimatedDuration <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return j.EstimatedDuration
}
