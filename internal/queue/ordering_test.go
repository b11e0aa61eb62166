package queue

import (
	"testing"
	"time"

	"github.com/clipworks/mediaq/internal/jobs"
)

func orderingJob(priority jobs.Priority, estimate time.Duration, created time.Time) *jobs.Job {
	return &jobs.Job{
		Priority:          priority,
		EstimatedDuration: estimate,
		CreatedAt:         created,
	}
}

func TestPolicyValid(t *testing.T) {
	for _, p := range []Policy{PolicyFIFO, PolicyPriority, PolicyShortestFirst} {
		if !p.Valid() {
			t.Errorf("Valid() = false for %q, want true", p)
		}
	}
	if Policy("round-robin").Valid() {
		t.Error("Valid() = true for an unknown policy, want false")
	}
}

func TestStartsBefore(t *testing.T) {
	base := time.Now()
	earlier := base.Add(-time.Minute)

	tests := []struct {
		name   string
		policy Policy
		a, b   *jobs.Job
		want   bool
	}{
		{
			name:   "fifo oldest first",
			policy: PolicyFIFO,
			a:      orderingJob(jobs.PriorityLow, 0, earlier),
			b:      orderingJob(jobs.PriorityUrgent, 0, base),
			want:   true,
		},
		{
			name:   "priority outranks age",
			policy: PolicyPriority,
			a:      orderingJob(jobs.PriorityUrgent, 0, base),
			b:      orderingJob(jobs.PriorityLow, 0, earlier),
			want:   true,
		},
		{
			name:   "equal priority falls back to age",
			policy: PolicyPriority,
			a:      orderingJob(jobs.PriorityNormal, 0, earlier),
			b:      orderingJob(jobs.PriorityNormal, 0, base),
			want:   true,
		},
		{
			name:   "shortest first prefers small estimate",
			policy: PolicyShortestFirst,
			a:      orderingJob(jobs.PriorityLow, time.Second, base),
			b:      orderingJob(jobs.PriorityUrgent, time.Minute, earlier),
			want:   true,
		},
		{
			name:   "missing estimate sorts last",
			policy: PolicyShortestFirst,
			a:      orderingJob(jobs.PriorityNormal, time.Hour, base),
			b:      orderingJob(jobs.PriorityNormal, 0, earlier),
			want:   true,
		},
		{
			name:   "equal estimates fall back to age",
			policy: PolicyShortestFirst,
			a:      orderingJob(jobs.PriorityNormal, time.Second, base),
			b:      orderingJob(jobs.PriorityNormal, time.Second, earlier),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := startsBefore(tt.policy, tt.a, tt.b); got != tt.want {
				t.Errorf("startsBefore(%s) = %v, want %v", tt.policy, got, tt.want)
			}
		})
	}
}
