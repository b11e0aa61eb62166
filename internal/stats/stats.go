// Package stats holds the pure estimators shared by queues and the
// manager: historical averages, trailing-window throughput, wait-time
// projection and the admission-time duration estimate.
package stats

import "time"

// DefaultEstimate stands in for the historical average while a queue has
// no completed jobs to learn from.
const DefaultEstimate = 30 * time.Second

// bytesPerSecond drives the payload-size heuristic, calibrated to the
// rough rate a single worker processes media at.
const bytesPerSecond = 512 * 1024

// AverageDuration returns the mean of ds, or zero for an empty slice.
func AverageDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}

// ThroughputPerHour counts completions within the trailing hour before now.
func ThroughputPerHour(completions []time.Time, now time.Time) int {
	cutoff := now.Add(-time.Hour)
	n := 0
	for _, t := range completions {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// EstimatedWait projects how long a newly admitted job would sit pending:
// max(0, pending-limit) * avg / limit. Zero when the queue can absorb the
// backlog immediately or has no history to project from.
func EstimatedWait(pending, limit int, avg time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	excess := pending - limit
	if excess <= 0 {
		return 0
	}
	return time.Duration(excess) * avg / time.Duration(limit)
}

// PayloadHeuristic converts a payload byte size into a duration guess.
func PayloadHeuristic(sizeBytes int64) time.Duration {
	if sizeBytes <= 0 {
		return DefaultEstimate
	}
	d := time.Duration(sizeBytes/bytesPerSecond) * time.Second
	if d < time.Second {
		return time.Second
	}
	return d
}

// EstimateDuration blends the payload heuristic 50/50 with the queue's
// historical average, falling back to DefaultEstimate without history.
func EstimateDuration(sizeBytes int64, historicalAvg time.Duration) time.Duration {
	if historicalAvg <= 0 {
		historicalAvg = DefaultEstimate
	}
	return (PayloadHeuristic(sizeBytes) + historicalAvg) / 2
}
