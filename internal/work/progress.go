package work

import (
	"sync"
	"time"

	"github.com/aristath/fundwatch/internal/events"
)

// EventEmitter defines the interface for emitting events
type EventEmitter interface {
	EmitTyped(module string, data events.EventData)
}

// Throttle interval for progress events (avoid spam)
const progressThrottleInterval = 100 * time.Millisecond

// ProgressReporter emits throttled JobProgress events for a running job.
// A nil *ProgressReporter is valid and reports nothing.
type ProgressReporter struct {
	emitter    EventEmitter
	lastReport time.Time
	jobName    string
	runID      string
	mu         sync.Mutex
}

// NewProgressReporter creates a progress reporter for one job run
func NewProgressReporter(emitter EventEmitter, jobName, runID string) *ProgressReporter {
	return &ProgressReporter{
		emitter: emitter,
		jobName: jobName,
		runID:   runID,
	}
}

// Report reports numeric progress (current/total) with a message.
// Events are throttled; the final report (current == total) is always sent.
func (r *ProgressReporter) Report(current, total int, message string) {
	if r == nil || r.emitter == nil {
		return
	}

	r.mu.Lock()
	now := time.Now()
	if now.Sub(r.lastReport) < progressThrottleInterval && current != total {
		r.mu.Unlock()
		return
	}
	r.lastReport = now
	r.mu.Unlock()

	r.emitter.EmitTyped("work", &events.JobStatusData{
		Timestamp: now,
		JobName:   r.jobName,
		RunID:     r.runID,
		Status:    "progress",
		Progress: &events.JobProgressInfo{
			Current: current,
			Total:   total,
			Message: message,
		},
	})
}
