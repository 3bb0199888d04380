package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/events"
)

// ErrAlreadyRunning is the reason recorded on a skipped Outcome
var ErrAlreadyRunning = errors.New("job already running")

// ExecutionLog is the execution history the guard checks and appends to.
// A lease-based implementation can replace History without changing Guard.
type ExecutionLog interface {
	IsRunning(ctx context.Context, jobName string) (bool, error)
	RecordStart(ctx context.Context, jobName string) (string, time.Time, error)
	RecordFinish(ctx context.Context, jobName, runID string, started time.Time, status ExecutionStatus, message string) error
}

// EventEmitter emits typed pipeline events
type EventEmitter interface {
	EmitTyped(module string, data events.EventData)
}

// JobFunc is the guarded body of a job. The returned message is stored with the
// terminal execution record.
type JobFunc func(ctx context.Context) (string, error)

// Outcome describes one guarded invocation
type Outcome struct {
	Reason   error           `json:"-"`
	RunID    string          `json:"run_id,omitempty"`
	Status   ExecutionStatus `json:"status,omitempty"`
	Message  string          `json:"message,omitempty"`
	Duration time.Duration   `json:"duration"`
	Skipped  bool            `json:"skipped"`
}

// Guard prevents two concurrent invocations of the same job
type Guard struct {
	history  ExecutionLog
	emitter  EventEmitter
	inflight map[string]struct{}
	log      zerolog.Logger
	mu       sync.Mutex
}

// NewGuard creates a guard. emitter may be nil.
func NewGuard(history ExecutionLog, emitter EventEmitter, log zerolog.Logger) *Guard {
	return &Guard{
		history:  history,
		emitter:  emitter,
		inflight: make(map[string]struct{}),
		log:      log.With().Str("component", "job_guard").Logger(),
	}
}

// Run executes fn unless jobName is already running, in this process or according to
// the execution history. A skipped run writes no records and is not an error.
// fn's error is recorded as a failure and returned.
func (g *Guard) Run(ctx context.Context, jobName string, fn JobFunc) (Outcome, error) {
	if !g.acquire(jobName) {
		return g.skip(jobName), nil
	}
	defer g.release(jobName)

	running, err := g.history.IsRunning(ctx, jobName)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to check execution history for %s: %w", jobName, err)
	}
	if running {
		return g.skip(jobName), nil
	}

	runID, started, err := g.history.RecordStart(ctx, jobName)
	if err != nil {
		return Outcome{}, err
	}
	g.emit(&events.JobStatusData{
		Timestamp: started,
		JobName:   jobName,
		RunID:     runID,
		Status:    string(StatusRunning),
	})
	g.log.Debug().Str("job", jobName).Str("run_id", runID).Msg("Job started")

	message, jobErr := runSafely(ctx, fn)

	outcome := Outcome{RunID: runID, Status: StatusSuccess, Message: message}
	if jobErr != nil {
		outcome.Status = StatusFailure
		if message == "" {
			outcome.Message = jobErr.Error()
		} else {
			outcome.Message = message + ": " + jobErr.Error()
		}
	}

	// Use a fresh context so a cancelled job still gets its terminal record
	if err := g.history.RecordFinish(context.WithoutCancel(ctx), jobName, runID, started, outcome.Status, outcome.Message); err != nil {
		g.log.Error().Err(err).Str("job", jobName).Str("run_id", runID).Msg("Failed to record job finish")
	}
	outcome.Duration = time.Since(started)

	g.emit(&events.JobStatusData{
		Timestamp: time.Now(),
		JobName:   jobName,
		RunID:     runID,
		Status:    string(outcome.Status),
		Message:   outcome.Message,
		Duration:  outcome.Duration.Milliseconds(),
	})

	if jobErr != nil {
		g.log.Error().Err(jobErr).Str("job", jobName).Dur("duration", outcome.Duration).Msg("Job failed")
	} else {
		g.log.Info().Str("job", jobName).Dur("duration", outcome.Duration).Str("message", outcome.Message).Msg("Job completed")
	}

	return outcome, jobErr
}

func (g *Guard) skip(jobName string) Outcome {
	g.log.Info().Str("job", jobName).Msg("Job already running, skipping invocation")
	g.emit(&events.JobStatusData{
		Timestamp: time.Now(),
		JobName:   jobName,
		Status:    "skipped",
		Message:   ErrAlreadyRunning.Error(),
	})
	return Outcome{Skipped: true, Reason: ErrAlreadyRunning, Message: ErrAlreadyRunning.Error()}
}

func (g *Guard) acquire(jobName string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inflight[jobName]; ok {
		return false
	}
	g.inflight[jobName] = struct{}{}
	return true
}

func (g *Guard) release(jobName string) {
	g.mu.Lock()
	delete(g.inflight, jobName)
	g.mu.Unlock()
}

func (g *Guard) emit(data events.EventData) {
	if g.emitter != nil {
		g.emitter.EmitTyped("scheduler", data)
	}
}

func runSafely(ctx context.Context, fn JobFunc) (msg string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return fn(ctx)
}
