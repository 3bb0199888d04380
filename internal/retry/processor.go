package retry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/fundwatch/internal/events"
)

// Handler re-runs the failed unit of work of one entry
type Handler func(ctx context.Context, e Entry) error

// ContentionChecker reports whether any of the named jobs is currently running
type ContentionChecker interface {
	AnyRunning(ctx context.Context, names []string) (string, bool, error)
}

// EventEmitter emits typed pipeline events
type EventEmitter interface {
	EmitTyped(module string, data events.EventData)
}

// ProcessorConfig bounds one retry pass
type ProcessorConfig struct {
	ContentionSet []string
	MaxRetries    int
	MaxAgeDays    int
	Limit         int
}

// PassResult summarizes one retry pass
type PassResult struct {
	ContendedBy string `json:"contended_by,omitempty"`
	Attempted   int    `json:"attempted"`
	Resolved    int    `json:"resolved"`
	Requeued    int    `json:"requeued"`
	Abandoned   int    `json:"abandoned"`
	Skipped     bool   `json:"skipped"`
}

// String renders the result as an execution history message
func (r PassResult) String() string {
	if r.Skipped {
		return fmt.Sprintf("skipped, %s is running", r.ContendedBy)
	}
	return fmt.Sprintf("attempted %d: %d resolved, %d requeued, %d abandoned",
		r.Attempted, r.Resolved, r.Requeued, r.Abandoned)
}

// Processor drains a bounded slice of pending entries through registered handlers
type Processor struct {
	repo       *Repository
	contention ContentionChecker
	emitter    EventEmitter
	handlers   map[string]Handler
	log        zerolog.Logger
	cfg        ProcessorConfig
	mu         sync.RWMutex
}

// NewProcessor creates a processor. contention may be nil.
func NewProcessor(repo *Repository, contention ContentionChecker, cfg ProcessorConfig, log zerolog.Logger) *Processor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = DefaultMaxAgeDays
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	return &Processor{
		repo:       repo,
		contention: contention,
		handlers:   make(map[string]Handler),
		cfg:        cfg,
		log:        log.With().Str("component", "retry_processor").Logger(),
	}
}

// SetEventEmitter sets the emitter for abandonment events
func (p *Processor) SetEventEmitter(e EventEmitter) {
	p.emitter = e
}

// Register sets the handler for entries recorded by jobName
func (p *Processor) Register(jobName string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobName] = h
}

// Process runs one retry pass. If a job of the contention set is running the pass
// does nothing and reports Skipped; that is not an error.
func (p *Processor) Process(ctx context.Context) (PassResult, error) {
	var result PassResult

	if p.contention != nil && len(p.cfg.ContentionSet) > 0 {
		name, running, err := p.contention.AnyRunning(ctx, p.cfg.ContentionSet)
		if err != nil {
			return result, fmt.Errorf("failed to check contention set: %w", err)
		}
		if running {
			p.log.Info().Str("running", name).Msg("Contending job running, skipping retry pass")
			result.Skipped = true
			result.ContendedBy = name
			return result, nil
		}
	}

	entries, err := p.repo.GetPending(ctx, p.cfg.MaxRetries, p.cfg.MaxAgeDays, p.cfg.Limit)
	if err != nil {
		return result, err
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := p.repo.Claim(ctx, e.ID); err != nil {
			// Another pass may have claimed it
			p.log.Warn().Err(err).Int64("id", e.ID).Msg("Could not claim retry entry")
			continue
		}
		result.Attempted++

		handlerErr := p.invoke(ctx, e)
		if handlerErr == nil {
			if err := p.repo.Resolve(ctx, e.ID); err != nil {
				return result, err
			}
			result.Resolved++
			p.log.Info().Str("job", e.JobName).Str("entity", e.EntityID).Str("date", e.TargetDate).Msg("Retry resolved")
			continue
		}

		next, err := p.repo.Fail(ctx, e.ID, handlerErr.Error(), p.cfg.MaxRetries)
		if err != nil {
			return result, err
		}
		if next == StatusAbandoned {
			result.Abandoned++
			p.log.Warn().
				Err(handlerErr).
				Str("job", e.JobName).
				Str("entity", e.EntityID).
				Str("date", e.TargetDate).
				Int("retry_count", e.RetryCount+1).
				Msg("Retry abandoned")
			if p.emitter != nil {
				p.emitter.EmitTyped("retry", &events.RetryAbandonedData{
					JobName:    e.JobName,
					TargetDate: e.TargetDate,
					EntityID:   e.EntityID,
					EntityType: e.EntityType,
					Reason:     handlerErr.Error(),
					RetryCount: e.RetryCount + 1,
				})
			}
		} else {
			result.Requeued++
			p.log.Debug().Err(handlerErr).Int64("id", e.ID).Msg("Retry failed, requeued")
		}
	}

	return result, nil
}

func (p *Processor) invoke(ctx context.Context, e Entry) (err error) {
	p.mu.RLock()
	h, ok := p.handlers[e.JobName]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no retry handler registered for %s", e.JobName)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retry handler panicked: %v", r)
		}
	}()
	return h(ctx, e)
}
