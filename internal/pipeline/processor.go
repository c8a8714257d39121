// Package pipeline runs the event to alert stage: it claims unprocessed
// events, evaluates them against the current rule snapshot and persists the
// resulting alerts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"threatline/internal/correlation"
	"threatline/internal/logging"
	"threatline/internal/metrics"
	"threatline/internal/rules"
	"threatline/internal/schema"
	"threatline/internal/storage"
)

// Store is the slice of persistence the processor uses.
type Store interface {
	ClaimUnprocessed(ctx context.Context, maxAge time.Duration, limit int) ([]*schema.Event, error)
	MarkProcessed(ctx context.Context, id int64) error
	ReleaseClaims(ctx context.Context, ids []int64) error
}

// Evaluator matches an event against a rule snapshot.
type Evaluator interface {
	Evaluate(ctx context.Context, event *schema.Event, snap *rules.Snapshot) ([]correlation.Match, error)
}

// Generator turns matches into persisted alerts.
type Generator interface {
	Generate(event *schema.Event, m correlation.Match) *schema.Alert
	Persist(ctx context.Context, alert *schema.Alert) (bool, error)
}

// SnapshotSource provides the current rule snapshot.
type SnapshotSource interface {
	Snapshot() *rules.Snapshot
}

// Config holds the processing loop configuration.
type Config struct {
	PollInterval       time.Duration `yaml:"poll_interval" validate:"gt=0"`
	ErrorCooldown      time.Duration `yaml:"error_cooldown" validate:"min=0"`
	MaxAge             time.Duration `yaml:"max_age" validate:"gt=0"`
	BatchSize          int           `yaml:"batch_size" validate:"min=1"`
	MalformedCacheSize int           `yaml:"malformed_cache_size" validate:"min=1"`
}

// DefaultConfig returns the default processing loop configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		ErrorCooldown:      5 * time.Second,
		MaxAge:             5 * time.Minute,
		BatchSize:          1000,
		MalformedCacheSize: 10000,
	}
}

// Stats summarizes one batch.
type Stats struct {
	Claimed   int
	Processed int
	Malformed int
	Failed    int
	Alerts    int
	Released  int
}

// Processor drives events through rule evaluation and alert generation.
type Processor struct {
	store     Store
	engine    Evaluator
	generator Generator
	rules     SnapshotSource
	validator *schema.Validator
	config    Config
	retry     storage.RetryPolicy
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// malformed remembers events already reported so each is logged once.
	malformed *lru.Cache[int64, struct{}]
}

// Option configures a Processor.
type Option func(*Processor)

// WithMetrics records batch and event counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithRetryPolicy sets the retry policy for store calls.
func WithRetryPolicy(r storage.RetryPolicy) Option {
	return func(p *Processor) { p.retry = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor creates a processor.
func NewProcessor(store Store, engine Evaluator, gen Generator, src SnapshotSource, cfg Config, opts ...Option) (*Processor, error) {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MalformedCacheSize <= 0 {
		cfg.MalformedCacheSize = def.MalformedCacheSize
	}

	cache, err := lru.New[int64, struct{}](cfg.MalformedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("pipeline: malformed cache: %w", err)
	}

	p := &Processor{
		store:     store,
		engine:    engine,
		generator: gen,
		rules:     src,
		validator: schema.NewValidator(),
		config:    cfg,
		retry:     storage.DefaultRetryPolicy(),
		logger:    slog.Default(),
		malformed: cache,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pipeline")
	return p, nil
}

// RunOnce claims one batch and processes it. An unavailable store is logged
// and the batch, or what is left of it, skipped and released without error. On cancellation the events of the
// batch not yet finished are released for the next claimer.
func (p *Processor) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	// The whole batch is evaluated against one snapshot even if rules reload.
	snap := p.rules.Snapshot()
	if snap == nil {
		return stats, errors.New("pipeline: no rule snapshot loaded")
	}

	var events []*schema.Event
	err := storage.Retry(ctx, p.retry, "claim_unprocessed", func(ctx context.Context) error {
		var err error
		events, err = p.store.ClaimUnprocessed(ctx, p.config.MaxAge, p.config.BatchSize)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if storage.IsUnavailable(err) {
			p.logger.Warn("event store unavailable, skipping batch", "error", err)
			return stats, nil
		}
		return stats, fmt.Errorf("pipeline: claim events: %w", err)
	}
	stats.Claimed = len(events)
	if len(events) == 0 {
		return stats, nil
	}

	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.BatchDuration.Observe(time.Since(start).Seconds())
		}
	}()

	for i, event := range events {
		if ctx.Err() != nil {
			stats.Released = p.release(ctx, events[i:])
			return stats, ctx.Err()
		}

		res, err := p.processEvent(ctx, snap, event)
		if err != nil {
			if ctx.Err() != nil {
				stats.Released = p.release(ctx, events[i:])
				return stats, ctx.Err()
			}
			// The rest of the batch is handed back untouched so a later
			// pass re-evaluates it once the store recovers.
			if storage.IsUnavailable(err) {
				stats.Released = p.release(ctx, events[i:])
				p.logger.Warn("event store unavailable, skipping rest of batch",
					"event_id", event.ID,
					"released", stats.Released,
					"error", err,
				)
				return stats, nil
			}
			stats.Failed++
			if p.metrics != nil {
				p.metrics.ProcessingErrors.Inc()
			}
			p.logger.Error("event processing failed, leaving claim to expire",
				"event_id", event.ID,
				"source_identity", event.SourceIdentity,
				"error", err,
			)
			continue
		}

		stats.Processed++
		stats.Alerts += res.alerts
		if res.malformed {
			stats.Malformed++
		}
	}

	return stats, nil
}

type eventResult struct {
	alerts    int
	malformed bool
}

// processEvent handles one event. Panics are converted to errors so one bad
// event cannot take down the batch.
func (p *Processor) processEvent(ctx context.Context, snap *rules.Snapshot, event *schema.Event) (res eventResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: panic processing event %d: %v", event.ID, r)
		}
	}()

	if verr := p.validator.Validate(event); verr != nil {
		p.reportMalformed(event, verr)
		res.malformed = true
		return res, p.markProcessed(ctx, event.ID)
	}

	matches, evalErr := p.engine.Evaluate(ctx, event, snap)
	if evalErr != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		// A window query that never reached the store says nothing about the
		// rule, so the event must not be consumed.
		if storage.IsUnavailable(evalErr) {
			return res, fmt.Errorf("pipeline: evaluate event %d: %w", event.ID, evalErr)
		}
	}
	// Other rule errors were logged by the engine; the rule counted as no match.

	for _, m := range matches {
		alert := p.generator.Generate(event, m)
		created, err := p.generator.Persist(ctx, alert)
		if err != nil {
			return res, err
		}
		if created {
			res.alerts++
		}
	}

	return res, p.markProcessed(ctx, event.ID)
}

func (p *Processor) markProcessed(ctx context.Context, id int64) error {
	err := storage.Retry(ctx, p.retry, "mark_processed", func(ctx context.Context) error {
		return p.store.MarkProcessed(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("pipeline: mark processed: %w", err)
	}
	if p.metrics != nil {
		p.metrics.EventsProcessed.Inc()
	}
	return nil
}

// reportMalformed logs a malformed event the first time it is seen.
func (p *Processor) reportMalformed(event *schema.Event, err error) {
	if p.metrics != nil {
		p.metrics.EventsMalformed.Inc()
	}
	if seen, _ := p.malformed.ContainsOrAdd(event.ID, struct{}{}); seen {
		return
	}
	p.logger.Warn("malformed event excluded from evaluation",
		"event_id", event.ID,
		"source_identity", event.SourceIdentity,
		"type", event.Type,
		"fields", logging.MaskFields(event.Fields),
		"error", err,
	)
}

// release hands unfinished events back to the store.
func (p *Processor) release(ctx context.Context, events []*schema.Event) int {
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if err := p.store.ReleaseClaims(context.WithoutCancel(ctx), ids); err != nil {
		p.logger.Warn("failed to release event claims", "events", len(ids), "error", err)
		return 0
	}
	return len(ids)
}

// Run processes batches until ctx is done. A full batch is followed
// immediately by the next; otherwise the loop waits PollInterval. Errors and
// panics put the loop into ErrorCooldown before it resumes.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("processing loop started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
		"max_age", p.config.MaxAge,
	)

	for {
		stats, err := p.safeRunOnce(ctx)
		if ctx.Err() != nil {
			p.logger.Info("processing loop stopped", "released", stats.Released)
			return ctx.Err()
		}

		wait := p.config.PollInterval
		switch {
		case err != nil:
			p.logger.Error("processing batch failed", "error", err, "cooldown", p.config.ErrorCooldown)
			wait = p.config.ErrorCooldown
		case stats.Claimed > 0:
			p.logger.Debug("batch processed",
				"claimed", stats.Claimed,
				"processed", stats.Processed,
				"alerts", stats.Alerts,
				"malformed", stats.Malformed,
				"failed", stats.Failed,
			)
			if stats.Claimed >= p.config.BatchSize {
				wait = 0
			}
		}

		if wait > 0 {
			select {
			case <-ctx.Done():
				p.logger.Info("processing loop stopped")
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

func (p *Processor) safeRunOnce(ctx context.Context) (stats Stats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: batch panicked: %v", r)
		}
	}()
	return p.RunOnce(ctx)
}
