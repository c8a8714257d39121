// Package incident groups uncorrelated alerts by source identity and
// escalates busy sources into incidents.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"threatline/internal/metrics"
	"threatline/internal/schema"
	"threatline/internal/storage"
)

// EscalationThreshold is the group size a source must exceed to become an
// incident.
const EscalationThreshold = 2

// Store is the slice of persistence the correlator uses.
type Store interface {
	ClaimUncorrelated(ctx context.Context, limit int) ([]*schema.Alert, error)
	MarkCorrelated(ctx context.Context, ids []schema.AlertID) error
	ReleaseAlertClaims(ctx context.Context, ids []schema.AlertID) error
	CreateIncident(ctx context.Context, incident *schema.Incident) (created bool, err error)
}

// Publisher forwards new incidents to egress sinks.
type Publisher interface {
	PublishIncident(incident *schema.Incident)
}

// Config holds the correlator configuration.
type Config struct {
	Interval      time.Duration `yaml:"interval" validate:"gt=0"`
	BatchSize     int           `yaml:"batch_size" validate:"min=1"`
	ErrorCooldown time.Duration `yaml:"error_cooldown" validate:"min=0"`
}

// DefaultConfig returns the default correlator configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      10 * time.Second,
		BatchSize:     100,
		ErrorCooldown: 30 * time.Second,
	}
}

// Result summarizes one correlation pass.
type Result struct {
	Claimed    int
	Correlated int
	Released   int
	Incidents  []*schema.Incident
}

// Correlator runs the alert to incident stage.
type Correlator struct {
	store     Store
	publisher Publisher
	config    Config
	retry     storage.RetryPolicy
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithPublisher enqueues created incidents for egress.
func WithPublisher(p Publisher) Option {
	return func(c *Correlator) { c.publisher = p }
}

// WithMetrics counts created incidents.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Correlator) { c.metrics = m }
}

// WithRetryPolicy sets the retry policy for store calls.
func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(c *Correlator) { c.retry = p }
}

// WithClock replaces the wall clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Correlator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCorrelator creates a correlator.
func NewCorrelator(store Store, cfg Config, opts ...Option) *Correlator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	c := &Correlator{
		store:  store,
		config: cfg,
		retry:  storage.DefaultRetryPolicy(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "incident-correlator")
	return c
}

// group is the alerts of one source in claim order.
type group struct {
	source string
	alerts []*schema.Alert
}

// groupBySource partitions alerts by source identity, keeping groups in the
// order their source was first seen.
func groupBySource(alerts []*schema.Alert) []*group {
	var groups []*group
	index := make(map[string]*group)
	for _, a := range alerts {
		g, ok := index[a.SourceIdentity]
		if !ok {
			g = &group{source: a.SourceIdentity}
			index[a.SourceIdentity] = g
			groups = append(groups, g)
		}
		g.alerts = append(g.alerts, a)
	}
	return groups
}

func alertIDs(alerts []*schema.Alert) []schema.AlertID {
	ids := make([]schema.AlertID, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}
	return ids
}

// RunOnce claims a batch of uncorrelated alerts, creates an incident for
// every source with more than EscalationThreshold alerts in the batch and
// marks the batch correlated. Alerts of smaller groups are consumed without
// an incident. A group whose incident cannot be stored is released for the
// next pass instead.
func (c *Correlator) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	var alerts []*schema.Alert
	err := storage.Retry(ctx, c.retry, "claim_uncorrelated", func(ctx context.Context) error {
		var err error
		alerts, err = c.store.ClaimUncorrelated(ctx, c.config.BatchSize)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("incident: claim alerts: %w", err)
	}
	res.Claimed = len(alerts)
	if len(alerts) == 0 {
		return res, nil
	}

	var (
		done     []schema.AlertID
		released []schema.AlertID
		errs     []error
	)
	for _, g := range groupBySource(alerts) {
		ids := alertIDs(g.alerts)
		if len(g.alerts) <= EscalationThreshold {
			done = append(done, ids...)
			continue
		}

		inc := schema.NewIncident(g.source, g.alerts, c.now().UTC())
		created, err := c.createIncident(ctx, inc)
		if err != nil {
			if ctx.Err() != nil {
				released = append(released, ids...)
				errs = append(errs, ctx.Err())
				continue
			}
			c.logger.Error("failed to create incident",
				"source_identity", g.source,
				"alerts", len(ids),
				"error", err,
			)
			released = append(released, ids...)
			errs = append(errs, err)
			continue
		}

		done = append(done, ids...)
		if created {
			c.onCreated(inc)
			res.Incidents = append(res.Incidents, inc)
		}
	}

	// Finish on a context that survives cancellation; claims of this batch
	// must not wait for lease expiry.
	finishCtx := context.WithoutCancel(ctx)
	if len(done) > 0 {
		err := storage.Retry(finishCtx, c.retry, "mark_correlated", func(ctx context.Context) error {
			return c.store.MarkCorrelated(ctx, done)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("incident: mark correlated: %w", err))
		} else {
			res.Correlated = len(done)
		}
	}
	if len(released) > 0 {
		if err := c.store.ReleaseAlertClaims(finishCtx, released); err != nil {
			c.logger.Warn("failed to release alert claims", "alerts", len(released), "error", err)
		}
		res.Released = len(released)
	}

	return res, errors.Join(errs...)
}

func (c *Correlator) createIncident(ctx context.Context, inc *schema.Incident) (bool, error) {
	var created bool
	err := storage.Retry(ctx, c.retry, "create_incident", func(ctx context.Context) error {
		var err error
		created, err = c.store.CreateIncident(ctx, inc)
		return err
	})
	return created, err
}

func (c *Correlator) onCreated(inc *schema.Incident) {
	if c.metrics != nil {
		c.metrics.IncidentsCreated.Inc()
	}
	c.logger.Warn("incident created",
		"incident_id", inc.ID,
		"source_identity", inc.SourceIdentity,
		"severity", inc.Severity,
		"alerts", inc.AlertCount,
	)
	if c.publisher != nil {
		c.publisher.PublishIncident(inc)
	}
}

// Run calls RunOnce every Interval until ctx is done. A failed or panicking
// pass is followed by ErrorCooldown before the next one.
func (c *Correlator) Run(ctx context.Context) error {
	c.logger.Info("incident correlator started",
		"interval", c.config.Interval,
		"batch_size", c.config.BatchSize,
	)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("incident correlator stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		if err := c.safeRunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("correlation pass failed", "error", err, "cooldown", c.config.ErrorCooldown)
			select {
			case <-ctx.Done():
			case <-time.After(c.config.ErrorCooldown):
			}
		}
	}
}

func (c *Correlator) safeRunOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("incident: correlation pass panicked: %v", r)
		}
	}()
	res, err := c.RunOnce(ctx)
	if res.Claimed > 0 {
		c.logger.Debug("correlation pass complete",
			"claimed", res.Claimed,
			"correlated", res.Correlated,
			"released", res.Released,
			"incidents", len(res.Incidents),
		)
	}
	return err
}
