// Package alerting turns rule matches into persisted alerts and fires the
// side effects of a newly created alert.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"threatline/internal/correlation"
	"threatline/internal/metrics"
	"threatline/internal/response"
	"threatline/internal/schema"
	"threatline/internal/storage"
	"threatline/internal/threat"
)

// Store persists alerts and remembers which critical alerts were dispatched.
type Store interface {
	UpsertAlert(ctx context.Context, alert *schema.Alert) (created bool, err error)
	GetAlert(ctx context.Context, id schema.AlertID) (*schema.Alert, error)
	MarkDispatched(ctx context.Context, id schema.AlertID) error
}

// Dispatcher runs response hooks for an alert.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *schema.Alert) []response.Outcome
}

// Publisher forwards new alerts to egress sinks.
type Publisher interface {
	PublishAlert(alert *schema.Alert)
}

// Generator builds alerts from matches and persists them.
type Generator struct {
	store      Store
	level      *threat.Level
	dispatcher Dispatcher
	publisher  Publisher
	metrics    *metrics.Metrics
	retry      storage.RetryPolicy
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithThreatLevel bumps level for every new alert.
func WithThreatLevel(l *threat.Level) Option {
	return func(g *Generator) { g.level = l }
}

// WithDispatcher dispatches response hooks for new critical alerts.
func WithDispatcher(d Dispatcher) Option {
	return func(g *Generator) { g.dispatcher = d }
}

// WithPublisher enqueues new alerts for egress.
func WithPublisher(p Publisher) Option {
	return func(g *Generator) { g.publisher = p }
}

// WithMetrics counts new alerts by severity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithRetryPolicy sets the retry policy for upserts.
func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(g *Generator) { g.retry = p }
}

// WithClock replaces the wall clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGenerator creates a generator over store.
func NewGenerator(store Store, opts ...Option) *Generator {
	g := &Generator{
		store:  store,
		retry:  storage.DefaultRetryPolicy(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate builds the alert for a match. The id depends only on the event
// timestamp and rule, so regenerating after a crash yields the same alert.
func (g *Generator) Generate(event *schema.Event, m correlation.Match) *schema.Alert {
	return &schema.Alert{
		ID:             schema.NewAlertID(event.Timestamp, m.Rule.ID),
		RuleID:         m.Rule.ID,
		Severity:       m.Rule.Severity,
		SourceIdentity: event.SourceIdentity,
		SourceEventID:  event.ID,
		EventTimestamp: event.Timestamp,
		CreatedAt:      g.now().UTC(),
	}
}

// Persist upserts alert. Side effects run only when this call created it; a
// repeated persist of the same id returns created=false and does nothing else,
// except that a critical alert whose dispatch was never recorded is dispatched
// again.
func (g *Generator) Persist(ctx context.Context, alert *schema.Alert) (bool, error) {
	var created bool
	err := storage.Retry(ctx, g.retry, "upsert_alert", func(ctx context.Context) error {
		var err error
		created, err = g.store.UpsertAlert(ctx, alert)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("alerting: persist alert %s: %w", alert.ID, err)
	}
	if !created {
		g.logger.Debug("alert already exists", "alert_id", alert.ID, "rule_id", alert.RuleID)
		if g.dispatches(alert) {
			g.redispatch(ctx, alert)
		}
		return false, nil
	}

	g.onCreated(ctx, alert)
	return true, nil
}

func (g *Generator) onCreated(ctx context.Context, alert *schema.Alert) {
	level := 0.0
	if g.level != nil {
		level = g.level.Bump(alert.Severity)
	}
	if g.metrics != nil {
		g.metrics.AlertsGenerated.WithLabelValues(string(alert.Severity)).Inc()
	}

	g.logger.Info("alert generated",
		"alert_id", alert.ID,
		"rule_id", alert.RuleID,
		"severity", alert.Severity,
		"source_identity", alert.SourceIdentity,
		"event_id", alert.SourceEventID,
		"threat_level", level,
	)

	if g.dispatches(alert) {
		g.dispatch(ctx, alert)
	}
	if g.publisher != nil {
		g.publisher.PublishAlert(alert)
	}
}

func (g *Generator) dispatches(alert *schema.Alert) bool {
	return alert.Severity == schema.SeverityCritical && g.dispatcher != nil
}

// dispatch runs the hooks and records it. If the record is lost the hooks
// run again on the next persist of the same alert.
func (g *Generator) dispatch(ctx context.Context, alert *schema.Alert) {
	g.dispatcher.Dispatch(ctx, alert)
	err := storage.Retry(ctx, g.retry, "mark_dispatched", func(ctx context.Context) error {
		return g.store.MarkDispatched(ctx, alert.ID)
	})
	if err != nil {
		g.logger.Warn("failed to record alert dispatch", "alert_id", alert.ID, "error", err)
	}
}

// redispatch covers a crash between persisting a critical alert and
// recording its dispatch.
func (g *Generator) redispatch(ctx context.Context, alert *schema.Alert) {
	var stored *schema.Alert
	err := storage.Retry(ctx, g.retry, "get_alert", func(ctx context.Context) error {
		var err error
		stored, err = g.store.GetAlert(ctx, alert.ID)
		return err
	})
	if err != nil {
		g.logger.Warn("cannot check alert dispatch", "alert_id", alert.ID, "error", err)
		return
	}
	if stored.Dispatched {
		return
	}
	g.logger.Info("dispatching critical alert left undispatched", "alert_id", alert.ID, "rule_id", alert.RuleID)
	g.dispatch(ctx, stored)
}
