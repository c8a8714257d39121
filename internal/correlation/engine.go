// Package correlation evaluates events against a rule snapshot.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"threatline/internal/metrics"
	"threatline/internal/rules"
	"threatline/internal/schema"
	"threatline/internal/storage"
)

// Store is the slice of persistence the engine queries.
type Store interface {
	CountMatching(ctx context.Context, sourceIdentity string, pred storage.Predicate, window storage.TimeWindow) (int, error)
	HasRecentAlert(ctx context.Context, ruleID, sourceIdentity string, since, until time.Time, excludeEventID int64) (bool, error)
}

// Match is a rule that fired for an event.
type Match struct {
	Rule *rules.Rule
	// Count is the number of matching events in the window for temporal
	// rules, and 1 otherwise.
	Count int
}

// RuleError records a rule whose evaluation failed for one event.
type RuleError struct {
	RuleID  string
	EventID int64
	Err     error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("correlation: rule %s on event %d: %v", e.RuleID, e.EventID, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// Engine matches events against rules. It holds no per-rule state; temporal
// rules are answered by windowed counts against the store.
type Engine struct {
	store   Store
	retry   storage.RetryPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy sets the retry policy for store queries.
func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithMetrics records suppressions and rule errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates a new rule engine.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		retry:  storage.DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every enabled rule of snap against event in catalog order and
// returns all matches. A failing rule counts as non-matching; its error is
// logged and returned joined with the others alongside the matches.
func (e *Engine) Evaluate(ctx context.Context, event *schema.Event, snap *rules.Snapshot) ([]Match, error) {
	if snap == nil {
		return nil, errors.New("correlation: no rule snapshot")
	}

	var (
		matches []Match
		errs    []error
	)
	for _, rule := range snap.Enabled() {
		if err := ctx.Err(); err != nil {
			return matches, err
		}

		m, ok, err := e.evaluateRule(ctx, rule, event)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return matches, ctxErr
			}
			rerr := &RuleError{RuleID: rule.ID, EventID: event.ID, Err: err}
			e.logger.Warn("rule evaluation failed",
				"rule_id", rule.ID,
				"event_id", event.ID,
				"error", err,
			)
			if e.metrics != nil {
				e.metrics.RuleErrors.WithLabelValues(rule.ID).Inc()
			}
			errs = append(errs, rerr)
			continue
		}
		if ok {
			matches = append(matches, m)
		}
	}

	return matches, errors.Join(errs...)
}

func (e *Engine) evaluateRule(ctx context.Context, rule *rules.Rule, event *schema.Event) (Match, bool, error) {
	ok, err := rule.Matches(event)
	if err != nil || !ok {
		return Match{}, false, err
	}
	if !rule.Temporal() {
		return Match{Rule: rule, Count: 1}, true, nil
	}

	window := storage.TimeWindow{
		End:        event.Timestamp,
		EndEventID: event.ID,
		Duration:   rule.Window(),
	}
	pred := func(candidate *schema.Event) bool {
		ok, err := rule.Matches(candidate)
		return err == nil && ok
	}

	var count int
	err = storage.Retry(ctx, e.retry, "count_matching", func(ctx context.Context) error {
		var err error
		count, err = e.store.CountMatching(ctx, event.SourceIdentity, pred, window)
		return err
	})
	if err != nil {
		return Match{}, false, err
	}
	if count < rule.Threshold {
		return Match{}, false, nil
	}

	// At most one alert per cause: a prior alert for this rule and source
	// inside the window already covers the burst.
	var recent bool
	err = storage.Retry(ctx, e.retry, "has_recent_alert", func(ctx context.Context) error {
		var err error
		recent, err = e.store.HasRecentAlert(ctx, rule.ID, event.SourceIdentity, window.Start(), window.End, event.ID)
		return err
	})
	if err != nil {
		return Match{}, false, err
	}
	if recent {
		e.logger.Debug("temporal match suppressed",
			"rule_id", rule.ID,
			"source_identity", event.SourceIdentity,
			"event_id", event.ID,
			"count", count,
		)
		if e.metrics != nil {
			e.metrics.AlertsSuppressed.WithLabelValues(rule.ID).Inc()
		}
		return Match{}, false, nil
	}

	return Match{Rule: rule, Count: count}, true, nil
}
