// Package response runs automated response hooks for critical alerts.
package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"threatline/internal/metrics"
	"threatline/internal/schema"
)

// ErrDispatch marks a hook failure. It is logged and counted, never returned
// to the pipeline.
var ErrDispatch = errors.New("response dispatch failed")

// Result is what a hook reports after acting on an alert.
type Result struct {
	// Action names what the hook did, e.g. "blocklisted".
	Action string
	// Detail is free-form context for logs.
	Detail string
	Err    error
}

// Hook acts on an alert.
type Hook interface {
	Act(ctx context.Context, alert *schema.Alert) Result
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, alert *schema.Alert) Result

// Act calls f.
func (f HookFunc) Act(ctx context.Context, alert *schema.Alert) Result {
	return f(ctx, alert)
}

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeRateLimited = "rate_limited"
	OutcomePanic       = "panic"
)

// Outcome is the result of one hook invocation.
type Outcome struct {
	Hook     string
	Outcome  string
	Result   Result
	Duration time.Duration
	Err      error
}

// Config configures a Dispatcher.
type Config struct {
	// HookTimeout bounds each hook invocation.
	HookTimeout time.Duration `yaml:"hook_timeout"`
	// RateLimit caps dispatches per second across all hooks; 0 disables it.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	// Burst is the limiter burst size.
	Burst int `yaml:"burst" validate:"gte=0"`
	// Hooks lists the hooks to build at startup.
	Hooks []HookConfig `yaml:"hooks" validate:"dive"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		HookTimeout: 5 * time.Second,
		RateLimit:   10,
		Burst:       20,
		Hooks:       []HookConfig{{Name: "log", Type: HookTypeLog}},
	}
}

type namedHook struct {
	name string
	hook Hook
}

// Dispatcher invokes every registered hook for an alert.
type Dispatcher struct {
	mu      sync.RWMutex
	hooks   []namedHook
	timeout time.Duration
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher with no hooks.
func NewDispatcher(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		timeout: cfg.HookTimeout,
		metrics: m,
		logger:  logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return d
}

// Register adds a hook under a unique name.
func (d *Dispatcher) Register(name string, hook Hook) error {
	if name == "" || hook == nil {
		return errors.New("response: hook name and hook are required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, h := range d.hooks {
		if h.name == name {
			return fmt.Errorf("response: hook %q already registered", name)
		}
	}
	d.hooks = append(d.hooks, namedHook{name: name, hook: hook})
	return nil
}

// Hooks returns the registered hook names in registration order.
func (d *Dispatcher) Hooks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, len(d.hooks))
	for i, h := range d.hooks {
		names[i] = h.name
	}
	return names
}

// Blocklists returns the registered blocklist hooks in registration order.
func (d *Dispatcher) Blocklists() Blocklists {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out Blocklists
	for _, h := range d.hooks {
		if b, ok := h.hook.(*RedisBlocklistHook); ok {
			out = append(out, b)
		}
	}
	return out
}

// Dispatch runs every hook concurrently and waits for them. Failures are
// logged and counted; the outcomes are returned for inspection only.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *schema.Alert) []Outcome {
	d.mu.RLock()
	hooks := make([]namedHook, len(d.hooks))
	copy(hooks, d.hooks)
	d.mu.RUnlock()

	outcomes := make([]Outcome, len(hooks))
	var wg sync.WaitGroup
	for i, h := range hooks {
		wg.Add(1)
		go func(i int, h namedHook) {
			defer wg.Done()
			outcomes[i] = d.invoke(ctx, h, alert)
			d.record(outcomes[i], alert)
		}(i, h)
	}
	wg.Wait()
	return outcomes
}

func (d *Dispatcher) invoke(ctx context.Context, h namedHook, alert *schema.Alert) Outcome {
	start := time.Now()
	out := Outcome{Hook: h.name}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			out.Outcome = OutcomeRateLimited
			out.Err = fmt.Errorf("%w: hook %s: rate limited: %v", ErrDispatch, h.name, err)
			out.Duration = time.Since(start)
			return out
		}
	}

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Outcome{
					Hook:    h.name,
					Outcome: OutcomePanic,
					Err:     fmt.Errorf("%w: hook %s panicked: %v", ErrDispatch, h.name, r),
				}
			}
		}()
		res := h.hook.Act(ctx, alert)
		o := Outcome{Hook: h.name, Outcome: OutcomeOK, Result: res}
		if res.Err != nil {
			o.Outcome = OutcomeError
			o.Err = fmt.Errorf("%w: hook %s: %w", ErrDispatch, h.name, res.Err)
		}
		done <- o
	}()

	select {
	case out = <-done:
	case <-ctx.Done():
		out.Outcome = OutcomeTimeout
		out.Err = fmt.Errorf("%w: hook %s: %w", ErrDispatch, h.name, ctx.Err())
	}
	out.Duration = time.Since(start)
	return out
}

func (d *Dispatcher) record(o Outcome, alert *schema.Alert) {
	if d.metrics != nil {
		d.metrics.DispatchResults.WithLabelValues(o.Hook, o.Outcome).Inc()
	}

	if o.Err != nil {
		d.logger.Error("response hook failed",
			"hook", o.Hook,
			"outcome", o.Outcome,
			"alert_id", alert.ID.String(),
			"rule_id", alert.RuleID,
			"source_identity", alert.SourceIdentity,
			"duration", o.Duration,
			"error", o.Err,
		)
		return
	}

	d.logger.Info("response hook executed",
		"hook", o.Hook,
		"action", o.Result.Action,
		"alert_id", alert.ID.String(),
		"source_identity", alert.SourceIdentity,
		"duration", o.Duration,
	)
}
