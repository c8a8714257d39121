// Package threat maintains the process-wide threat level.
package threat

import (
	"math"
	"sync/atomic"

	"threatline/internal/schema"
)

const (
	// MinLevel and MaxLevel bound the threat level.
	MinLevel = 0.0
	MaxLevel = 10.0

	// DefaultIncrement scales severity weights into level units.
	DefaultIncrement = 0.1
)

// DefaultWeights are the per-severity multipliers applied by Bump.
var DefaultWeights = map[schema.Severity]float64{
	schema.SeverityLow:      1,
	schema.SeverityMedium:   2,
	schema.SeverityHigh:     3,
	schema.SeverityCritical: 5,
}

// Config tunes how alerts move the level.
type Config struct {
	Increment float64                     `yaml:"increment" validate:"gt=0"`
	Weights   map[schema.Severity]float64 `yaml:"weights"`
}

// DefaultConfig returns the default increment and weights.
func DefaultConfig() Config {
	w := make(map[schema.Severity]float64, len(DefaultWeights))
	for k, v := range DefaultWeights {
		w[k] = v
	}
	return Config{Increment: DefaultIncrement, Weights: w}
}

// Level is a bounded scalar updated without locks. Reads never block writers.
type Level struct {
	bits      atomic.Uint64
	increment float64
	weights   map[schema.Severity]float64
}

// NewLevel creates a level at 0. Missing weights fall back to the defaults.
func NewLevel(cfg Config) *Level {
	if cfg.Increment <= 0 {
		cfg.Increment = DefaultIncrement
	}
	weights := make(map[schema.Severity]float64, len(DefaultWeights))
	for k, v := range DefaultWeights {
		weights[k] = v
	}
	for k, v := range cfg.Weights {
		weights[k] = v
	}
	return &Level{increment: cfg.Increment, weights: weights}
}

// Read returns the current level.
func (l *Level) Read() float64 {
	return math.Float64frombits(l.bits.Load())
}

// Delta returns the amount Bump adds for a severity.
func (l *Level) Delta(sev schema.Severity) float64 {
	return l.increment * l.weights[sev]
}

// Bump raises the level by the severity-weighted increment and returns the
// new value.
func (l *Level) Bump(sev schema.Severity) float64 {
	delta := l.Delta(sev)
	return l.update(func(cur float64) float64 { return cur + delta })
}

// Set replaces the level, clamped to the bounds.
func (l *Level) Set(v float64) float64 {
	return l.update(func(float64) float64 { return v })
}

// Decay multiplies the level by factor, for external schedulers that cool the
// level over time.
func (l *Level) Decay(factor float64) float64 {
	return l.update(func(cur float64) float64 { return cur * factor })
}

func (l *Level) update(fn func(float64) float64) float64 {
	for {
		old := l.bits.Load()
		next := clamp(fn(math.Float64frombits(old)))
		if l.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return next
		}
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < MinLevel {
		return MinLevel
	}
	if v > MaxLevel {
		return MaxLevel
	}
	return v
}
