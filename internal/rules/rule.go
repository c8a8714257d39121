// Package rules loads correlation rules and publishes them as immutable
// snapshots.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"threatline/internal/schema"
)

// DefaultMatchTimeout bounds a single pattern match.
const DefaultMatchTimeout = 500 * time.Millisecond

// ErrMatchTimeout is returned when a pattern exceeds its match timeout.
var ErrMatchTimeout = errors.New("rules: pattern match timeout")

// ConditionType selects how a condition compares a field.
type ConditionType string

const (
	ConditionEquals  ConditionType = "equals"
	ConditionPattern ConditionType = "pattern"
)

// Condition is a single field predicate.
type Condition struct {
	Field   string        `json:"field" yaml:"field" validate:"required"`
	Type    ConditionType `json:"type" yaml:"type" validate:"required,oneof=equals pattern"`
	Value   string        `json:"value,omitempty" yaml:"value,omitempty"`
	Pattern string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	re *regexp2.Regexp
}

// Rule is a correlation rule. A rule with a window is temporal: it only
// matches once Threshold events of the same source satisfy its conditions
// within the window ending at the evaluated event.
type Rule struct {
	ID            string          `json:"id" yaml:"id" validate:"required,max=128"`
	Name          string          `json:"name" yaml:"name"`
	Description   string          `json:"description,omitempty" yaml:"description,omitempty"`
	Conditions    []*Condition    `json:"conditions" yaml:"conditions" validate:"required,min=1,dive"`
	WindowMinutes int             `json:"window_minutes,omitempty" yaml:"window_minutes,omitempty" validate:"gte=0"`
	Timeframe     int             `json:"timeframe,omitempty" yaml:"timeframe,omitempty" validate:"gte=0"`
	Threshold     int             `json:"threshold,omitempty" yaml:"threshold,omitempty" validate:"gte=0"`
	Severity      schema.Severity `json:"severity" yaml:"severity" validate:"required"`
	Enabled       *bool           `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Tags          []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// IsEnabled reports whether the rule participates in evaluation. Rules are
// enabled unless they say otherwise.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Temporal reports whether the rule carries a window and threshold.
func (r *Rule) Temporal() bool {
	return r.WindowMinutes > 0
}

// Window returns the trailing window duration.
func (r *Rule) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// normalize folds aliases into canonical form before validation.
func (r *Rule) normalize() {
	r.ID = strings.TrimSpace(r.ID)
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.WindowMinutes == 0 && r.Timeframe > 0 {
		r.WindowMinutes = r.Timeframe
	}
	r.Timeframe = 0
	r.Severity = schema.Severity(strings.ToLower(strings.TrimSpace(string(r.Severity))))

	for _, c := range r.Conditions {
		if c == nil {
			continue
		}
		c.Type = ConditionType(strings.ToLower(strings.TrimSpace(string(c.Type))))
		if c.Type == "regex" {
			c.Type = ConditionPattern
		}
		if c.Type == ConditionPattern && c.Pattern == "" {
			c.Pattern = c.Value
		}
	}
}

// check enforces the cross-field constraints tags cannot express and compiles
// patterns.
func (r *Rule) check(timeout time.Duration) error {
	if !r.Severity.IsValid() {
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	if r.WindowMinutes > 0 && r.Threshold < 1 {
		return errors.New("threshold must be at least 1 when window_minutes is set")
	}
	if r.Threshold > 0 && r.WindowMinutes == 0 {
		return errors.New("window_minutes is required when threshold is set")
	}

	for i, c := range r.Conditions {
		if c == nil {
			return fmt.Errorf("condition %d: empty", i)
		}
		if c.Type != ConditionPattern {
			continue
		}
		if c.Pattern == "" {
			return fmt.Errorf("condition %d: pattern is required", i)
		}
		re, err := regexp2.Compile(`\A(?:`+c.Pattern+`)`, regexp2.None)
		if err != nil {
			return fmt.Errorf("condition %d: invalid pattern %q: %w", i, c.Pattern, err)
		}
		re.MatchTimeout = timeout
		c.re = re
	}
	return nil
}

// Matches evaluates the conditions in order. A missing field or failed
// predicate short-circuits to false.
func (r *Rule) Matches(event *schema.Event) (bool, error) {
	for _, c := range r.Conditions {
		ok, err := c.Matches(event)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Matches evaluates one condition against an event. Only an absent or null
// field is a non-match; an empty string is compared like any other value.
func (c *Condition) Matches(event *schema.Event) (bool, error) {
	v, ok := event.Field(c.Field)
	if !ok {
		return false, nil
	}
	s := schema.FormatValue(v)

	switch c.Type {
	case ConditionEquals:
		return s == c.Value, nil
	case ConditionPattern:
		if c.re == nil {
			return false, fmt.Errorf("rules: pattern %q not compiled", c.Pattern)
		}
		matched, err := c.re.MatchString(s)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "timeout") {
				return false, fmt.Errorf("%w: field %s pattern %q", ErrMatchTimeout, c.Field, c.Pattern)
			}
			return false, fmt.Errorf("rules: match field %s: %w", c.Field, err)
		}
		return matched, nil
	}
	return false, fmt.Errorf("rules: unknown condition type %q", c.Type)
}
