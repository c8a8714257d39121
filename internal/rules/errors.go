package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRules is returned when loading yields an empty catalog.
	ErrNoRules = errors.New("no rules loaded")

	// ErrDuplicateRule is returned when two rules share an id.
	ErrDuplicateRule = errors.New("duplicate rule id")

	// ErrInvalidRule is returned when a rule fails validation.
	ErrInvalidRule = errors.New("invalid rule")
)

// LoadError describes why a rule set could not be loaded. It is fatal at
// startup; on reload the previous snapshot stays active.
type LoadError struct {
	Path   string
	RuleID string
	Err    error
}

func (e *LoadError) Error() string {
	switch {
	case e.Path != "" && e.RuleID != "":
		return fmt.Sprintf("rules: %s: rule %q: %v", e.Path, e.RuleID, e.Err)
	case e.Path != "":
		return fmt.Sprintf("rules: %s: %v", e.Path, e.Err)
	case e.RuleID != "":
		return fmt.Sprintf("rules: rule %q: %v", e.RuleID, e.Err)
	}
	return fmt.Sprintf("rules: %v", e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError reports whether err is or wraps a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
