// Package errors keeps internal details out of error messages returned to
// API clients.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Details of the store, brokers and credentials.
	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|sqlite|clickhouse|database|kafka:|s3:|connection string|password=|secret=|token=|api[_-]?key=)`)
)

// userFacing lists message fragments that are safe to return verbatim.
var userFacing = []string{
	"not found",
	"invalid",
	"unknown severity",
	"unknown status",
	"limit must be",
	"no rule",
}

// Sanitizer rewrites error text for clients. Outside production mode it
// passes everything through for debugging.
type Sanitizer struct {
	production bool
}

// NewSanitizer returns a Sanitizer for the given mode.
func NewSanitizer(production bool) *Sanitizer {
	return &Sanitizer{production: production}
}

// IsProduction returns true if running in production mode.
func (s *Sanitizer) IsProduction() bool {
	return s.production
}

// Error returns a sanitized copy of err.
func (s *Sanitizer) Error(err error) error {
	if err == nil {
		return nil
	}
	if !s.production {
		return err
	}
	return errors.New(s.String(err.Error()))
}

// String removes file paths, host addresses and store details from str.
func (s *Sanitizer) String(str string) string {
	if !s.production {
		return str
	}

	// Keep only the file name
	str = filePathPattern.ReplaceAllStringFunc(str, func(match string) string {
		return filepath.Base(match)
	})

	// Keep the first two octets for context
	str = ipPattern.ReplaceAllStringFunc(str, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	if internalErrorPattern.MatchString(str) {
		str = "storage operation failed"
	}

	if strings.Contains(str, "goroutine") || strings.Count(str, "\n") > 3 {
		str = "internal server error - operation failed"
	}

	return str
}

// Wrap adds context to err and sanitizes the result.
func (s *Sanitizer) Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return s.Error(fmt.Errorf("%s: %w", message, err))
}

// Message returns a client-safe message. Known client errors pass through,
// everything else is sanitized.
func (s *Sanitizer) Message(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, safe := range userFacing {
		if strings.Contains(lower, safe) && !internalErrorPattern.MatchString(msg) {
			return msg
		}
	}

	return s.String(msg)
}
