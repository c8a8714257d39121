package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AlertID is the deterministic identity of an alert: a SHA-256 over the
// triggering event's timestamp and the rule id.
type AlertID [sha256.Size]byte

// NewAlertID derives the alert id for an event timestamp and rule.
// Identical inputs always yield the identical id.
func NewAlertID(eventTimestamp time.Time, ruleID string) AlertID {
	key := eventTimestamp.UTC().Format(time.RFC3339Nano) + "-" + ruleID
	return AlertID(sha256.Sum256([]byte(key)))
}

// ParseAlertID parses the hex form produced by String.
func ParseAlertID(s string) (AlertID, error) {
	var id AlertID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid alert id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid alert id %q: want %d bytes, got %d", s, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the lowercase hex form.
func (id AlertID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the id is unset.
func (id AlertID) IsZero() bool {
	return id == AlertID{}
}

// MarshalText implements encoding.TextMarshaler.
func (id AlertID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AlertID) UnmarshalText(text []byte) error {
	parsed, err := ParseAlertID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Alert is a single rule-match finding.
type Alert struct {
	ID             AlertID   `json:"alert_id"`
	RuleID         string    `json:"rule_id"`
	Severity       Severity  `json:"severity"`
	SourceIdentity string    `json:"source_identity"`
	SourceEventID  int64     `json:"source_event_id"`
	EventTimestamp time.Time `json:"event_timestamp"`
	CreatedAt      time.Time `json:"created_at"`
	Correlated     bool      `json:"correlated"`
	// Dispatched is set once response hooks ran for the alert.
	Dispatched bool `json:"dispatched"`
}
