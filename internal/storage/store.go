package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"threatline/internal/schema"
)

// DefaultLeaseDuration is how long a claim keeps a row away from other
// claimers before it becomes reclaimable.
const DefaultLeaseDuration = 2 * time.Minute

// Predicate selects events for a windowed count.
type Predicate func(*schema.Event) bool

// TimeWindow is the trailing window ending at an evaluated event. Events with
// a timestamp in [End-Duration, End] count, and events sharing End count only
// up to and including EndEventID.
type TimeWindow struct {
	End        time.Time
	EndEventID int64
	Duration   time.Duration
}

// Start returns the inclusive lower bound of the window.
func (w TimeWindow) Start() time.Time {
	return w.End.Add(-w.Duration)
}

// Contains reports whether an event at ts with the given id lies in the window.
func (w TimeWindow) Contains(ts time.Time, id int64) bool {
	if ts.Before(w.Start()) || ts.After(w.End) {
		return false
	}
	if ts.Equal(w.End) && w.EndEventID > 0 && id > w.EndEventID {
		return false
	}
	return true
}

// EventStore is the append-mostly log of normalized events.
type EventStore interface {
	// Append assigns an id and stores the event unprocessed. A zero timestamp
	// defaults to the ingestion time.
	Append(ctx context.Context, event *schema.Event) (int64, error)

	// ClaimUnprocessed leases up to limit unprocessed events no older than
	// maxAge, ordered by id.
	ClaimUnprocessed(ctx context.Context, maxAge time.Duration, limit int) ([]*schema.Event, error)

	// MarkProcessed is idempotent.
	MarkProcessed(ctx context.Context, id int64) error

	// ReleaseClaims makes claimed but unprocessed events reclaimable now.
	ReleaseClaims(ctx context.Context, ids []int64) error

	// CountMatching counts events of a source inside the window that satisfy pred.
	CountMatching(ctx context.Context, sourceIdentity string, pred Predicate, window TimeWindow) (int, error)

	// GetEvent returns a stored event by id.
	GetEvent(ctx context.Context, id int64) (*schema.Event, error)
}

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	Severity schema.Severity
	Since    time.Time
	Until    time.Time
	Limit    int
}

// AlertStore persists alerts keyed by their deterministic id.
type AlertStore interface {
	// UpsertAlert inserts the alert unless its id exists. created reports
	// whether this call inserted it.
	UpsertAlert(ctx context.Context, alert *schema.Alert) (created bool, err error)

	GetAlert(ctx context.Context, id schema.AlertID) (*schema.Alert, error)

	// HasRecentAlert reports whether an alert for rule and source exists whose
	// triggering event timestamp lies in [since, until], ignoring alerts raised
	// by excludeEventID.
	HasRecentAlert(ctx context.Context, ruleID, sourceIdentity string, since, until time.Time, excludeEventID int64) (bool, error)

	// ClaimUncorrelated leases up to limit uncorrelated alerts in creation order.
	ClaimUncorrelated(ctx context.Context, limit int) ([]*schema.Alert, error)

	// MarkCorrelated is idempotent.
	MarkCorrelated(ctx context.Context, ids []schema.AlertID) error

	// MarkDispatched records that response hooks ran for the alert.
	MarkDispatched(ctx context.Context, id schema.AlertID) error

	// ReleaseAlertClaims makes claimed but uncorrelated alerts reclaimable now.
	ReleaseAlertClaims(ctx context.Context, ids []schema.AlertID) error

	ListAlerts(ctx context.Context, filter AlertFilter) ([]*schema.Alert, error)
}

// IncidentFilter narrows ListIncidents. Zero values match everything.
type IncidentFilter struct {
	Status schema.IncidentStatus
	Source string
	Limit  int
}

// IncidentStore persists incidents.
type IncidentStore interface {
	// CreateIncident is idempotent on the incident id.
	CreateIncident(ctx context.Context, incident *schema.Incident) (created bool, err error)

	GetIncident(ctx context.Context, id uuid.UUID) (*schema.Incident, error)

	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*schema.Incident, error)
}

// Store combines all persistence used by the engine.
type Store interface {
	EventStore
	AlertStore
	IncidentStore

	Ping(ctx context.Context) error
	Close() error
}
