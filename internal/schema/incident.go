package schema

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"
)

// IncidentStatus is the triage state of an incident. The core only creates
// open incidents; closing them is left to responders.
type IncidentStatus string

const IncidentStatusOpen IncidentStatus = "open"

// incidentNamespace scopes the name-based incident ids.
var incidentNamespace = uuid.MustParse("5b0c3f8e-9d2a-4c6e-8f1b-7a3d2e4c9b10")

// Incident aggregates related alerts from one source for response.
type Incident struct {
	ID             uuid.UUID      `json:"incident_id"`
	SourceIdentity string         `json:"source_identity"`
	AlertIDs       []AlertID      `json:"alert_ids"`
	AlertCount     int            `json:"alert_count"`
	Severity       Severity       `json:"severity"`
	Status         IncidentStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewIncident builds an open incident from a group of alerts sharing a source.
// The id is derived from the member set, so rebuilding the same group yields
// the same incident.
func NewIncident(sourceIdentity string, alerts []*Alert, createdAt time.Time) *Incident {
	ids := make([]AlertID, 0, len(alerts))
	seen := make(map[AlertID]struct{}, len(alerts))
	var sev Severity
	for _, a := range alerts {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		ids = append(ids, a.ID)
		sev = MaxSeverity(sev, a.Severity)
	}
	SortAlertIDs(ids)

	return &Incident{
		ID:             IncidentID(ids),
		SourceIdentity: sourceIdentity,
		AlertIDs:       ids,
		AlertCount:     len(ids),
		Severity:       sev,
		Status:         IncidentStatusOpen,
		CreatedAt:      createdAt,
	}
}

// IncidentID derives the incident id from a sorted set of alert ids.
func IncidentID(sorted []AlertID) uuid.UUID {
	buf := make([]byte, 0, len(sorted)*len(AlertID{}))
	for _, id := range sorted {
		buf = append(buf, id[:]...)
	}
	return uuid.NewSHA1(incidentNamespace, buf)
}

// SortAlertIDs sorts ids in byte order.
func SortAlertIDs(ids []AlertID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
