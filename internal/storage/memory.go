package storage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"threatline/internal/schema"
)

type eventRow struct {
	event      schema.Event
	leaseUntil time.Time
}

type alertRow struct {
	alert      schema.Alert
	leaseUntil time.Time
}

// MemoryStore keeps events, alerts and incidents in process memory. Events
// live in an arena indexed by id with secondary indexes on processed state
// and source identity. Each record kind has its own lock.
type MemoryStore struct {
	opts   options
	closed atomic.Bool

	eventsMu sync.RWMutex
	events   []*eventRow        // arena, id = index+1
	pending  map[int64]struct{} // unprocessed ids
	bySource map[string][]int64 // ordered by (timestamp, id)
	// queue holds claimable ids in ascending order. Processed ids are
	// dropped lazily by the next claim that walks past them.
	queue []int64

	alertsMu     sync.RWMutex
	alerts       map[schema.AlertID]*alertRow
	alertOrder   []schema.AlertID
	uncorrelated map[schema.AlertID]struct{}
	byRule       map[string][]schema.AlertID // rule id + source

	incidentsMu   sync.RWMutex
	incidents     map[uuid.UUID]*schema.Incident
	incidentOrder []uuid.UUID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:         applyOptions(opts),
		pending:      make(map[int64]struct{}),
		bySource:     make(map[string][]int64),
		alerts:       make(map[schema.AlertID]*alertRow),
		uncorrelated: make(map[schema.AlertID]struct{}),
		byRule:       make(map[string][]schema.AlertID),
		incidents:    make(map[uuid.UUID]*schema.Incident),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) check(ctx context.Context, op string) error {
	if s.closed.Load() {
		return NewStorageError(op, "", ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return NewStorageError(op, "", err)
	}
	return nil
}

// Append stores a copy of the event and returns its id.
func (s *MemoryStore) Append(ctx context.Context, event *schema.Event) (int64, error) {
	if err := s.check(ctx, "Append"); err != nil {
		return 0, err
	}
	if event == nil {
		return 0, NewStorageError("Append", "events", ErrInvalidData)
	}

	now := s.opts.now().UTC()
	row := &eventRow{event: cloneEvent(event)}
	if row.event.Timestamp.IsZero() {
		row.event.Timestamp = now
	}
	if row.event.ReceivedAt.IsZero() {
		row.event.ReceivedAt = now
	}
	row.event.Processed = false

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	s.events = append(s.events, row)
	id := int64(len(s.events))
	row.event.ID = id
	s.pending[id] = struct{}{}
	s.queue = append(s.queue, id)
	s.indexSourceLocked(row)

	return id, nil
}

func (s *MemoryStore) indexSourceLocked(row *eventRow) {
	ids := s.bySource[row.event.SourceIdentity]
	ts := row.event.Timestamp
	i := sort.Search(len(ids), func(i int) bool {
		other := &s.events[ids[i]-1].event
		if other.Timestamp.Equal(ts) {
			return other.ID > row.event.ID
		}
		return other.Timestamp.After(ts)
	})
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = row.event.ID
	s.bySource[row.event.SourceIdentity] = ids
}

// ClaimUnprocessed leases up to limit pending events no older than maxAge.
// The clock only moves forward, so an event found past maxAge is retired from
// the claim queue for good. It stays unprocessed and readable.
func (s *MemoryStore) ClaimUnprocessed(ctx context.Context, maxAge time.Duration, limit int) ([]*schema.Event, error) {
	if err := s.check(ctx, "ClaimUnprocessed"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	now := s.opts.now()
	var cutoff time.Time
	if maxAge > 0 {
		cutoff = now.Add(-maxAge)
	}

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	claimed := make([]*schema.Event, 0, min(limit, len(s.queue)))
	kept := s.queue[:0]
	for i, id := range s.queue {
		if len(claimed) >= limit {
			kept = append(kept, s.queue[i:]...)
			break
		}
		if _, ok := s.pending[id]; !ok {
			continue
		}
		row := s.events[id-1]
		if !cutoff.IsZero() && row.event.Timestamp.Before(cutoff) && !row.leaseUntil.After(now) {
			continue
		}
		kept = append(kept, id)
		if row.leaseUntil.After(now) {
			continue
		}
		row.leaseUntil = now.Add(s.opts.lease)
		ev := cloneEvent(&row.event)
		claimed = append(claimed, &ev)
	}
	s.queue = kept

	return claimed, nil
}

// MarkProcessed flips the processed flag and drops the lease.
func (s *MemoryStore) MarkProcessed(ctx context.Context, id int64) error {
	if err := s.check(ctx, "MarkProcessed"); err != nil {
		return err
	}

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	if id <= 0 || id > int64(len(s.events)) {
		return WrapNotFoundError("MarkProcessed", "events", formatInt(id))
	}
	row := s.events[id-1]
	row.event.Processed = true
	row.leaseUntil = time.Time{}
	delete(s.pending, id)
	return nil
}

// ReleaseClaims clears leases of events that are still unprocessed.
func (s *MemoryStore) ReleaseClaims(ctx context.Context, ids []int64) error {
	if err := s.check(ctx, "ReleaseClaims"); err != nil {
		return err
	}

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	for _, id := range ids {
		if _, ok := s.pending[id]; ok {
			s.events[id-1].leaseUntil = time.Time{}
		}
	}
	return nil
}

// CountMatching counts a source's events in the window that satisfy pred.
func (s *MemoryStore) CountMatching(ctx context.Context, sourceIdentity string, pred Predicate, window TimeWindow) (int, error) {
	if err := s.check(ctx, "CountMatching"); err != nil {
		return 0, err
	}

	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	ids := s.bySource[sourceIdentity]
	start := window.Start()
	i := sort.Search(len(ids), func(i int) bool {
		return !s.events[ids[i]-1].event.Timestamp.Before(start)
	})

	count := 0
	for ; i < len(ids); i++ {
		ev := &s.events[ids[i]-1].event
		if ev.Timestamp.After(window.End) {
			break
		}
		if !window.Contains(ev.Timestamp, ev.ID) {
			continue
		}
		if pred == nil || pred(ev) {
			count++
		}
	}
	return count, nil
}

// GetEvent returns a copy of a stored event.
func (s *MemoryStore) GetEvent(ctx context.Context, id int64) (*schema.Event, error) {
	if err := s.check(ctx, "GetEvent"); err != nil {
		return nil, err
	}

	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()

	if id <= 0 || id > int64(len(s.events)) {
		return nil, WrapNotFoundError("GetEvent", "events", formatInt(id))
	}
	ev := cloneEvent(&s.events[id-1].event)
	return &ev, nil
}

// UpsertAlert inserts the alert unless its id is already stored.
func (s *MemoryStore) UpsertAlert(ctx context.Context, alert *schema.Alert) (bool, error) {
	if err := s.check(ctx, "UpsertAlert"); err != nil {
		return false, err
	}
	if alert == nil || alert.ID.IsZero() {
		return false, NewStorageError("UpsertAlert", "alerts", ErrInvalidData)
	}

	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()

	if _, ok := s.alerts[alert.ID]; ok {
		return false, nil
	}

	row := &alertRow{alert: *alert}
	if row.alert.CreatedAt.IsZero() {
		row.alert.CreatedAt = s.opts.now().UTC()
	}
	s.alerts[alert.ID] = row
	s.alertOrder = append(s.alertOrder, alert.ID)
	if !row.alert.Correlated {
		s.uncorrelated[alert.ID] = struct{}{}
	}
	key := ruleSourceKey(alert.RuleID, alert.SourceIdentity)
	s.byRule[key] = append(s.byRule[key], alert.ID)

	return true, nil
}

// MarkDispatched sets the dispatched flag of a stored alert.
func (s *MemoryStore) MarkDispatched(ctx context.Context, id schema.AlertID) error {
	if err := s.check(ctx, "MarkDispatched"); err != nil {
		return err
	}

	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()

	row, ok := s.alerts[id]
	if !ok {
		return WrapNotFoundError("MarkDispatched", "alerts", id.String())
	}
	row.alert.Dispatched = true
	return nil
}

// GetAlert returns a stored alert by id.
func (s *MemoryStore) GetAlert(ctx context.Context, id schema.AlertID) (*schema.Alert, error) {
	if err := s.check(ctx, "GetAlert"); err != nil {
		return nil, err
	}

	s.alertsMu.RLock()
	defer s.alertsMu.RUnlock()

	row, ok := s.alerts[id]
	if !ok {
		return nil, WrapNotFoundError("GetAlert", "alerts", id.String())
	}
	a := row.alert
	return &a, nil
}

// HasRecentAlert reports whether rule already fired for source in the range.
func (s *MemoryStore) HasRecentAlert(ctx context.Context, ruleID, sourceIdentity string, since, until time.Time, excludeEventID int64) (bool, error) {
	if err := s.check(ctx, "HasRecentAlert"); err != nil {
		return false, err
	}

	s.alertsMu.RLock()
	defer s.alertsMu.RUnlock()

	for _, id := range s.byRule[ruleSourceKey(ruleID, sourceIdentity)] {
		a := &s.alerts[id].alert
		if a.SourceEventID == excludeEventID {
			continue
		}
		if a.EventTimestamp.Before(since) || a.EventTimestamp.After(until) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// ClaimUncorrelated leases up to limit uncorrelated alerts in creation order.
func (s *MemoryStore) ClaimUncorrelated(ctx context.Context, limit int) ([]*schema.Alert, error) {
	if err := s.check(ctx, "ClaimUncorrelated"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	now := s.opts.now()

	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()

	var claimed []*schema.Alert
	for _, id := range s.alertOrder {
		if len(claimed) >= limit {
			break
		}
		if _, ok := s.uncorrelated[id]; !ok {
			continue
		}
		row := s.alerts[id]
		if row.leaseUntil.After(now) {
			continue
		}
		row.leaseUntil = now.Add(s.opts.lease)
		a := row.alert
		claimed = append(claimed, &a)
	}
	return claimed, nil
}

// MarkCorrelated flips the correlated flag on every listed alert.
func (s *MemoryStore) MarkCorrelated(ctx context.Context, ids []schema.AlertID) error {
	if err := s.check(ctx, "MarkCorrelated"); err != nil {
		return err
	}

	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()

	for _, id := range ids {
		row, ok := s.alerts[id]
		if !ok {
			continue
		}
		row.alert.Correlated = true
		row.leaseUntil = time.Time{}
		delete(s.uncorrelated, id)
	}
	return nil
}

// ReleaseAlertClaims clears leases of alerts that are still uncorrelated.
func (s *MemoryStore) ReleaseAlertClaims(ctx context.Context, ids []schema.AlertID) error {
	if err := s.check(ctx, "ReleaseAlertClaims"); err != nil {
		return err
	}

	s.alertsMu.Lock()
	defer s.alertsMu.Unlock()

	for _, id := range ids {
		if _, ok := s.uncorrelated[id]; ok {
			s.alerts[id].leaseUntil = time.Time{}
		}
	}
	return nil
}

// ListAlerts returns alerts newest first.
func (s *MemoryStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*schema.Alert, error) {
	if err := s.check(ctx, "ListAlerts"); err != nil {
		return nil, err
	}

	s.alertsMu.RLock()
	defer s.alertsMu.RUnlock()

	var out []*schema.Alert
	for i := len(s.alertOrder) - 1; i >= 0; i-- {
		a := s.alerts[s.alertOrder[i]].alert
		if !matchAlert(&a, filter) {
			continue
		}
		out = append(out, &a)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// CreateIncident stores the incident unless its id exists.
func (s *MemoryStore) CreateIncident(ctx context.Context, incident *schema.Incident) (bool, error) {
	if err := s.check(ctx, "CreateIncident"); err != nil {
		return false, err
	}
	if incident == nil || incident.ID == uuid.Nil {
		return false, NewStorageError("CreateIncident", "incidents", ErrInvalidData)
	}

	s.incidentsMu.Lock()
	defer s.incidentsMu.Unlock()

	if _, ok := s.incidents[incident.ID]; ok {
		return false, nil
	}
	inc := cloneIncident(incident)
	s.incidents[inc.ID] = inc
	s.incidentOrder = append(s.incidentOrder, inc.ID)
	return true, nil
}

// GetIncident returns a stored incident by id.
func (s *MemoryStore) GetIncident(ctx context.Context, id uuid.UUID) (*schema.Incident, error) {
	if err := s.check(ctx, "GetIncident"); err != nil {
		return nil, err
	}

	s.incidentsMu.RLock()
	defer s.incidentsMu.RUnlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, WrapNotFoundError("GetIncident", "incidents", id.String())
	}
	return cloneIncident(inc), nil
}

// ListIncidents returns incidents newest first.
func (s *MemoryStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*schema.Incident, error) {
	if err := s.check(ctx, "ListIncidents"); err != nil {
		return nil, err
	}

	s.incidentsMu.RLock()
	defer s.incidentsMu.RUnlock()

	var out []*schema.Incident
	for i := len(s.incidentOrder) - 1; i >= 0; i-- {
		inc := s.incidents[s.incidentOrder[i]]
		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}
		if filter.Source != "" && inc.SourceIdentity != filter.Source {
			continue
		}
		out = append(out, cloneIncident(inc))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Ping reports whether the store is open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.check(ctx, "Ping")
}

// Close marks the store closed. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

func ruleSourceKey(ruleID, source string) string {
	return ruleID + "\x00" + source
}

func matchAlert(a *schema.Alert, f AlertFilter) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && a.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

func cloneEvent(e *schema.Event) schema.Event {
	out := *e
	if e.Fields != nil {
		out.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

func cloneIncident(inc *schema.Incident) *schema.Incident {
	out := *inc
	out.AlertIDs = append([]schema.AlertID(nil), inc.AlertIDs...)
	return &out
}
