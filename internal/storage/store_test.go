package storage

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threatline/internal/schema"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, opts ...Option) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, opts ...Option) Store {
			s := NewMemoryStore(opts...)
			t.Cleanup(func() { s.Close() })
			return s
		},
		"sqlite": func(t *testing.T, opts ...Option) Store {
			cfg := DefaultSQLiteConfig()
			cfg.Path = filepath.Join(t.TempDir(), "threatline.db")
			cfg.LeaseTimeout = 0
			s, err := NewSQLiteStore(cfg, opts...)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory)
		})
	}
}

func authEvent(source string, ts time.Time, outcome string) *schema.Event {
	return &schema.Event{
		Timestamp:      ts,
		SourceIdentity: source,
		Type:           schema.EventTypeAuth,
		Fields:         map[string]any{"outcome": outcome, "user": "root"},
	}
}

func TestStore_AppendAssignsIDsAndDefaults(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		clock := &fakeClock{now: baseTime}
		s := newStore(t, WithClock(clock.Now))
		ctx := context.Background()

		id1, err := s.Append(ctx, authEvent("10.0.0.5", baseTime.Add(-time.Minute), "failure"))
		require.NoError(t, err)
		id2, err := s.Append(ctx, &schema.Event{SourceIdentity: "10.0.0.6", Type: schema.EventTypeFlow})
		require.NoError(t, err)
		assert.Greater(t, id2, id1)

		got, err := s.GetEvent(ctx, id2)
		require.NoError(t, err)
		assert.True(t, got.Timestamp.Equal(baseTime), "zero timestamp defaults to ingestion time")
		assert.False(t, got.Processed)

		got, err = s.GetEvent(ctx, id1)
		require.NoError(t, err)
		assert.Equal(t, "failure", schema.FormatValue(got.Fields["outcome"]))
		assert.Equal(t, schema.EventTypeAuth, got.Type)

		_, err = s.GetEvent(ctx, 999)
		assert.True(t, IsNotFound(err))
	})
}

func TestStore_ClaimLeaseAndRelease(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		clock := &fakeClock{now: baseTime}
		s := newStore(t, WithClock(clock.Now), WithLeaseDuration(time.Minute))
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			_, err := s.Append(ctx, authEvent("10.0.0.5", baseTime.Add(time.Duration(i)*time.Second), "failure"))
			require.NoError(t, err)
		}

		first, err := s.ClaimUnprocessed(ctx, 5*time.Minute, 3)
		require.NoError(t, err)
		require.Len(t, first, 3)
		assert.Equal(t, []int64{1, 2, 3}, eventIDs(first))

		second, err := s.ClaimUnprocessed(ctx, 5*time.Minute, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{4, 5}, eventIDs(second))

		none, err := s.ClaimUnprocessed(ctx, 5*time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, none, "leased events are not reclaimable")

		require.NoError(t, s.MarkProcessed(ctx, 1))
		require.NoError(t, s.MarkProcessed(ctx, 1), "MarkProcessed is idempotent")
		require.NoError(t, s.ReleaseClaims(ctx, []int64{1, 2}))

		again, err := s.ClaimUnprocessed(ctx, 5*time.Minute, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, eventIDs(again), "released unprocessed events are reclaimable")

		clock.Advance(2 * time.Minute)
		expired, err := s.ClaimUnprocessed(ctx, 10*time.Minute, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3, 4, 5}, eventIDs(expired), "expired leases are reclaimable")
	})
}

func TestStore_ClaimHonorsMaxAge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		clock := &fakeClock{now: baseTime}
		s := newStore(t, WithClock(clock.Now))
		ctx := context.Background()

		_, err := s.Append(ctx, authEvent("a", baseTime.Add(-10*time.Minute), "failure"))
		require.NoError(t, err)
		recent, err := s.Append(ctx, authEvent("a", baseTime.Add(-time.Minute), "failure"))
		require.NoError(t, err)

		claimed, err := s.ClaimUnprocessed(ctx, 5*time.Minute, 10)
		require.NoError(t, err)
		assert.Equal(t, []int64{recent}, eventIDs(claimed))
	})
}

func TestStore_ConcurrentClaimsPartition(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		s := newStore(t)
		ctx := context.Background()

		const total = 200
		for i := 0; i < total; i++ {
			_, err := s.Append(ctx, authEvent("10.0.0.5", time.Now(), "failure"))
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = make(map[int64]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					batch, err := s.ClaimUnprocessed(ctx, time.Hour, 7)
					if err != nil {
						t.Errorf("ClaimUnprocessed() error = %v", err)
						return
					}
					if len(batch) == 0 {
						return
					}
					mu.Lock()
					for _, ev := range batch {
						seen[ev.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "event %d claimed %d times", id, n)
		}
	})
}

func TestStore_CountMatchingWindow(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		s := newStore(t)
		ctx := context.Background()

		var ids []int64
		for i := 0; i < 6; i++ {
			id, err := s.Append(ctx, authEvent("10.0.0.5", baseTime.Add(time.Duration(i)*time.Minute), "failure"))
			require.NoError(t, err)
			ids = append(ids, id)
		}
		// Same timestamp as the last failure but appended later.
		tieID, err := s.Append(ctx, authEvent("10.0.0.5", baseTime.Add(5*time.Minute), "failure"))
		require.NoError(t, err)
		_, err = s.Append(ctx, authEvent("10.0.0.5", baseTime.Add(2*time.Minute), "success"))
		require.NoError(t, err)
		_, err = s.Append(ctx, authEvent("10.0.0.9", baseTime.Add(2*time.Minute), "failure"))
		require.NoError(t, err)

		failures := func(e *schema.Event) bool {
			return schema.FormatValue(e.Fields["outcome"]) == "failure"
		}

		window := TimeWindow{End: baseTime.Add(5 * time.Minute), EndEventID: ids[5], Duration: 5 * time.Minute}
		n, err := s.CountMatching(ctx, "10.0.0.5", failures, window)
		require.NoError(t, err)
		assert.Equal(t, 6, n, "window is inclusive at both ends and excludes later ties")

		window.EndEventID = tieID
		n, err = s.CountMatching(ctx, "10.0.0.5", failures, window)
		require.NoError(t, err)
		assert.Equal(t, 7, n)

		window = TimeWindow{End: baseTime.Add(4 * time.Minute), EndEventID: ids[4], Duration: 2 * time.Minute}
		n, err = s.CountMatching(ctx, "10.0.0.5", nil, window)
		require.NoError(t, err)
		assert.Equal(t, 4, n, "nil predicate counts every event of the source")
	})
}

func TestStore_AlertUpsertIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		s := newStore(t)
		ctx := context.Background()

		alert := testAlert("brute_force", "10.0.0.5", baseTime, 7, schema.SeverityHigh)
		created, err := s.UpsertAlert(ctx, alert)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.UpsertAlert(ctx, alert)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := s.GetAlert(ctx, alert.ID)
		require.NoError(t, err)
		assert.Equal(t, alert.ID, got.ID)
		assert.Equal(t, schema.SeverityHigh, got.Severity)
		assert.True(t, got.EventTimestamp.Equal(baseTime))

		_, err = s.GetAlert(ctx, schema.NewAlertID(baseTime, "other"))
		assert.True(t, IsNotFound(err))
	})
}

func TestStore_MarkDispatched(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		s := newStore(t)
		ctx := context.Background()

		alert := testAlert("lateral_movement", "10.0.0.5", baseTime, 9, schema.SeverityCritical)
		_, err := s.UpsertAlert(ctx, alert)
		require.NoError(t, err)

		got, err := s.GetAlert(ctx, alert.ID)
		require.NoError(t, err)
		assert.False(t, got.Dispatched)

		require.NoError(t, s.MarkDispatched(ctx, alert.ID))
		require.NoError(t, s.MarkDispatched(ctx, alert.ID))
		got, err = s.GetAlert(ctx, alert.ID)
		require.NoError(t, err)
		assert.True(t, got.Dispatched)

		err = s.MarkDispatched(ctx, schema.NewAlertID(baseTime, "other"))
		assert.True(t, IsNotFound(err))
	})
}

func TestStore_HasRecentAlert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.UpsertAlert(ctx, testAlert("brute_force", "10.0.0.5", baseTime, 7, schema.SeverityHigh))
		require.NoError(t, err)

		since, until := baseTime.Add(-time.Minute), baseTime.Add(time.Minute)

		ok, err := s.HasRecentAlert(ctx, "brute_force", "10.0.0.5", since, until, 8)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.HasRecentAlert(ctx, "brute_force", "10.0.0.5", since, until, 7)
		require.NoError(t, err)
		assert.False(t, ok, "alerts of the excluded event are ignored")

		ok, err = s.HasRecentAlert(ctx, "brute_force", "10.0.0.6", since, until, 8)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.HasRecentAlert(ctx, "brute_force", "10.0.0.5", baseTime.Add(time.Second), until, 8)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_AlertClaimAndCorrelate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		clock := &fakeClock{now: baseTime}
		s := newStore(t, WithClock(clock.Now), WithLeaseDuration(time.Minute))
		ctx := context.Background()

		var alerts []*schema.Alert
		for i := 0; i < 4; i++ {
			a := testAlert("r", "src", baseTime.Add(time.Duration(i)*time.Second), int64(i+1), schema.SeverityLow)
			a.CreatedAt = baseTime.Add(time.Duration(i) * time.Millisecond)
			_, err := s.UpsertAlert(ctx, a)
			require.NoError(t, err)
			alerts = append(alerts, a)
		}

		claimed, err := s.ClaimUncorrelated(ctx, 3)
		require.NoError(t, err)
		require.Len(t, claimed, 3)
		assert.Equal(t, alerts[0].ID, claimed[0].ID, "claims follow creation order")

		rest, err := s.ClaimUncorrelated(ctx, 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, alerts[3].ID, rest[0].ID)

		require.NoError(t, s.MarkCorrelated(ctx, []schema.AlertID{alerts[0].ID, alerts[1].ID}))
		require.NoError(t, s.ReleaseAlertClaims(ctx, []schema.AlertID{alerts[0].ID, alerts[2].ID}))

		again, err := s.ClaimUncorrelated(ctx, 10)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, alerts[2].ID, again[0].ID)

		got, err := s.GetAlert(ctx, alerts[0].ID)
		require.NoError(t, err)
		assert.True(t, got.Correlated)

		clock.Advance(2 * time.Minute)
		expired, err := s.ClaimUncorrelated(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, expired, 2)
	})
}

func TestStore_ListAlertsFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		s := newStore(t)
		ctx := context.Background()

		sevs := []schema.Severity{schema.SeverityLow, schema.SeverityHigh, schema.SeverityHigh, schema.SeverityCritical}
		for i, sev := range sevs {
			a := testAlert("r", "src", baseTime.Add(time.Duration(i)*time.Second), int64(i+1), sev)
			a.CreatedAt = baseTime.Add(time.Duration(i) * time.Minute)
			_, err := s.UpsertAlert(ctx, a)
			require.NoError(t, err)
		}

		all, err := s.ListAlerts(ctx, AlertFilter{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, schema.SeverityCritical, all[0].Severity, "newest first")

		high, err := s.ListAlerts(ctx, AlertFilter{Severity: schema.SeverityHigh})
		require.NoError(t, err)
		assert.Len(t, high, 2)

		ranged, err := s.ListAlerts(ctx, AlertFilter{Since: baseTime.Add(time.Minute), Until: baseTime.Add(2 * time.Minute)})
		require.NoError(t, err)
		assert.Len(t, ranged, 2)

		limited, err := s.ListAlerts(ctx, AlertFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestStore_Incidents(t *testing.T) {
	forEachBackend(t, func(t *testing.T, newStore storeFactory) {
		s := newStore(t)
		ctx := context.Background()

		members := []*schema.Alert{
			testAlert("a", "10.0.0.5", baseTime, 1, schema.SeverityLow),
			testAlert("b", "10.0.0.5", baseTime, 2, schema.SeverityHigh),
			testAlert("c", "10.0.0.5", baseTime, 3, schema.SeverityMedium),
		}
		inc := schema.NewIncident("10.0.0.5", members, baseTime)

		created, err := s.CreateIncident(ctx, inc)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.CreateIncident(ctx, inc)
		require.NoError(t, err)
		assert.False(t, created, "incident creation is idempotent on id")

		other := schema.NewIncident("10.0.0.6", []*schema.Alert{
			testAlert("a", "10.0.0.6", baseTime.Add(time.Second), 4, schema.SeverityLow),
			testAlert("b", "10.0.0.6", baseTime.Add(time.Second), 5, schema.SeverityLow),
			testAlert("c", "10.0.0.6", baseTime.Add(time.Second), 6, schema.SeverityLow),
		}, baseTime.Add(time.Minute))
		_, err = s.CreateIncident(ctx, other)
		require.NoError(t, err)

		got, err := s.GetIncident(ctx, inc.ID)
		require.NoError(t, err)
		assert.Equal(t, inc.AlertIDs, got.AlertIDs)
		assert.Equal(t, schema.SeverityHigh, got.Severity)
		assert.Equal(t, 3, got.AlertCount)

		open, err := s.ListIncidents(ctx, IncidentFilter{Status: schema.IncidentStatusOpen})
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, other.ID, open[0].ID, "newest first")

		bySource, err := s.ListIncidents(ctx, IncidentFilter{Source: "10.0.0.5"})
		require.NoError(t, err)
		require.Len(t, bySource, 1)
		assert.Equal(t, inc.ID, bySource[0].ID)
	})
}

func TestMemoryStore_ClosedIsNotRetryable(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	_, err := s.Append(context.Background(), authEvent("a", baseTime, "failure"))
	require.ErrorIs(t, err, ErrClosed)
	assert.False(t, IsRetryable(err))
	assert.Error(t, s.Ping(context.Background()))
}

func TestMemoryStore_ClaimRetiresAgedEvents(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	s := NewMemoryStore(WithClock(clock.Now), WithLeaseDuration(10*time.Minute))
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 50; i++ {
		id, err := s.Append(ctx, authEvent("a", baseTime.Add(-10*time.Minute), "failure"))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	fresh, err := s.Append(ctx, authEvent("a", baseTime, "failure"))
	require.NoError(t, err)
	processed, err := s.Append(ctx, authEvent("a", baseTime, "success"))
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessed(ctx, processed))

	claimed, err := s.ClaimUnprocessed(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{fresh}, eventIDs(claimed))
	assert.Equal(t, []int64{fresh}, s.queue, "aged and processed ids leave the claim queue")

	// Retired events are still stored and unprocessed.
	old, err := s.GetEvent(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, old.Processed)

	// A claimed event that ages while leased stays until its lease ends.
	clock.Advance(6 * time.Minute)
	claimed, err = s.ClaimUnprocessed(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.Equal(t, []int64{fresh}, s.queue)

	clock.Advance(5 * time.Minute)
	claimed, err = s.ClaimUnprocessed(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
	assert.Empty(t, s.queue)

	next, err := s.Append(ctx, authEvent("a", clock.Now(), "failure"))
	require.NoError(t, err)
	claimed, err = s.ClaimUnprocessed(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{next}, eventIDs(claimed))
}

func TestMemoryStore_ClaimLimitKeepsTail(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, authEvent("a", time.Time{}, "failure"))
		require.NoError(t, err)
	}

	first, err := s.ClaimUnprocessed(ctx, time.Hour, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, eventIDs(first))
	require.NoError(t, s.MarkProcessed(ctx, 1))
	require.NoError(t, s.MarkProcessed(ctx, 2))

	rest, err := s.ClaimUnprocessed(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5}, eventIDs(rest))
	assert.Equal(t, []int64{3, 4, 5}, s.queue)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ev := authEvent("a", baseTime, "failure")
	id, err := s.Append(ctx, ev)
	require.NoError(t, err)
	ev.Fields["outcome"] = "success"

	got, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "failure", got.Fields["outcome"])
}

func TestTimeWindow_Contains(t *testing.T) {
	w := TimeWindow{End: baseTime, EndEventID: 10, Duration: time.Minute}

	assert.True(t, w.Contains(baseTime.Add(-time.Minute), 1))
	assert.False(t, w.Contains(baseTime.Add(-time.Minute-time.Nanosecond), 1))
	assert.True(t, w.Contains(baseTime, 10))
	assert.False(t, w.Contains(baseTime, 11))
	assert.False(t, w.Contains(baseTime.Add(time.Nanosecond), 1))
}

func testAlert(rule, source string, eventTS time.Time, eventID int64, sev schema.Severity) *schema.Alert {
	return &schema.Alert{
		ID:             schema.NewAlertID(eventTS, rule),
		RuleID:         rule,
		Severity:       sev,
		SourceIdentity: source,
		SourceEventID:  eventID,
		EventTimestamp: eventTS,
		CreatedAt:      eventTS,
	}
}

func eventIDs(events []*schema.Event) []int64 {
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
