package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityOrdering(t *testing.T) {
	for i, lo := range Severities {
		for j, hi := range Severities {
			switch {
			case i < j:
				assert.Less(t, lo.Rank(), hi.Rank(), "%s < %s", lo, hi)
				assert.Equal(t, hi, MaxSeverity(lo, hi))
				assert.Equal(t, hi, MaxSeverity(hi, lo))
			case i == j:
				assert.Equal(t, lo, MaxSeverity(lo, hi))
			}
		}
	}

	assert.Equal(t, 0, Severity("urgent").Rank())
	assert.False(t, Severity("urgent").IsValid())
	assert.Equal(t, SeverityLow, MaxSeverity("", SeverityLow))
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity("  HIGH ")
	require.NoError(t, err)
	assert.Equal(t, SeverityHigh, sev)

	_, err = ParseSeverity("severe")
	assert.Error(t, err)
}

func TestNormalizeEventType(t *testing.T) {
	tests := map[string]EventType{
		"syslog":        EventTypeHostLog,
		"windows_event": EventTypeHostLog,
		"netflow":       EventTypeFlow,
		"auth":          EventTypeAuth,
		"generic":       EventTypeGeneric,
		"dns":           EventType("dns"),
	}
	for raw, want := range tests {
		assert.Equal(t, want, NormalizeEventType(raw), raw)
	}
	assert.False(t, NormalizeEventType("dns").IsValid())
}

func TestAlertIDDeterministic(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 600, time.FixedZone("CET", 3600))

	a := NewAlertID(ts, "brute_force")
	b := NewAlertID(ts.UTC(), "brute_force")
	assert.Equal(t, a, b, "zone must not change identity")
	assert.NotEqual(t, a, NewAlertID(ts, "port_scan"))
	assert.NotEqual(t, a, NewAlertID(ts.Add(time.Nanosecond), "brute_force"))
	assert.False(t, a.IsZero())
	assert.True(t, AlertID{}.IsZero())

	s := a.String()
	assert.Len(t, s, 64)
	parsed, err := ParseAlertID(s)
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseAlertID("abcd")
	assert.Error(t, err)
	_, err = ParseAlertID("zz")
	assert.Error(t, err)
}

func TestAlertJSONUsesHexID(t *testing.T) {
	alert := Alert{
		ID:       NewAlertID(time.Unix(0, 0), "r1"),
		RuleID:   "r1",
		Severity: SeverityLow,
	}
	data, err := json.Marshal(alert)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"alert_id":"`+alert.ID.String()+`"`)

	var decoded Alert
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, alert.ID, decoded.ID)
}

func TestNewIncident(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a1 := &Alert{ID: NewAlertID(ts, "a"), Severity: SeverityLow}
	a2 := &Alert{ID: NewAlertID(ts, "b"), Severity: SeverityHigh}
	a3 := &Alert{ID: NewAlertID(ts, "c"), Severity: SeverityMedium}

	inc := NewIncident("10.0.0.5", []*Alert{a1, a2, a3, a1}, ts)
	assert.Equal(t, SeverityHigh, inc.Severity)
	assert.Equal(t, 3, inc.AlertCount)
	assert.Len(t, inc.AlertIDs, 3)
	assert.Equal(t, IncidentStatusOpen, inc.Status)
	assert.Equal(t, "10.0.0.5", inc.SourceIdentity)

	again := NewIncident("10.0.0.5", []*Alert{a3, a2, a1}, ts.Add(time.Hour))
	assert.Equal(t, inc.ID, again.ID, "same member set gives same id")
	assert.Equal(t, inc.AlertIDs, again.AlertIDs)

	other := NewIncident("10.0.0.5", []*Alert{a1, a2}, ts)
	assert.NotEqual(t, inc.ID, other.ID)
}

func TestValidator(t *testing.T) {
	v := NewValidator()
	valid := func() *Event {
		return &Event{
			Timestamp:      time.Now(),
			SourceIdentity: "10.0.0.5",
			Type:           EventTypeAuth,
		}
	}

	assert.NoError(t, v.Validate(valid()))

	tests := []struct {
		name   string
		modify func(*Event)
	}{
		{"missing source", func(e *Event) { e.SourceIdentity = "" }},
		{"missing type", func(e *Event) { e.Type = "" }},
		{"unknown type", func(e *Event) { e.Type = "dns" }},
		{"zero timestamp", func(e *Event) { e.Timestamp = time.Time{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.modify(e)
			err := v.Validate(e)
			require.Error(t, err)
			assert.True(t, IsMalformed(err))
		})
	}

	assert.True(t, IsMalformed(v.Validate(nil)))
}

func TestDecodeEvent(t *testing.T) {
	data := []byte(`{
		"timestamp": "2025-03-01T12:00:00.5Z",
		"type": "syslog",
		"src_ip": "10.0.0.5",
		"user": "root",
		"fields": {"status": "failure", "bytes": 500000, "geo": {"country": "NL"}},
		"tags": ["a", "b"]
	}`)

	event, err := DecodeEvent(data)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 500_000_000, time.UTC), event.Timestamp)
	assert.Equal(t, EventTypeHostLog, event.Type)
	assert.Equal(t, "10.0.0.5", event.SourceIdentity)
	assert.Equal(t, "root", event.Fields["user"])
	assert.Equal(t, "failure", event.Fields["status"])
	assert.Equal(t, "NL", event.Fields["geo.country"])
	assert.Equal(t, `["a","b"]`, event.Fields["tags"])
	assert.Equal(t, "500000", FormatValue(event.Fields["bytes"]))
}

func TestDecodeEventSourceIdentityWins(t *testing.T) {
	event, err := DecodeEvent([]byte(`{"source_identity":"host-1","source_ip":"10.0.0.9","type":"auth"}`))
	require.NoError(t, err)
	assert.Equal(t, "host-1", event.SourceIdentity)
	assert.True(t, event.Timestamp.IsZero())
}

func TestDecodeEventErrors(t *testing.T) {
	for name, data := range map[string]string{
		"not json":        `{`,
		"fields not map":  `{"fields": 3}`,
		"bad timestamp":   `{"timestamp": "yesterday"}`,
		"bool timestamp":  `{"timestamp": true}`,
		"top level array": `[1,2]`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(data))
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2025-03-01 12:00:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), ts)

	ts, err = ParseTimestamp(json.Number("1700000000"))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts.Unix())

	ts, err = ParseTimestamp("2025-03-01T13:00:00+01:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), ts)

	ts, err = ParseTimestamp("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestEventField(t *testing.T) {
	e := &Event{
		SourceIdentity: "10.0.0.5",
		Type:           EventTypeAuth,
		Fields:         map[string]any{"status": "failure", "empty": nil},
	}

	v, ok := e.Field("type")
	assert.True(t, ok)
	assert.Equal(t, "auth", v)

	v, ok = e.Field("source_identity")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.5", v)

	_, ok = e.Field("empty")
	assert.False(t, ok)
	_, ok = e.Field("missing")
	assert.False(t, ok)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "500000", FormatValue(float64(500000)))
	assert.Equal(t, "1.5", FormatValue(1.5))
	assert.Equal(t, "42", FormatValue(42))
	assert.Equal(t, "true", FormatValue(true))
	assert.Equal(t, "", FormatValue(nil))
	assert.Equal(t, "7", FormatValue(json.Number("7")))
}
