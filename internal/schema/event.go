// Package schema defines the normalized records that flow through threatline:
// events, alerts and incidents.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventType classifies the telemetry an event was normalized from.
type EventType string

const (
	EventTypeHostLog EventType = "host-log"
	EventTypeFlow    EventType = "flow"
	EventTypeAuth    EventType = "auth"
	EventTypeGeneric EventType = "generic"
)

// IsValid checks if the event type is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeHostLog, EventTypeFlow, EventTypeAuth, EventTypeGeneric:
		return true
	}
	return false
}

// eventTypeAliases maps producer-specific type names to canonical types.
var eventTypeAliases = map[string]EventType{
	"host-log":       EventTypeHostLog,
	"host_log":       EventTypeHostLog,
	"hostlog":        EventTypeHostLog,
	"syslog":         EventTypeHostLog,
	"windows_event":  EventTypeHostLog,
	"flow":           EventTypeFlow,
	"netflow":        EventTypeFlow,
	"auth":           EventTypeAuth,
	"authentication": EventTypeAuth,
	"generic":        EventTypeGeneric,
}

// NormalizeEventType maps a raw type string to its canonical form.
// Unknown values are returned unchanged so the event can still be stored.
func NormalizeEventType(raw string) EventType {
	if t, ok := eventTypeAliases[raw]; ok {
		return t
	}
	return EventType(raw)
}

// Pseudo field names resolved from event attributes rather than Fields.
const (
	FieldType           = "type"
	FieldSourceIdentity = "source_identity"
)

// Event is a normalized unit of ingested telemetry.
// Fields are never mutated after the event is stored; only Processed changes.
type Event struct {
	ID             int64          `json:"id"`
	Timestamp      time.Time      `json:"timestamp" validate:"required"`
	SourceIdentity string         `json:"source_identity" validate:"required,max=256"`
	Type           EventType      `json:"type" validate:"required,event_type"`
	Fields         map[string]any `json:"fields,omitempty"`
	Processed      bool           `json:"processed"`
	ReceivedAt     time.Time      `json:"received_at"`
}

// Field resolves a rule field name against the event.
func (e *Event) Field(name string) (any, bool) {
	switch name {
	case FieldType:
		if e.Type == "" {
			return nil, false
		}
		return string(e.Type), true
	case FieldSourceIdentity:
		if e.SourceIdentity == "" {
			return nil, false
		}
		return e.SourceIdentity, true
	}
	v, ok := e.Fields[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// FormatValue renders a scalar field value the way rules compare it.
// Integral floats render without exponent so 500000 stays "500000".
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}
