package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Keys with special meaning in an ingress record. Everything else is kept in
// Fields untouched.
const (
	keyTimestamp      = "timestamp"
	keyAtTimestamp    = "@timestamp"
	keySourceIdentity = "source_identity"
	keyType           = "type"
	keyFields         = "fields"
)

// sourceFallbacks are producer keys that carry the source identity when
// source_identity itself is absent, in priority order.
var sourceFallbacks = []string{"source_ip", "src_ip", "source.ip", "host", "hostname"}

// timestampLayouts are the accepted ISO-8601 renderings. Layouts without a
// zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ErrInvalidRecord is returned for ingress records that cannot be decoded.
var ErrInvalidRecord = errors.New("invalid event record")

// DecodeEvent decodes one JSON ingress record into an Event. Required
// attributes are not checked here; see Validator.
func DecodeEvent(data []byte) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return EventFromMap(raw)
}

// EventFromMap builds an Event from an already decoded record.
func EventFromMap(raw map[string]any) (*Event, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty record", ErrInvalidRecord)
	}

	event := &Event{Fields: make(map[string]any)}

	for k, v := range raw {
		switch k {
		case keyTimestamp, keyAtTimestamp:
			if event.Timestamp.IsZero() {
				ts, err := ParseTimestamp(v)
				if err != nil {
					return nil, err
				}
				event.Timestamp = ts
			}
		case keySourceIdentity:
			event.SourceIdentity = strings.TrimSpace(FormatValue(v))
		case keyType:
			event.Type = NormalizeEventType(strings.TrimSpace(FormatValue(v)))
		case keyFields:
			nested, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: fields must be an object", ErrInvalidRecord)
			}
			flatten("", nested, event.Fields)
		default:
			flattenValue(k, v, event.Fields)
		}
	}

	if event.SourceIdentity == "" {
		for _, key := range sourceFallbacks {
			if v, ok := event.Fields[key]; ok {
				if s := strings.TrimSpace(FormatValue(v)); s != "" {
					event.SourceIdentity = s
					break
				}
			}
		}
	}

	return event, nil
}

// ParseTimestamp accepts an ISO-8601 string or a number of unix seconds.
func ParseTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, nil
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrInvalidRecord, s)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrInvalidRecord, x)
		}
		return unixSeconds(f), nil
	case float64:
		return unixSeconds(x), nil
	}
	return time.Time{}, fmt.Errorf("%w: timestamp has type %T", ErrInvalidRecord, v)
}

func unixSeconds(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// flatten copies a nested object into dst using dotted keys.
func flatten(prefix string, src map[string]any, dst map[string]any) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		flattenValue(key, v, dst)
	}
}

func flattenValue(key string, v any, dst map[string]any) {
	switch x := v.(type) {
	case map[string]any:
		flatten(key, x, dst)
	case []any:
		b, err := json.Marshal(x)
		if err != nil {
			dst[key] = fmt.Sprintf("%v", x)
			return
		}
		dst[key] = string(b)
	default:
		dst[key] = v
	}
}
