// Package ingest appends ingress records to the event store, over HTTP and
// from Kafka.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"threatline/internal/kafka"
	"threatline/internal/metrics"
	"threatline/internal/schema"
	"threatline/internal/storage"
)

// Transport labels for the ingest counters.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

// Appender is the part of the event store ingestion writes to.
type Appender interface {
	Append(ctx context.Context, event *schema.Event) (int64, error)
}

// Handler handles event ingestion.
type Handler struct {
	store      Appender
	metrics    *metrics.Metrics
	retry      storage.RetryPolicy
	now        func() time.Time
	logger     *slog.Logger
	maxPayload int
	maxBatch   int
}

// Option configures a Handler.
type Option func(*Handler)

// WithMaxPayload sets the maximum request body size in bytes.
func WithMaxPayload(size int) Option {
	return func(h *Handler) { h.maxPayload = size }
}

// WithMaxBatch sets the maximum number of records per request.
func WithMaxBatch(size int) Option {
	return func(h *Handler) { h.maxBatch = size }
}

// WithMetrics records ingest counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithRetryPolicy sets the append retry policy.
func WithRetryPolicy(p storage.RetryPolicy) Option {
	return func(h *Handler) { h.retry = p }
}

// WithClock replaces the clock used for ReceivedAt.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a new ingest Handler.
func NewHandler(store Appender, opts ...Option) *Handler {
	h := &Handler{
		store:      store,
		retry:      storage.DefaultRetryPolicy(),
		now:        time.Now,
		logger:     slog.Default(),
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "ingest")
	return h
}

// IngestResponse is the response for event ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	IDs       []int64  `json:"ids"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleEvents handles POST /v1/events. The body is either {"events":[...]}
// or a single record.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	records, err := splitRecords(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	if len(records) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	}
	if len(records) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	resp := IngestResponse{RequestID: requestID, IDs: make([]int64, 0, len(records))}
	for i, raw := range records {
		id, err := h.ingest(r.Context(), raw, TransportHTTP)
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("event[%d]: %s", i, rejectReason(err)))
			continue
		}
		resp.Accepted++
		resp.IDs = append(resp.IDs, id)
	}
	resp.Success = resp.Rejected == 0

	status := http.StatusOK
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	} else if resp.Rejected > 0 {
		status = http.StatusMultiStatus // 207 for partial success
	}

	respondJSON(w, status, resp)
}

// HandleMessage is a kafka.MessageHandler. Undecodable messages are counted
// and skipped so their offset commits; a failed append is returned so the
// consumer retries the same message.
func (h *Handler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	_, err := h.ingest(ctx, msg.Value, TransportKafka)
	if errors.Is(err, schema.ErrInvalidRecord) {
		h.logger.Warn("skipping undecodable message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	return err
}

// ingest decodes one record and appends it with retry.
func (h *Handler) ingest(ctx context.Context, raw []byte, transport string) (int64, error) {
	event, err := schema.DecodeEvent(raw)
	if err != nil {
		h.rejected(transport)
		return 0, err
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = h.now().UTC()
	}

	var id int64
	err = storage.Retry(ctx, h.retry, "Append", func(ctx context.Context) error {
		var err error
		id, err = h.store.Append(ctx, event)
		return err
	})
	if err != nil {
		h.rejected(transport)
		h.logger.Error("failed to append event",
			"transport", transport,
			"source", event.SourceIdentity,
			"error", err,
		)
		return 0, err
	}

	if h.metrics != nil {
		h.metrics.EventsIngested.WithLabelValues(transport).Inc()
	}
	return id, nil
}

func (h *Handler) rejected(transport string) {
	if h.metrics != nil {
		h.metrics.EventsRejected.WithLabelValues(transport).Inc()
	}
}

// splitRecords returns the raw records of a request body.
func splitRecords(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, errors.New("invalid JSON: expected an object")
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}

	batch, ok := envelope["events"]
	if !ok {
		return []json.RawMessage{body}, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(batch, &records); err != nil {
		// A record may carry its own "events" field.
		return []json.RawMessage{body}, nil
	}
	return records, nil
}

// rejectReason keeps storage internals out of client responses.
func rejectReason(err error) string {
	if errors.Is(err, schema.ErrInvalidRecord) {
		return err.Error()
	}
	return "event store unavailable"
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
