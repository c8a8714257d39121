package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"threatline/internal/schema"
)

// MirrorConfig tunes batching into the analytics tables.
type MirrorConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// Retry governs each batch insert. Rows of a batch that still fails are
	// dropped and counted.
	Retry RetryPolicy `yaml:"retry"`
}

func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:    4,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			CallTimeout:    30 * time.Second,
		},
	}
}

// insertBatch is the part of driver.Batch the mirror uses.
type insertBatch interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

type prepareFunc func(ctx context.Context, insert string) (insertBatch, error)

// MirrorStats counts rows for one table.
type MirrorStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// tableWriter buffers rows for one table. A background loop inserts them
// when the buffer fills or the flush interval passes.
type tableWriter[T any] struct {
	table   string
	insert  string
	columns func(T) [][]any
	prepare prepareFunc
	cfg     MirrorConfig
	logger  *slog.Logger

	mu      sync.Mutex
	pending []T
	closed  bool

	// sending serializes inserts so batches land in write order.
	sending sync.Mutex

	full chan struct{}
	stop chan struct{}
	done chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

func newTableWriter[T any](table, insert string, columns func(T) [][]any, prepare prepareFunc, cfg MirrorConfig, logger *slog.Logger) *tableWriter[T] {
	w := &tableWriter[T]{
		table:   table,
		insert:  insert,
		columns: columns,
		prepare: prepare,
		cfg:     cfg,
		logger:  logger,
		full:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *tableWriter[T]) write(v T) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return NewStorageError("MirrorWrite", w.table, ErrClosed)
	}
	w.pending = append(w.pending, v)
	if len(w.pending) >= w.cfg.BatchSize {
		select {
		case w.full <- struct{}{}:
		default:
		}
	}
	return nil
}

func (w *tableWriter[T]) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.full:
		}
		if err := w.flush(context.Background()); err != nil {
			w.logger.Error("mirror flush failed", "table", w.table, "error", err)
		}
	}
}

func (w *tableWriter[T]) take() []T {
	w.mu.Lock()
	defer w.mu.Unlock()
	rows := w.pending
	w.pending = nil
	return rows
}

func (w *tableWriter[T]) flush(ctx context.Context) error {
	w.sending.Lock()
	defer w.sending.Unlock()

	items := w.take()
	if len(items) == 0 {
		return nil
	}
	var rows [][]any
	for _, it := range items {
		rows = append(rows, w.columns(it)...)
	}
	if len(rows) == 0 {
		return nil
	}

	err := Retry(ctx, w.cfg.Retry, "MirrorInsert", func(ctx context.Context) error {
		return w.send(ctx, rows)
	})
	if err != nil {
		w.failed.Add(uint64(len(rows)))
		return err
	}
	w.written.Add(uint64(len(rows)))
	w.batches.Add(1)
	w.logger.Debug("mirror batch inserted", "table", w.table, "rows", len(rows))
	return nil
}

func (w *tableWriter[T]) send(ctx context.Context, rows [][]any) error {
	batch, err := w.prepare(ctx, w.insert)
	if err != nil {
		return WrapUnavailable("PrepareBatch", w.table, err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			_ = batch.Abort()
			return wrap("Append", w.table, ErrInvalidData, err)
		}
	}
	if err := batch.Send(); err != nil {
		return WrapUnavailable("Send", w.table, err)
	}
	return nil
}

func (w *tableWriter[T]) stats() MirrorStats {
	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()
	return MirrorStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Batches: w.batches.Load(),
		Pending: pending,
	}
}

// close stops the loop and inserts what is left.
func (w *tableWriter[T]) close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	<-w.done
	return w.flush(context.Background())
}

func alertRows(a *schema.Alert) [][]any {
	return [][]any{{
		a.ID.String(),
		a.RuleID,
		string(a.Severity),
		a.SourceIdentity,
		a.SourceEventID,
		a.EventTimestamp,
		a.CreatedAt,
	}}
}

func incidentRows(inc *schema.Incident) [][]any {
	ids := make([]string, len(inc.AlertIDs))
	for i, id := range inc.AlertIDs {
		ids[i] = id.String()
	}
	return [][]any{{
		inc.ID,
		inc.SourceIdentity,
		string(inc.Severity),
		string(inc.Status),
		uint32(inc.AlertCount),
		ids,
		inc.CreatedAt,
	}}
}

// incidentAlertRows links every member alert to its incident.
func incidentAlertRows(inc *schema.Incident) [][]any {
	rows := make([][]any, 0, len(inc.AlertIDs))
	for _, id := range inc.AlertIDs {
		rows = append(rows, []any{inc.ID, id.String(), inc.CreatedAt})
	}
	return rows
}

// Mirror copies alerts and incidents into ClickHouse for analytics. It is
// a one-way copy; the primary store stays authoritative.
type Mirror struct {
	alerts    *tableWriter[*schema.Alert]
	incidents *tableWriter[*schema.Incident]
	links     *tableWriter[*schema.Incident]
}

// NewMirror creates a mirror over an open connection. Closing the mirror
// does not close ch.
func NewMirror(ch *ClickHouse, cfg MirrorConfig) *Mirror {
	return newMirror(ch.prepare, cfg, ch.logger)
}

func newMirror(prepare prepareFunc, cfg MirrorConfig, logger *slog.Logger) *Mirror {
	def := DefaultMirrorConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mirror")

	return &Mirror{
		alerts: newTableWriter("alerts",
			"INSERT INTO alerts (alert_id, rule_id, severity, source_identity, source_event_id, event_timestamp, created_at)",
			alertRows, prepare, cfg, logger),
		incidents: newTableWriter("incidents",
			"INSERT INTO incidents (incident_id, source_identity, severity, status, alert_count, alert_ids, created_at)",
			incidentRows, prepare, cfg, logger),
		links: newTableWriter("incident_alerts",
			"INSERT INTO incident_alerts (incident_id, alert_id, created_at)",
			incidentAlertRows, prepare, cfg, logger),
	}
}

func (m *Mirror) WriteAlert(a *schema.Alert) error {
	return m.alerts.write(a)
}

// WriteIncident buffers the incident row and one link row per member alert.
func (m *Mirror) WriteIncident(inc *schema.Incident) error {
	if err := m.incidents.write(inc); err != nil {
		return err
	}
	return m.links.write(inc)
}

// Flush inserts everything buffered now.
func (m *Mirror) Flush(ctx context.Context) error {
	return errors.Join(m.alerts.flush(ctx), m.incidents.flush(ctx), m.links.flush(ctx))
}

// Stats returns per-table counters keyed by table name.
func (m *Mirror) Stats() map[string]MirrorStats {
	return map[string]MirrorStats{
		m.alerts.table:    m.alerts.stats(),
		m.incidents.table: m.incidents.stats(),
		m.links.table:     m.links.stats(),
	}
}

func (m *Mirror) Close() error {
	return errors.Join(m.alerts.close(), m.incidents.close(), m.links.close())
}
