package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"threatline/internal/schema"
)

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path         string        `yaml:"path"`
	ReadConns    int           `yaml:"read_conns"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
}

// DefaultSQLiteConfig returns the default SQLite configuration.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:         "data/threatline.db",
		ReadConns:    10,
		BusyTimeout:  5 * time.Second,
		LeaseTimeout: DefaultLeaseDuration,
	}
}

var memoryDBSeq atomic.Int64

// SQLiteStore is a transactional Store on modernc.org/sqlite. Writes go
// through a single-connection pool, reads through a separate read-only pool,
// which is the concurrency model WAL mode supports.
type SQLiteStore struct {
	writeDB *sql.DB
	readDB  *sql.DB
	opts    options
	path    string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database and applies the
// embedded schema migrations.
func NewSQLiteStore(cfg SQLiteConfig, opts ...Option) (*SQLiteStore, error) {
	if cfg.LeaseTimeout > 0 {
		opts = append([]Option{WithLeaseDuration(cfg.LeaseTimeout)}, opts...)
	}
	if cfg.ReadConns <= 0 {
		cfg.ReadConns = 10
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := cfg.Path
	memory := cfg.Path == "" || cfg.Path == ":memory:"
	if memory {
		// Both pools must reach the same database.
		dsn = fmt.Sprintf("file:threatline-%d?mode=memory&cache=shared", memoryDBSeq.Add(1))
	} else {
		if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = "file:" + cfg.Path + "?"
	}
	if !strings.HasSuffix(dsn, "?") {
		dsn += "&"
	}
	dsn += fmt.Sprintf("_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", cfg.BusyTimeout.Milliseconds())

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	if !memory {
		if _, err := writeDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = writeDB.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	readDB, err := sql.Open("sqlite", dsn+"&_pragma=query_only(1)")
	if err != nil {
		_ = writeDB.Close()
		return nil, WrapConnectionError("Open", err)
	}
	readDB.SetMaxOpenConns(cfg.ReadConns)
	readDB.SetMaxIdleConns(max(1, cfg.ReadConns/2))
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLiteStore{
		writeDB: writeDB,
		readDB:  readDB,
		opts:    applyOptions(opts),
		path:    cfg.Path,
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	slog.Info("sqlite store opened", "path", cfg.Path, "read_conns", cfg.ReadConns)
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.writeDB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT    NOT NULL,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := readMigrations(backendSQLite)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		var n int
		if err := s.writeDB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&n); err != nil {
			return fmt.Errorf("failed to read migrations: %w", err)
		}
		if n > 0 {
			continue
		}

		err := s.withTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
				m.version, m.name, time.Now().Unix())
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.version, m.name, err)
		}
		slog.Debug("sqlite migration applied", "version", m.version, "name", m.name)
	}
	return nil
}

// withTx runs fn in a write transaction, rolling back on error or panic.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed (original error: %w): %v", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// classify maps driver errors onto the storage taxonomy.
func classify(op, table string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return NewStorageError(op, table, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) {
		return NewStorageError(op, table, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) || isBusy(err) {
		return WrapUnavailable(op, table, err)
	}
	return WrapQueryError(op, table, err)
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Append stores the event and returns its id.
func (s *SQLiteStore) Append(ctx context.Context, event *schema.Event) (int64, error) {
	if event == nil {
		return 0, NewStorageError("Append", "events", ErrInvalidData)
	}

	now := s.opts.now().UTC()
	ts := event.Timestamp
	if ts.IsZero() {
		ts = now
	}
	received := event.ReceivedAt
	if received.IsZero() {
		received = now
	}

	fields := event.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return 0, NewStorageError("Append", "events", fmt.Errorf("%w: %v", ErrInvalidData, err))
	}

	res, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO events (ts, source_identity, type, fields, processed, received_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		ts.UnixNano(), event.SourceIdentity, string(event.Type), string(data), received.UnixNano(),
	)
	if err != nil {
		return 0, classify("Append", "events", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("Append", "events", err)
	}
	return id, nil
}

const eventColumns = "id, ts, source_identity, type, fields, processed, received_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*schema.Event, error) {
	var (
		ev                 schema.Event
		ts, received       int64
		evType, fieldsJSON string
		processed          int
	)
	if err := row.Scan(&ev.ID, &ts, &ev.SourceIdentity, &evType, &fieldsJSON, &processed, &received); err != nil {
		return nil, err
	}
	ev.Timestamp = fromNanos(ts)
	ev.ReceivedAt = fromNanos(received)
	ev.Type = schema.EventType(evType)
	ev.Processed = processed != 0

	dec := json.NewDecoder(bytes.NewReader([]byte(fieldsJSON)))
	dec.UseNumber()
	if err := dec.Decode(&ev.Fields); err != nil {
		return nil, fmt.Errorf("%w: event %d fields: %v", ErrInvalidData, ev.ID, err)
	}
	return &ev, nil
}

// ClaimUnprocessed leases up to limit pending events in one statement.
func (s *SQLiteStore) ClaimUnprocessed(ctx context.Context, maxAge time.Duration, limit int) ([]*schema.Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := s.opts.now()
	cutoff := int64(math.MinInt64)
	if maxAge > 0 {
		cutoff = now.Add(-maxAge).UnixNano()
	}

	rows, err := s.writeDB.QueryContext(ctx, `
		UPDATE events SET lease_until = ?
		WHERE id IN (
			SELECT id FROM events
			WHERE processed = 0 AND ts >= ? AND lease_until <= ?
			ORDER BY id
			LIMIT ?
		)
		RETURNING `+eventColumns,
		now.Add(s.opts.lease).UnixNano(), cutoff, now.UnixNano(), limit,
	)
	if err != nil {
		return nil, classify("ClaimUnprocessed", "events", err)
	}
	defer rows.Close()

	var events []*schema.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, classify("ClaimUnprocessed", "events", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("ClaimUnprocessed", "events", err)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}

// MarkProcessed flips the processed flag and drops the lease.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, id int64) error {
	res, err := s.writeDB.ExecContext(ctx,
		"UPDATE events SET processed = 1, lease_until = 0 WHERE id = ?", id)
	if err != nil {
		return classify("MarkProcessed", "events", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return WrapNotFoundError("MarkProcessed", "events", formatInt(id))
	}
	return nil
}

// ReleaseClaims clears leases of events that are still unprocessed.
func (s *SQLiteStore) ReleaseClaims(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.writeDB.ExecContext(ctx,
		"UPDATE events SET lease_until = 0 WHERE processed = 0 AND id IN ("+placeholders(len(ids))+")",
		args...)
	return classify("ReleaseClaims", "events", err)
}

// CountMatching counts a source's events in the window that satisfy pred.
// The window is selected in SQL and pred runs over the candidates.
func (s *SQLiteStore) CountMatching(ctx context.Context, sourceIdentity string, pred Predicate, window TimeWindow) (int, error) {
	endID := window.EndEventID
	if endID <= 0 {
		endID = math.MaxInt64
	}
	end := window.End.UnixNano()

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE source_identity = ? AND ts >= ? AND (ts < ? OR (ts = ? AND id <= ?))
		ORDER BY ts, id`,
		sourceIdentity, window.Start().UnixNano(), end, end, endID,
	)
	if err != nil {
		return 0, classify("CountMatching", "events", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return 0, classify("CountMatching", "events", err)
		}
		if pred == nil || pred(ev) {
			count++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, classify("CountMatching", "events", err)
	}
	return count, nil
}

// GetEvent returns a stored event by id.
func (s *SQLiteStore) GetEvent(ctx context.Context, id int64) (*schema.Event, error) {
	ev, err := scanEvent(s.readDB.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, WrapNotFoundError("GetEvent", "events", formatInt(id))
		}
		return nil, classify("GetEvent", "events", err)
	}
	return ev, nil
}

// UpsertAlert inserts the alert unless its id is already stored.
func (s *SQLiteStore) UpsertAlert(ctx context.Context, alert *schema.Alert) (bool, error) {
	if alert == nil || alert.ID.IsZero() {
		return false, NewStorageError("UpsertAlert", "alerts", ErrInvalidData)
	}
	created := alert.CreatedAt
	if created.IsZero() {
		created = s.opts.now().UTC()
	}

	res, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, rule_id, severity, source_identity, source_event_id, event_ts, created_at, correlated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(alert_id) DO NOTHING`,
		alert.ID.String(), alert.RuleID, string(alert.Severity), alert.SourceIdentity,
		alert.SourceEventID, toNanos(alert.EventTimestamp), created.UnixNano(), boolInt(alert.Correlated),
	)
	if err != nil {
		return false, classify("UpsertAlert", "alerts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("UpsertAlert", "alerts", err)
	}
	return n == 1, nil
}

const alertColumns = "alert_id, rule_id, severity, source_identity, source_event_id, event_ts, created_at, correlated, dispatched"

func scanAlert(row rowScanner) (*schema.Alert, error) {
	var (
		a                  schema.Alert
		id, sev            string
		eventTS, createdAt int64
		correlated         int
		dispatched         int
	)
	if err := row.Scan(&id, &a.RuleID, &sev, &a.SourceIdentity, &a.SourceEventID, &eventTS, &createdAt, &correlated, &dispatched); err != nil {
		return nil, err
	}
	parsed, err := schema.ParseAlertID(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	a.ID = parsed
	a.Severity = schema.Severity(sev)
	a.EventTimestamp = fromNanos(eventTS)
	a.CreatedAt = fromNanos(createdAt)
	a.Correlated = correlated != 0
	a.Dispatched = dispatched != 0
	return &a, nil
}

func scanAlerts(op string, rows *sql.Rows) ([]*schema.Alert, error) {
	defer rows.Close()
	var alerts []*schema.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, classify(op, "alerts", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, "alerts", err)
	}
	return alerts, nil
}

// GetAlert returns a stored alert by id.
func (s *SQLiteStore) GetAlert(ctx context.Context, id schema.AlertID) (*schema.Alert, error) {
	a, err := scanAlert(s.readDB.QueryRowContext(ctx,
		"SELECT "+alertColumns+" FROM alerts WHERE alert_id = ?", id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, WrapNotFoundError("GetAlert", "alerts", id.String())
		}
		return nil, classify("GetAlert", "alerts", err)
	}
	return a, nil
}

// HasRecentAlert reports whether rule already fired for source in the range.
func (s *SQLiteStore) HasRecentAlert(ctx context.Context, ruleID, sourceIdentity string, since, until time.Time, excludeEventID int64) (bool, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE rule_id = ? AND source_identity = ? AND event_ts >= ? AND event_ts <= ? AND source_event_id != ?`,
		ruleID, sourceIdentity, since.UnixNano(), until.UnixNano(), excludeEventID,
	).Scan(&n)
	if err != nil {
		return false, classify("HasRecentAlert", "alerts", err)
	}
	return n > 0, nil
}

// ClaimUncorrelated leases up to limit uncorrelated alerts in creation order.
func (s *SQLiteStore) ClaimUncorrelated(ctx context.Context, limit int) ([]*schema.Alert, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.opts.now()

	rows, err := s.writeDB.QueryContext(ctx, `
		UPDATE alerts SET lease_until = ?
		WHERE seq IN (
			SELECT seq FROM alerts
			WHERE correlated = 0 AND lease_until <= ?
			ORDER BY seq
			LIMIT ?
		)
		RETURNING seq, `+alertColumns,
		now.Add(s.opts.lease).UnixNano(), now.UnixNano(), limit,
	)
	if err != nil {
		return nil, classify("ClaimUncorrelated", "alerts", err)
	}
	defer rows.Close()

	type seqAlert struct {
		seq   int64
		alert *schema.Alert
	}
	var claimed []seqAlert
	for rows.Next() {
		var seq int64
		a, err := scanAlert(seqScanner{rows: rows, seq: &seq})
		if err != nil {
			return nil, classify("ClaimUncorrelated", "alerts", err)
		}
		claimed = append(claimed, seqAlert{seq: seq, alert: a})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("ClaimUncorrelated", "alerts", err)
	}

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].seq < claimed[j].seq })
	alerts := make([]*schema.Alert, len(claimed))
	for i, c := range claimed {
		alerts[i] = c.alert
	}
	return alerts, nil
}

// seqScanner prepends the seq column to a scanAlert destination list.
type seqScanner struct {
	rows *sql.Rows
	seq  *int64
}

func (s seqScanner) Scan(dest ...any) error {
	return s.rows.Scan(append([]any{s.seq}, dest...)...)
}

// MarkCorrelated flips the correlated flag on every listed alert.
func (s *SQLiteStore) MarkCorrelated(ctx context.Context, ids []schema.AlertID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.writeDB.ExecContext(ctx,
		"UPDATE alerts SET correlated = 1, lease_until = 0 WHERE alert_id IN ("+placeholders(len(ids))+")",
		alertIDArgs(ids)...)
	return classify("MarkCorrelated", "alerts", err)
}

// MarkDispatched sets the dispatched flag of a stored alert.
func (s *SQLiteStore) MarkDispatched(ctx context.Context, id schema.AlertID) error {
	res, err := s.writeDB.ExecContext(ctx, "UPDATE alerts SET dispatched = 1 WHERE alert_id = ?", id.String())
	if err != nil {
		return classify("MarkDispatched", "alerts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("MarkDispatched", "alerts", err)
	}
	if n == 0 {
		return WrapNotFoundError("MarkDispatched", "alerts", id.String())
	}
	return nil
}

// ReleaseAlertClaims clears leases of alerts that are still uncorrelated.
func (s *SQLiteStore) ReleaseAlertClaims(ctx context.Context, ids []schema.AlertID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.writeDB.ExecContext(ctx,
		"UPDATE alerts SET lease_until = 0 WHERE correlated = 0 AND alert_id IN ("+placeholders(len(ids))+")",
		alertIDArgs(ids)...)
	return classify("ReleaseAlertClaims", "alerts", err)
}

// ListAlerts returns alerts newest first.
func (s *SQLiteStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*schema.Alert, error) {
	var (
		where []string
		args  []any
	)
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.Until.UnixNano())
	}

	query := "SELECT " + alertColumns + " FROM alerts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("ListAlerts", "alerts", err)
	}
	return scanAlerts("ListAlerts", rows)
}

// CreateIncident stores the incident unless its id exists.
func (s *SQLiteStore) CreateIncident(ctx context.Context, incident *schema.Incident) (bool, error) {
	if incident == nil || incident.ID == uuid.Nil {
		return false, NewStorageError("CreateIncident", "incidents", ErrInvalidData)
	}
	ids, err := json.Marshal(incident.AlertIDs)
	if err != nil {
		return false, NewStorageError("CreateIncident", "incidents", fmt.Errorf("%w: %v", ErrInvalidData, err))
	}

	res, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO incidents (incident_id, source_identity, alert_ids, alert_count, severity, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(incident_id) DO NOTHING`,
		incident.ID.String(), incident.SourceIdentity, string(ids), incident.AlertCount,
		string(incident.Severity), string(incident.Status), toNanos(incident.CreatedAt),
	)
	if err != nil {
		return false, classify("CreateIncident", "incidents", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("CreateIncident", "incidents", err)
	}
	return n == 1, nil
}

const incidentColumns = "incident_id, source_identity, alert_ids, alert_count, severity, status, created_at"

func scanIncident(row rowScanner) (*schema.Incident, error) {
	var (
		inc                  schema.Incident
		id, ids, sev, status string
		createdAt            int64
	)
	if err := row.Scan(&id, &inc.SourceIdentity, &ids, &inc.AlertCount, &sev, &status, &createdAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	if err := json.Unmarshal([]byte(ids), &inc.AlertIDs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	inc.ID = parsed
	inc.Severity = schema.Severity(sev)
	inc.Status = schema.IncidentStatus(status)
	inc.CreatedAt = fromNanos(createdAt)
	return &inc, nil
}

// GetIncident returns a stored incident by id.
func (s *SQLiteStore) GetIncident(ctx context.Context, id uuid.UUID) (*schema.Incident, error) {
	inc, err := scanIncident(s.readDB.QueryRowContext(ctx,
		"SELECT "+incidentColumns+" FROM incidents WHERE incident_id = ?", id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, WrapNotFoundError("GetIncident", "incidents", id.String())
		}
		return nil, classify("GetIncident", "incidents", err)
	}
	return inc, nil
}

// ListIncidents returns incidents newest first.
func (s *SQLiteStore) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*schema.Incident, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		where = append(where, "source_identity = ?")
		args = append(args, filter.Source)
	}

	query := "SELECT " + incidentColumns + " FROM incidents"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("ListIncidents", "incidents", err)
	}
	defer rows.Close()

	var out []*schema.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, classify("ListIncidents", "incidents", err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("ListIncidents", "incidents", err)
	}
	return out, nil
}

// Ping checks both pools.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.writeDB.PingContext(ctx); err != nil {
		return WrapConnectionError("Ping", err)
	}
	if err := s.readDB.PingContext(ctx); err != nil {
		return WrapConnectionError("Ping", err)
	}
	return nil
}

// Close closes both pools.
func (s *SQLiteStore) Close() error {
	return errors.Join(s.readDB.Close(), s.writeDB.Close())
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func alertIDArgs(ids []schema.AlertID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
