package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig locates the analytics cluster.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	Debug           bool          `yaml:"debug"`
}

func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "threatline",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

func (c ClickHouseConfig) options(logger *slog.Logger) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: c.Hosts,
		Auth: clickhouse.Auth{Database: c.Database, Username: c.Username, Password: c.Password},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionZSTD},
		DialTimeout:     c.DialTimeout,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		Debug:           c.Debug,
	}
	if c.Debug {
		opts.Debugf = func(format string, v ...any) {
			logger.Debug(fmt.Sprintf(format, v...))
		}
	}
	if c.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// ClickHouse is the connection behind the analytics mirror. It owns schema
// migrations and retention for the mirror tables.
type ClickHouse struct {
	conn     driver.Conn
	database string
	logger   *slog.Logger
}

// OpenClickHouse connects and pings the cluster, retrying transient
// failures under policy.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig, policy RetryPolicy, logger *slog.Logger) (*ClickHouse, error) {
	if len(cfg.Hosts) == 0 {
		return nil, NewStorageError("Open", "", fmt.Errorf("%w: no clickhouse hosts", ErrInvalidData))
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "clickhouse")

	conn, err := clickhouse.Open(cfg.options(logger))
	if err != nil {
		return nil, NewStorageError("Open", "", err)
	}

	err = Retry(ctx, policy, "Ping", func(ctx context.Context) error {
		if err := conn.Ping(ctx); err != nil {
			return WrapConnectionError("Ping", err)
		}
		return nil
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.Info("clickhouse connected", "hosts", cfg.Hosts, "database", cfg.Database)
	return &ClickHouse{conn: conn, database: cfg.Database, logger: logger}, nil
}

func (c *ClickHouse) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}

// prepare starts an insert batch.
func (c *ClickHouse) prepare(ctx context.Context, insert string) (insertBatch, error) {
	b, err := c.conn.PrepareBatch(ctx, insert)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Migrate applies the embedded ClickHouse migrations that are not yet
// recorded in schema_migrations.
func (c *ClickHouse) Migrate(ctx context.Context) error {
	if err := c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.database)); err != nil {
		return WrapQueryError("Migrate", "", err)
	}
	if err := c.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    UInt32,
			name       String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		ORDER BY version`); err != nil {
		return WrapQueryError("Migrate", "schema_migrations", err)
	}

	applied, err := c.appliedVersions(ctx)
	if err != nil {
		return err
	}
	migrations, err := readMigrations(backendClickHouse)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		for _, stmt := range m.statements {
			if err := c.conn.Exec(ctx, stmt); err != nil {
				return WrapQueryError("Migrate", m.name, err)
			}
		}
		if err := c.conn.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			uint32(m.version), m.name); err != nil {
			return WrapQueryError("Migrate", "schema_migrations", err)
		}
		c.logger.Info("migration applied", "version", m.version, "name", m.name)
	}
	return nil
}

func (c *ClickHouse) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := c.conn.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, WrapQueryError("Migrate", "schema_migrations", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			return nil, WrapQueryError("Migrate", "schema_migrations", err)
		}
		applied[int(v)] = true
	}
	return applied, rows.Err()
}

// RetentionConfig sets TTLs on the mirror tables. Zero keeps the TTL from the
// migrations.
type RetentionConfig struct {
	AlertsTTL    time.Duration `yaml:"alerts_ttl"`
	IncidentsTTL time.Duration `yaml:"incidents_ttl"`
}

type tablePolicy struct {
	table  string
	column string
	ttl    time.Duration
}

// ttlStatement renders the ALTER for one policy, or "" when it is unset.
// ClickHouse TTLs are whole days.
func ttlStatement(p tablePolicy) string {
	if p.ttl <= 0 {
		return ""
	}
	days := max(int(p.ttl.Hours()/24), 1)
	return fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE", p.table, p.column, days)
}

// ApplyRetention updates the table TTLs. Every table is attempted; the
// failures are returned together.
func (c *ClickHouse) ApplyRetention(ctx context.Context, cfg RetentionConfig) error {
	policies := []tablePolicy{
		{"alerts", "event_timestamp", cfg.AlertsTTL},
		{"incidents", "created_at", cfg.IncidentsTTL},
		{"incident_alerts", "created_at", cfg.IncidentsTTL},
	}

	var errs []error
	for _, p := range policies {
		stmt := ttlStatement(p)
		if stmt == "" {
			continue
		}
		if err := c.conn.Exec(ctx, stmt); err != nil {
			errs = append(errs, WrapQueryError("ApplyRetention", p.table, err))
			continue
		}
		c.logger.Info("retention applied", "table", p.table, "ttl", p.ttl)
	}
	return errors.Join(errs...)
}
