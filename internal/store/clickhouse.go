package store

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"decoynet/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// ClickHouseConfig holds the ClickHouse connection configuration.
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
}

// DefaultClickHouseConfig returns the default ClickHouse configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "decoynet",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

const alertsTableDDL = `
	CREATE TABLE IF NOT EXISTS alerts (
		id UUID,
		type LowCardinality(String),
		severity LowCardinality(String),
		message String,
		timestamp DateTime64(6, 'UTC'),
		prev_hash FixedString(64),
		hash FixedString(64),
		inserted_at DateTime DEFAULT now()
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (timestamp, id)
`

// ClickHouseStore persists alert records in ClickHouse. The hash chain
// head is held in memory under a mutex, serializing appends, and is
// re-seeded from the newest stored row on open.
type ClickHouseStore struct {
	conn   driver.Conn
	config ClickHouseConfig

	mu       sync.Mutex
	lastHash string
}

// NewClickHouseStore connects, ensures the schema, and seeds the chain
// head.
func NewClickHouseStore(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseStore, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, wrapErr("Open", ErrConnectionFailed, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		return nil, wrapErr("Ping", ErrConnectionFailed, err)
	}

	s := &ClickHouseStore{conn: conn, config: cfg, lastHash: genesisHash}
	if err := s.conn.Exec(ctx, alertsTableDDL); err != nil {
		conn.Close()
		return nil, wrapErr("EnsureSchema", ErrQueryFailed, err)
	}
	if err := s.seedChainHead(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseStore) seedChainHead(ctx context.Context) error {
	rows, err := s.conn.Query(ctx,
		"SELECT hash FROM alerts ORDER BY timestamp DESC, id DESC LIMIT 1")
	if err != nil {
		return wrapErr("SeedChain", ErrQueryFailed, err)
	}
	defer rows.Close()

	if rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return wrapErr("SeedChain", ErrQueryFailed, err)
		}
		s.lastHash = strings.TrimRight(hash, "\x00")
	}
	return nil
}

// Append inserts the record, extending the hash chain.
func (s *ClickHouseStore) Append(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.PrevHash = s.lastHash
	record.Hash = chainHash(record.PrevHash, record)

	err := s.conn.Exec(ctx,
		"INSERT INTO alerts (id, type, severity, message, timestamp, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?)",
		record.ID,
		record.Type,
		string(record.Severity),
		record.Message,
		record.Timestamp.UTC(),
		record.PrevHash,
		record.Hash,
	)
	if err != nil {
		return wrapErr("Append", ErrAppendFailed, err)
	}
	s.lastHash = record.Hash
	return nil
}

// Query returns matching records most recent first.
func (s *ClickHouseStore) Query(ctx context.Context, filter Filter) ([]*Record, error) {
	var sb strings.Builder
	sb.WriteString("SELECT id, type, severity, message, timestamp, prev_hash, hash FROM alerts WHERE 1=1")
	var args []any

	if filter.Type != "" {
		sb.WriteString(" AND type = ?")
		args = append(args, filter.Type)
	}
	if filter.Severity != "" {
		sb.WriteString(" AND severity = ?")
		args = append(args, string(filter.Severity))
	}
	if !filter.Since.IsZero() {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, filter.Until.UTC())
	}
	sb.WriteString(" ORDER BY timestamp DESC, id DESC")
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("Query", ErrQueryFailed, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			r        Record
			id       uuid.UUID
			severity string
		)
		if err := rows.Scan(&id, &r.Type, &severity, &r.Message, &r.Timestamp, &r.PrevHash, &r.Hash); err != nil {
			return nil, wrapErr("Query", ErrQueryFailed, err)
		}
		r.ID = id
		r.Severity = schema.Severity(severity)
		r.PrevHash = strings.TrimRight(r.PrevHash, "\x00")
		r.Hash = strings.TrimRight(r.Hash, "\x00")
		out = append(out, &r)
	}
	return out, nil
}

// Count returns the total number of stored records.
func (s *ClickHouseStore) Count(ctx context.Context) (int, error) {
	rows, err := s.conn.Query(ctx, "SELECT count() FROM alerts")
	if err != nil {
		return 0, wrapErr("Count", ErrQueryFailed, err)
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, wrapErr("Count", ErrQueryFailed, err)
		}
	}
	return int(count), nil
}

// Close closes the ClickHouse connection.
func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}
