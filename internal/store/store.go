// Package store is the SQL-backed collaborator behind user search, chat
// creation, message append and session records.
//
// The same queries run against sqlite3 and postgres; statements are written
// with '?' placeholders and rebound for postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/Tyrowin/gochat-rtc/internal/fanout"
)

var (
	// ErrNotFound is returned when a user or chat does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotMember is returned when a sender posts to a chat it does not
	// belong to.
	ErrNotMember = fanout.ErrNotMember
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	defaultSearchLimit = 20
)

// Config selects and tunes the database.
type Config struct {
	Driver       string
	DSN          string
	SearchLimit  int
	MaxOpenConns int
}

// Store implements fanout.Resolver, fanout.ChatStore, signaling.Directory and
// presence.SessionStore.
type Store struct {
	db          *sql.DB
	driver      string
	searchLimit int
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger
}

// Open connects to the configured database with tracing enabled and applies
// the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	var system attribute.KeyValue
	switch cfg.Driver {
	case DriverSQLite:
		system = semconv.DBSystemSqlite
	case DriverPostgres:
		system = semconv.DBSystemPostgreSQL
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	db, err := otelsql.Open(cfg.Driver, cfg.DSN, otelsql.WithAttributes(system))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(system))

	switch {
	case cfg.Driver == DriverSQLite:
		// In-memory databases exist per connection.
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db, cfg.Driver, cfg.SearchLimit, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store ready", "driver", cfg.Driver)
	return s, nil
}

// New wraps an open database.
func New(db *sql.DB, driver string, searchLimit int, logger *slog.Logger) *Store {
	if searchLimit <= 0 {
		searchLimit = defaultSearchLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:          db,
		driver:      driver,
		searchLimit: searchLimit,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       newID,
		logger:      logger,
	}
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		avatar_ref TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		direct_key TEXT UNIQUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_members (
		chat_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		PRIMARY KEY (chat_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_chat_idx ON messages (chat_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		connection_id TEXT NOT NULL DEFAULT '',
		online BOOLEAN NOT NULL,
		last_online TIMESTAMP NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
}

// Migrate creates missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind converts '?' placeholders to the driver's syntax.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
