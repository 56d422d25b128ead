package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/companions/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so ledger writes
	// take the write lock up front instead of failing on upgrade.
	dsn := dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		persona TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		max_tokens INTEGER NOT NULL DEFAULT 0,
		min_interval REAL NOT NULL,
		max_interval REAL NOT NULL,
		proactive_enabled INTEGER NOT NULL DEFAULT 1,
		timer_enabled INTEGER NOT NULL DEFAULT 1,
		pressure_enabled INTEGER NOT NULL DEFAULT 1,
		jealousy_enabled INTEGER NOT NULL DEFAULT 0,
		jealousy_chance REAL NOT NULL DEFAULT 0,
		pressure_level INTEGER NOT NULL DEFAULT 0,
		affinity INTEGER NOT NULL DEFAULT 50,
		is_blocked INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		diary_unlocked INTEGER NOT NULL DEFAULT 0,
		diary_password TEXT NOT NULL DEFAULT '',
		generation INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS wallets (
		account TEXT PRIMARY KEY,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		hidden INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation, id);

	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		amount INTEGER NOT NULL CHECK (amount > 0),
		note TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		claimed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS red_packets (
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		conversation TEXT NOT NULL DEFAULT '',
		total INTEGER NOT NULL CHECK (total > 0),
		count INTEGER NOT NULL CHECK (count > 0),
		mode TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		amounts_json TEXT NOT NULL,
		remaining_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS red_packet_claims (
		packet_id TEXT NOT NULL,
		claimer TEXT NOT NULL,
		seq INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		claimed_at INTEGER NOT NULL,
		PRIMARY KEY (packet_id, claimer),
		UNIQUE (packet_id, seq)
	);

	CREATE TABLE IF NOT EXISTS relationships (
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		affinity INTEGER NOT NULL DEFAULT 0,
		impression TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (source_id, target_id, scope)
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_scope ON relationships(scope);

	CREATE TABLE IF NOT EXISTS chat_groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		skip_probability REAL NOT NULL DEFAULT 0,
		no_chain INTEGER NOT NULL DEFAULT 0,
		generation INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		name TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (group_id, member_id)
	);

	CREATE TABLE IF NOT EXISTS moments (
		id TEXT PRIMARY KEY,
		author_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS moment_likes (
		moment_id TEXT NOT NULL,
		liker_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (moment_id, liker_id)
	);

	CREATE TABLE IF NOT EXISTS moment_comments (
		id TEXT PRIMARY KEY,
		moment_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_moment_comments_moment ON moment_comments(moment_id, created_at);

	CREATE TABLE IF NOT EXISTS diary_entries (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_diary_agent ON diary_entries(agent_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, retrying the whole transaction on
// SQLITE_BUSY conflicts.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", op, err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("Rollback failed", "op", op, "error", rbErr)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", op, err)
		}
		return nil
	})
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("Failed to close rows", "rows", what, "error", err)
	}
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v)
}
