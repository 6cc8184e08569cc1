// Package sqlite is the persistence layer: users, deduplicated alerts
// with per-user links, the asynchronous error log, periodic exchange
// statistics and symbol normalization mappings. One Store handles both
// reads and writes; WAL mode keeps readers off the writer's back.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *log.Logger

	errCh chan errorJob

	// badOptions remembers option blobs that failed to decode so the
	// failure is logged once per user, not once per candle.
	optMu      sync.Mutex
	badOptions map[int64]string
}

// Open opens (creating if needed) the database and applies the schema.
func Open(dbPath string) (*Store, error) {
	dsn := dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=30000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// SQLite serializes writers anyway; a small pool lets WAL readers
	// run alongside the writer.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	s := &Store{
		db:         db,
		logger:     log.New(os.Stdout, "[sqlite] ", log.LstdFlags),
		errCh:      make(chan errorJob, errorQueueSize),
		badOptions: make(map[int64]string),
	}
	s.logger.Printf("opened database at %s", dbPath)
	return s, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			login         TEXT    NOT NULL UNIQUE,
			password_hash TEXT    NOT NULL DEFAULT '', -- written by the HTTP layer
			tg_token      TEXT    NOT NULL DEFAULT '',
			chat_id       TEXT    NOT NULL DEFAULT '',
			options       TEXT    NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			updated_at    INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			ts          INTEGER NOT NULL,
			exchange    TEXT    NOT NULL,
			market      TEXT    NOT NULL,
			symbol      TEXT    NOT NULL,
			delta       REAL    NOT NULL,
			wick_pct    REAL    NOT NULL,
			volume_usdt REAL    NOT NULL,
			meta        TEXT    NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			UNIQUE (ts, exchange, market, symbol, delta, wick_pct, volume_usdt)
		);
		CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts (ts);
		CREATE INDEX IF NOT EXISTS idx_alerts_instrument
			ON alerts (exchange, market, symbol, ts);

		CREATE TABLE IF NOT EXISTS user_alerts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
			alert_id   INTEGER NOT NULL REFERENCES alerts (id) ON DELETE CASCADE,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			UNIQUE (user_id, alert_id)
		);
		CREATE INDEX IF NOT EXISTS idx_user_alerts_alert ON user_alerts (alert_id);

		CREATE TABLE IF NOT EXISTS errors (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp     INTEGER NOT NULL,
			exchange      TEXT    NOT NULL DEFAULT '',
			error_type    TEXT    NOT NULL,
			error_message TEXT    NOT NULL,
			connection_id INTEGER NOT NULL DEFAULT 0,
			market        TEXT    NOT NULL DEFAULT '',
			symbol        TEXT    NOT NULL DEFAULT '',
			stack_trace   TEXT    NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_errors_timestamp ON errors (timestamp, exchange);

		CREATE TABLE IF NOT EXISTS exchange_statistics (
			exchange         TEXT    NOT NULL,
			market           TEXT    NOT NULL,
			symbols_count    INTEGER NOT NULL DEFAULT 0,
			ws_connections   INTEGER NOT NULL DEFAULT 0,
			batches_per_ws   INTEGER NOT NULL DEFAULT 0,
			reconnects       INTEGER NOT NULL DEFAULT 0,
			candles_count    INTEGER NOT NULL DEFAULT 0,
			last_candle_time INTEGER NOT NULL DEFAULT 0,
			ticks_per_second REAL    NOT NULL DEFAULT 0,
			updated_at       INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			PRIMARY KEY (exchange, market)
		);

		CREATE TABLE IF NOT EXISTS symbol_normalization (
			exchange   TEXT    NOT NULL,
			market     TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			normalized TEXT    NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			PRIMARY KEY (exchange, market, symbol)
		);
	`)
	return err
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// execRetry retries a write once when SQLite reports the database
// locked or busy; the busy_timeout handles the common case, this covers
// the boundary.
func (s *Store) execRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isBusy(err) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	return fn()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}
