// Package store is the SQLite-backed system of record for lockers,
// queued commands, the append-only event log, and kiosk heartbeats.
// All locker mutations go through an optimistic-CAS predicate on the
// version column; a zero-row update means a concurrent writer won and
// the caller retries the read-modify-write once, per the manager's
// failure semantics.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ManuGH/xg2g/internal/persistence/sqlite"
)

// ErrNotFound is returned when a lookup by primary key finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by CAS updates when the stored version no
// longer matches the version the caller read.
var ErrVersionConflict = errors.New("store: version conflict")

// Store is the SQLite-backed state store for the locker control plane.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the SQLite connection pool (WAL, busy_timeout, foreign_keys
// per sqlite.Open's mandatory PRAGMAs) and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// VerifyIntegrity runs SQLite's quick_check against the database file and
// returns the diagnostic rows if corruption is found.
func (s *Store) VerifyIntegrity() ([]string, error) {
	return sqlite.VerifyIntegrity(s.path, "quick")
}

const schema = `
CREATE TABLE IF NOT EXISTS lockers (
	kiosk_id     TEXT    NOT NULL,
	id           INTEGER NOT NULL,
	status       TEXT    NOT NULL DEFAULT 'Free',
	owner_type   TEXT    NOT NULL DEFAULT 'none',
	owner_key    TEXT    NOT NULL DEFAULT '',
	reserved_at  DATETIME,
	owned_at     DATETIME,
	version      INTEGER NOT NULL DEFAULT 0,
	is_vip       INTEGER NOT NULL DEFAULT 0,
	display_name TEXT    NOT NULL DEFAULT '',
	updated_at   DATETIME NOT NULL,
	PRIMARY KEY (kiosk_id, id)
);

CREATE INDEX IF NOT EXISTS idx_lockers_owner
	ON lockers(owner_key) WHERE status IN ('Owned', 'Opening');

CREATE TABLE IF NOT EXISTS command_queue (
	command_id      TEXT PRIMARY KEY,
	kiosk_id        TEXT    NOT NULL,
	command_type    TEXT    NOT NULL,
	payload         BLOB    NOT NULL,
	status          TEXT    NOT NULL DEFAULT 'pending',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 3,
	next_attempt_at DATETIME NOT NULL,
	last_error      TEXT    NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	executed_at     DATETIME,
	completed_at    DATETIME,
	trace_parent    TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_command_queue_pull
	ON command_queue(kiosk_id, status, next_attempt_at);

CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   DATETIME NOT NULL,
	kiosk_id    TEXT     NOT NULL,
	locker_id   INTEGER,
	event_type  TEXT     NOT NULL,
	rfid_card   TEXT     NOT NULL DEFAULT '',
	device_id   TEXT     NOT NULL DEFAULT '',
	staff_user  TEXT     NOT NULL DEFAULT '',
	details     TEXT     NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_kiosk_time ON events(kiosk_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(event_type, timestamp);

CREATE TABLE IF NOT EXISTS kiosk_heartbeat (
	kiosk_id              TEXT PRIMARY KEY,
	last_seen             DATETIME NOT NULL,
	zone                  TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL DEFAULT 'offline',
	version               TEXT NOT NULL DEFAULT '',
	telemetry_data        BLOB,
	last_telemetry_update DATETIME
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
