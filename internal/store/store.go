// Package store manages the SQLite database (WAL mode) shared by the ground
// services: the command outbox, service status, radio metrics and telemetry.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var ErrNotFound = errors.New("store: not found")

// DB wraps *sql.DB with domain helpers.
type DB struct {
	*sql.DB
	now func() time.Time
}

// Open opens (or creates) the SQLite file at path with WAL journal mode.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	raw, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := raw.PingContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	// Limit writer concurrency to 1; SQLite WAL allows concurrent readers.
	raw.SetMaxOpenConns(1)
	return &DB{DB: raw, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Migrate applies the DDL schema to the database.
// It is idempotent (IF NOT EXISTS everywhere).
func Migrate(db *DB) error {
	ddl := []string{
		ddlOutgoingCommand,
		ddlServiceStatus,
		ddlServicePing,
		ddlRadioMetrics,
		ddlTelemetryMessage,
		ddlNode,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// ── DDL statements ────────────────────────────────────────────────────────

const ddlOutgoingCommand = `
CREATE TABLE IF NOT EXISTS OutgoingCommand (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    command_type   TEXT    NOT NULL,
    parameters     TEXT,                       -- JSON, schema depends on command_type
    status         TEXT    NOT NULL DEFAULT 'Pending'
                   CHECK (status IN ('Pending', 'Sending', 'Sent', 'Failed')),
    source_service TEXT    NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,           -- Unix seconds
    queued_at      INTEGER,
    sent_at        INTEGER,
    attempts       INTEGER NOT NULL DEFAULT 0,
    error_message  TEXT
);
CREATE INDEX IF NOT EXISTS idx_outgoing_command_pending ON OutgoingCommand (status, created_at);
`

const ddlServiceStatus = `
CREATE TABLE IF NOT EXISTS ServiceStatus (
    service_instance_id TEXT    PRIMARY KEY,   -- <service>@<hostname>-<pid>
    service_name        TEXT    NOT NULL,
    hostname            TEXT    NOT NULL,
    status              TEXT    NOT NULL,
    status_message      TEXT,
    last_heartbeat_at   INTEGER NOT NULL,
    start_time          INTEGER NOT NULL
);
`

const ddlServicePing = `
CREATE TABLE IF NOT EXISTS ServicePing (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    service_id    TEXT    NOT NULL,
    hostname      TEXT    NOT NULL,
    app_timestamp INTEGER NOT NULL
);
`

const ddlRadioMetrics = `
CREATE TABLE IF NOT EXISTS RadioMetrics (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp    INTEGER NOT NULL,
    rssi         INTEGER,
    packets_lost INTEGER
);
CREATE INDEX IF NOT EXISTS idx_radio_metrics_timestamp ON RadioMetrics (timestamp DESC);
`

const ddlTelemetryMessage = `
CREATE TABLE IF NOT EXISTS TelemetryMessage (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    received_at INTEGER NOT NULL,              -- Unix milliseconds
    node        TEXT    NOT NULL,
    kind        TEXT    NOT NULL,              -- command | sensor | log | state
    sequence    INTEGER NOT NULL,
    payload     BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_telemetry_received_at ON TelemetryMessage (received_at DESC);
`

const ddlNode = `
CREATE TABLE IF NOT EXISTS Node (
    node          TEXT    PRIMARY KEY,
    last_seen     INTEGER NOT NULL,            -- Unix seconds
    message_count INTEGER NOT NULL DEFAULT 0,
    last_kind     TEXT    NOT NULL DEFAULT ''
);
`
