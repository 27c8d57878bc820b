package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CommandStatus values are stored as literal strings.
type CommandStatus string

const (
	StatusPending CommandStatus = "Pending"
	StatusSending CommandStatus = "Sending"
	StatusSent    CommandStatus = "Sent"
	StatusFailed  CommandStatus = "Failed"
)

// ErrStatusConflict means the record was not in the state a transition
// requires, e.g. another dispatcher already claimed it.
var ErrStatusConflict = errors.New("store: command status conflict")

// OutgoingCommand is one row of the outbox.
type OutgoingCommand struct {
	ID            int64         `json:"id"`
	CommandType   string        `json:"command_type"`
	Parameters    *string       `json:"parameters,omitempty"`
	Status        CommandStatus `json:"status"`
	SourceService string        `json:"source_service"`
	CreatedAt     time.Time     `json:"created_at"`
	QueuedAt      *time.Time    `json:"queued_at,omitempty"`
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	Attempts      int           `json:"attempts"`
	ErrorMessage  *string       `json:"error_message,omitempty"`
}

const selectCommand = `
SELECT id, command_type, parameters, status, source_service,
       created_at, queued_at, sent_at, attempts, error_message
FROM OutgoingCommand`

// InsertCommand queues a new Pending command and returns its id.
func (db *DB) InsertCommand(ctx context.Context, commandType string, parameters *string, source string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO OutgoingCommand (command_type, parameters, status, created_at, source_service)
		VALUES (?, ?, 'Pending', ?, ?)`,
		commandType, parameters, db.now().Unix(), source,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert command: %w", err)
	}
	return res.LastInsertId()
}

// PendingCommands returns up to limit Pending commands, oldest first.
func (db *DB) PendingCommands(ctx context.Context, limit int) ([]OutgoingCommand, error) {
	return db.queryCommands(ctx, selectCommand+`
		WHERE status = 'Pending'
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
}

// ListCommands returns the limit most recent commands in any state.
func (db *DB) ListCommands(ctx context.Context, limit int) ([]OutgoingCommand, error) {
	return db.queryCommands(ctx, selectCommand+`
		ORDER BY id DESC
		LIMIT ?`, limit)
}

// GetCommand fetches one command by id.
func (db *DB) GetCommand(ctx context.Context, id int64) (*OutgoingCommand, error) {
	cmds, err := db.queryCommands(ctx, selectCommand+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(cmds) == 0 {
		return nil, ErrNotFound
	}
	return &cmds[0], nil
}

// MarkSending claims a Pending command before transmission: it stamps
// queued_at and counts the attempt.
func (db *DB) MarkSending(ctx context.Context, id int64, at time.Time) error {
	return db.transition(ctx, id, `
		UPDATE OutgoingCommand
		SET status = 'Sending', queued_at = ?, attempts = attempts + 1
		WHERE id = ? AND status = 'Pending'`,
		at.Unix(), id)
}

// MarkSent records a successful transmission.
func (db *DB) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return db.transition(ctx, id, `
		UPDATE OutgoingCommand
		SET status = 'Sent', sent_at = ?
		WHERE id = ? AND status = 'Sending'`,
		at.Unix(), id)
}

// MarkFailed records a failed attempt. Failed is terminal; retries need a new
// record.
func (db *DB) MarkFailed(ctx context.Context, id int64, at time.Time, reason string) error {
	return db.transition(ctx, id, `
		UPDATE OutgoingCommand
		SET status = 'Failed', sent_at = ?, error_message = ?
		WHERE id = ? AND status IN ('Pending', 'Sending')`,
		at.Unix(), reason, id)
}

// ── internal ──────────────────────────────────────────────────────────────

func (db *DB) transition(ctx context.Context, id int64, query string, args ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: command %d: begin: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: command %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: command %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: command %d", ErrStatusConflict, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: command %d: commit: %w", id, err)
	}
	return nil
}

func (db *DB) queryCommands(ctx context.Context, query string, args ...any) ([]OutgoingCommand, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query commands: %w", err)
	}
	defer rows.Close()

	var out []OutgoingCommand
	for rows.Next() {
		var (
			c                OutgoingCommand
			params, errMsg   sql.NullString
			status           string
			created          int64
			queuedAt, sentAt sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.CommandType, &params, &status, &c.SourceService,
			&created, &queuedAt, &sentAt, &c.Attempts, &errMsg); err != nil {
			return nil, fmt.Errorf("store: scan command: %w", err)
		}
		c.Status = CommandStatus(status)
		c.CreatedAt = time.Unix(created, 0).UTC()
		c.QueuedAt = nullTime(queuedAt)
		c.SentAt = nullTime(sentAt)
		if params.Valid {
			c.Parameters = &params.String
		}
		if errMsg.Valid {
			c.ErrorMessage = &errMsg.String
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
