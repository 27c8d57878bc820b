package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RadioMetrics is one link-quality sample. Either field may be absent.
type RadioMetrics struct {
	Timestamp   time.Time `json:"timestamp"`
	RSSI        *int64    `json:"rssi,omitempty"`
	PacketsLost *int64    `json:"packets_lost,omitempty"`
}

// TelemetryMessage is a decoded radio message kept for analysis.
type TelemetryMessage struct {
	ID         int64     `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	Node       string    `json:"node"`
	Kind       string    `json:"kind"`
	Sequence   uint8     `json:"sequence"`
	Payload    []byte    `json:"payload"`
}

// InsertRadioMetrics appends a link-quality sample.
func (db *DB) InsertRadioMetrics(ctx context.Context, m RadioMetrics) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO RadioMetrics (timestamp, rssi, packets_lost) VALUES (?, ?, ?)`,
		m.Timestamp.Unix(), nullInt(m.RSSI), nullInt(m.PacketsLost),
	)
	if err != nil {
		return fmt.Errorf("store: insert radio metrics: %w", err)
	}
	return nil
}

// RecentRadioMetrics returns the n most recent samples.
func (db *DB) RecentRadioMetrics(ctx context.Context, n int) ([]RadioMetrics, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT timestamp, rssi, packets_lost FROM RadioMetrics
		ORDER BY timestamp DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: list radio metrics: %w", err)
	}
	defer rows.Close()

	var out []RadioMetrics
	for rows.Next() {
		var (
			ts         int64
			rssi, lost sql.NullInt64
		)
		if err := rows.Scan(&ts, &rssi, &lost); err != nil {
			return nil, fmt.Errorf("store: scan radio metrics: %w", err)
		}
		m := RadioMetrics{Timestamp: time.Unix(ts, 0).UTC()}
		if rssi.Valid {
			m.RSSI = &rssi.Int64
		}
		if lost.Valid {
			m.PacketsLost = &lost.Int64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertTelemetryBatch stores msgs in one transaction.
func (db *DB) InsertTelemetryBatch(ctx context.Context, msgs []TelemetryMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: telemetry batch: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO TelemetryMessage (received_at, node, kind, sequence, payload)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: telemetry batch: prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.ReceivedAt.UnixMilli(), m.Node, m.Kind, int(m.Sequence), m.Payload); err != nil {
			return fmt.Errorf("store: telemetry batch: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: telemetry batch: commit: %w", err)
	}
	return nil
}

// RecentTelemetry returns the n most recent messages, newest first.
func (db *DB) RecentTelemetry(ctx context.Context, n int) ([]TelemetryMessage, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, received_at, node, kind, sequence, payload FROM TelemetryMessage
		ORDER BY received_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: list telemetry: %w", err)
	}
	defer rows.Close()

	var out []TelemetryMessage
	for rows.Next() {
		var (
			m   TelemetryMessage
			ms  int64
			seq int
		)
		if err := rows.Scan(&m.ID, &ms, &m.Node, &m.Kind, &seq, &m.Payload); err != nil {
			return nil, fmt.Errorf("store: scan telemetry: %w", err)
		}
		m.ReceivedAt = time.UnixMilli(ms).UTC()
		m.Sequence = uint8(seq)
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
