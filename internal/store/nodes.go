package store

import (
	"context"
	"fmt"
	"time"
)

// NodeRecord is the persisted view of a vehicle node heard on the link.
type NodeRecord struct {
	Node         string
	LastSeen     time.Time
	MessageCount int64
	LastKind     string
}

// UpsertNode creates or refreshes a node row.
func (db *DB) UpsertNode(ctx context.Context, n NodeRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO Node (node, last_seen, message_count, last_kind)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node) DO UPDATE
		  SET last_seen     = excluded.last_seen,
		      message_count = excluded.message_count,
		      last_kind     = excluded.last_kind`,
		n.Node, n.LastSeen.Unix(), n.MessageCount, n.LastKind,
	)
	if err != nil {
		return fmt.Errorf("store: upsert node %s: %w", n.Node, err)
	}
	return nil
}

// ListNodeRecords returns every persisted node.
func (db *DB) ListNodeRecords(ctx context.Context) ([]NodeRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT node, last_seen, message_count, last_kind FROM Node`)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer rows.Close()

	var out []NodeRecord
	for rows.Next() {
		var (
			n    NodeRecord
			last int64
		)
		if err := rows.Scan(&n.Node, &last, &n.MessageCount, &n.LastKind); err != nil {
			return nil, fmt.Errorf("store: scan node: %w", err)
		}
		n.LastSeen = time.Unix(last, 0).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}
