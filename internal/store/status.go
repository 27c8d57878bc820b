package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ServiceStatus is the liveness record a service instance keeps fresh.
type ServiceStatus struct {
	InstanceID      string    `json:"service_instance_id"`
	ServiceName     string    `json:"service_name"`
	Hostname        string    `json:"hostname"`
	Status          string    `json:"status"`
	StatusMessage   string    `json:"status_message"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	StartTime       time.Time `json:"start_time"`
}

// UpsertServiceStatus creates or refreshes an instance's status. start_time is
// kept from the first insert when s.StartTime is zero.
func (db *DB) UpsertServiceStatus(ctx context.Context, s ServiceStatus) error {
	if s.LastHeartbeatAt.IsZero() {
		s.LastHeartbeatAt = db.now()
	}
	start := s.StartTime
	if start.IsZero() {
		start = s.LastHeartbeatAt
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO ServiceStatus (service_instance_id, service_name, hostname, status,
		                           status_message, last_heartbeat_at, start_time)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6,
		        COALESCE((SELECT start_time FROM ServiceStatus WHERE service_instance_id = ?1), ?7))
		ON CONFLICT(service_instance_id) DO UPDATE
		  SET service_name      = excluded.service_name,
		      hostname          = excluded.hostname,
		      status            = excluded.status,
		      status_message    = excluded.status_message,
		      last_heartbeat_at = excluded.last_heartbeat_at`,
		s.InstanceID, s.ServiceName, s.Hostname, s.Status, s.StatusMessage,
		s.LastHeartbeatAt.Unix(), start.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert service status %s: %w", s.InstanceID, err)
	}
	return nil
}

// GetServiceStatus fetches one instance's status.
func (db *DB) GetServiceStatus(ctx context.Context, instanceID string) (*ServiceStatus, error) {
	row := db.QueryRowContext(ctx, `
		SELECT service_instance_id, service_name, hostname, status, status_message,
		       last_heartbeat_at, start_time
		FROM ServiceStatus WHERE service_instance_id = ?`, instanceID)
	s, err := scanServiceStatus(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

// ListServiceStatus returns every known instance, most recently seen first.
func (db *DB) ListServiceStatus(ctx context.Context) ([]ServiceStatus, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT service_instance_id, service_name, hostname, status, status_message,
		       last_heartbeat_at, start_time
		FROM ServiceStatus ORDER BY last_heartbeat_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list service status: %w", err)
	}
	defer rows.Close()

	var out []ServiceStatus
	for rows.Next() {
		s, err := scanServiceStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// InsertServicePing appends a heartbeat row.
func (db *DB) InsertServicePing(ctx context.Context, serviceID, hostname string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ServicePing (service_id, hostname, app_timestamp) VALUES (?, ?, ?)`,
		serviceID, hostname, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: insert service ping: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServiceStatus(r rowScanner) (*ServiceStatus, error) {
	var (
		s           ServiceStatus
		msg         sql.NullString
		last, start int64
	)
	if err := r.Scan(&s.InstanceID, &s.ServiceName, &s.Hostname, &s.Status, &msg, &last, &start); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan service status: %w", err)
	}
	s.StatusMessage = msg.String
	s.LastHeartbeatAt = time.Unix(last, 0).UTC()
	s.StartTime = time.Unix(start, 0).UTC()
	return &s, nil
}
