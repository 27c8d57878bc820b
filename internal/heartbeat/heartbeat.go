// Package heartbeat keeps the ServiceStatus and ServicePing tables fresh and
// produces the periodic Ping commands that exercise the outbox end to end.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/radio"
	"github.com/uorocketry/rgs-sub000/internal/store"
)

// Identity names one running service instance.
type Identity struct {
	Service    string
	Hostname   string
	InstanceID string // <service>@<hostname>-<pid>
}

func NewIdentity(service string) Identity {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown_hostname"
	}
	return Identity{
		Service:    service,
		Hostname:   host,
		InstanceID: fmt.Sprintf("%s@%s-%d", service, host, os.Getpid()),
	}
}

// ── Service status ────────────────────────────────────────────────────────

type StatusStore interface {
	UpsertServiceStatus(ctx context.Context, s store.ServiceStatus) error
}

// StatusReporter upserts a "Running" row every interval.
type StatusReporter struct {
	db       StatusStore
	id       Identity
	interval time.Duration
	message  string
	log      *zap.Logger
	started  time.Time
}

func NewStatusReporter(db StatusStore, id Identity, interval time.Duration, message string, log *zap.Logger) *StatusReporter {
	return &StatusReporter{
		db:       db,
		id:       id,
		interval: interval,
		message:  message,
		log:      log,
		started:  time.Now().UTC(),
	}
}

// Run reports immediately, then on every tick, until ctx is done.
func (r *StatusReporter) Run(ctx context.Context) error {
	r.log.Info("heartbeat: status reporter started",
		zap.String("instance", r.id.InstanceID),
		zap.Duration("interval", r.interval),
	)
	return every(ctx, r.interval, func() { r.Report(ctx) })
}

func (r *StatusReporter) Report(ctx context.Context) {
	err := r.db.UpsertServiceStatus(ctx, store.ServiceStatus{
		InstanceID:      r.id.InstanceID,
		ServiceName:     r.id.Service,
		Hostname:        r.id.Hostname,
		Status:          "Running",
		StatusMessage:   r.message,
		LastHeartbeatAt: time.Now().UTC(),
		StartTime:       r.started,
	})
	if err != nil {
		r.log.Warn("heartbeat: update service status", zap.String("instance", r.id.InstanceID), zap.Error(err))
	}
}

// ── Ping commands ─────────────────────────────────────────────────────────

type CommandStore interface {
	InsertCommand(ctx context.Context, commandType string, parameters *string, source string) (int64, error)
}

// PingQueuer inserts a Pending Ping command with an increasing id on every
// tick. The first command is queued after one interval.
type PingQueuer struct {
	db       CommandStore
	source   string
	interval time.Duration
	log      *zap.Logger
	nextID   uint32
}

func NewPingQueuer(db CommandStore, source string, interval time.Duration, log *zap.Logger) *PingQueuer {
	return &PingQueuer{db: db, source: source, interval: interval, log: log, nextID: 1}
}

func (q *PingQueuer) Run(ctx context.Context) error {
	q.log.Info("heartbeat: ping queuer started", zap.Duration("interval", q.interval))
	t := time.NewTicker(q.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := q.Enqueue(ctx); err != nil {
				q.log.Error("heartbeat: queue ping", zap.Error(err))
			}
		}
	}
}

// Enqueue queues one Ping and advances the id even when the insert fails.
func (q *PingQueuer) Enqueue(ctx context.Context) (int64, error) {
	// Ids stay below the link monitor's range.
	id := q.nextID
	q.nextID = q.nextID%(radio.PingIDMonitor-1) + 1

	b, err := json.Marshal(struct {
		ID uint32 `json:"id"`
	}{ID: id})
	if err != nil {
		return 0, err
	}
	params := string(b)

	insCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rowID, err := q.db.InsertCommand(insCtx, "Ping", &params, q.source)
	if err != nil {
		return 0, fmt.Errorf("heartbeat: insert ping %d: %w", id, err)
	}
	q.log.Debug("heartbeat: ping queued", zap.Uint32("ping_id", id), zap.Int64("record", rowID))
	return rowID, nil
}

// ── Service pings ─────────────────────────────────────────────────────────

type PingStore interface {
	InsertServicePing(ctx context.Context, serviceID, hostname string, at time.Time) error
}

// ServicePinger appends a ServicePing row every interval.
type ServicePinger struct {
	db       PingStore
	id       Identity
	interval time.Duration
	log      *zap.Logger
}

func NewServicePinger(db PingStore, id Identity, interval time.Duration, log *zap.Logger) *ServicePinger {
	return &ServicePinger{db: db, id: id, interval: interval, log: log}
}

func (p *ServicePinger) Run(ctx context.Context) error {
	return every(ctx, p.interval, func() {
		if err := p.db.InsertServicePing(ctx, p.id.Service, p.id.Hostname, time.Now().UTC()); err != nil {
			p.log.Warn("heartbeat: service ping", zap.Error(err))
		}
	})
}

// every runs fn now and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) error {
	fn()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}
