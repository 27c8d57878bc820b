// Package outbox drains the OutgoingCommand table onto the radio link.
//
// Every record is claimed (Sending) before it is transmitted and ends as Sent
// or Failed. Nothing is retried automatically: a failed command needs a new
// record.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/frame"
	"github.com/uorocketry/rgs-sub000/internal/gateway"
	"github.com/uorocketry/rgs-sub000/internal/metrics"
	"github.com/uorocketry/rgs-sub000/internal/radio"
	"github.com/uorocketry/rgs-sub000/internal/store"
	"github.com/uorocketry/rgs-sub000/internal/transport"
)

// ErrConnectionLost aborts a batch; the caller drops the link and redials.
var ErrConnectionLost = errors.New("outbox: connection lost")

// RecordError ties a processing failure to its outbox record.
type RecordError struct {
	ID  int64
	Err error
}

func (e *RecordError) Error() string { return fmt.Sprintf("outbox: command %d: %v", e.ID, e.Err) }

func (e *RecordError) Unwrap() error { return e.Err }

// Link is the framed radio connection the dispatcher owns.
type Link interface {
	transport.Link
	Close() error
}

// Dialer opens a fresh Link.
type Dialer func(ctx context.Context) (Link, error)

// Store is the slice of the outbox table the dispatcher uses.
type Store interface {
	PendingCommands(ctx context.Context, limit int) ([]store.OutgoingCommand, error)
	MarkSending(ctx context.Context, id int64, at time.Time) error
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, at time.Time, reason string) error
}

// Ticker runs once per poll cycle on the same link, after the batch. A
// non-nil error means the link is gone.
type Ticker interface {
	Tick(ctx context.Context, link transport.Link) error
}

type Config struct {
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	BatchSize      int
	Target         radio.Node
}

// Dispatcher is single-threaded: Run owns the link and drives both the
// outbox and the optional Ticker.
type Dispatcher struct {
	cfg     Config
	db      Store
	dial    Dialer
	ticker  Ticker
	bus     *gateway.EventBus
	log     *zap.Logger
	now     func() time.Time
	started time.Time
	pingSeq uint32
}

func New(cfg Config, db Store, dial Dialer, ticker Ticker, bus *gateway.EventBus, log *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		db:      db,
		dial:    dial,
		ticker:  ticker,
		bus:     bus,
		log:     log,
		now:     time.Now,
		started: time.Now(),
	}
}

// DialGateway returns a Dialer for a connection string.
func DialGateway(conn string, sysID, compID uint8, readTimeout time.Duration, log *zap.Logger) Dialer {
	return func(ctx context.Context) (Link, error) {
		t, err := transport.Open(ctx, conn, readTimeout)
		if err != nil {
			return nil, err
		}
		return transport.NewConn(t, sysID, compID, log), nil
	}
}

// Run dials the gateway and processes the outbox until ctx is cancelled. It
// returns early only when the store is unreachable at startup or the
// connection string can never work.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.db.PendingCommands(ctx, 1); err != nil {
		return fmt.Errorf("outbox: initial store access: %w", err)
	}

	for {
		link, err := d.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.serve(ctx, link)
		link.Close()
		if ctx.Err() != nil {
			return nil
		}
		d.log.Warn("outbox: link lost, reconnecting", zap.Duration("delay", d.cfg.ReconnectDelay))
		if !sleep(ctx, d.cfg.ReconnectDelay) {
			return nil
		}
	}
}

func (d *Dispatcher) connect(ctx context.Context) (Link, error) {
	for {
		link, err := d.dial(ctx)
		if err == nil {
			d.log.Info("outbox: link connected")
			return link, nil
		}
		if errors.Is(err, transport.ErrUnknownScheme) || errors.Is(err, transport.ErrBadAddress) {
			return nil, err
		}
		d.log.Warn("outbox: dial failed", zap.Error(err), zap.Duration("retry_in", d.cfg.ReconnectDelay))
		if !sleep(ctx, d.cfg.ReconnectDelay) {
			return nil, ctx.Err()
		}
	}
}

// serve runs poll cycles until the link is lost or ctx is done.
func (d *Dispatcher) serve(ctx context.Context, link Link) {
	t := time.NewTicker(d.cfg.PollInterval)
	defer t.Stop()

	for {
		if _, err := d.PollOnce(ctx, link); err != nil {
			if errors.Is(err, ErrConnectionLost) {
				return
			}
			d.log.Error("outbox: poll", zap.Error(err))
		}
		if d.ticker != nil {
			if err := d.ticker.Tick(ctx, link); err != nil {
				d.log.Warn("outbox: link check failed", zap.Error(err))
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// PollOnce processes one batch of Pending records in FIFO order and returns
// how many were handled. A lost connection stops the batch with
// ErrConnectionLost; other per-record failures are logged and skipped.
func (d *Dispatcher) PollOnce(ctx context.Context, link Link) (int, error) {
	recs, err := d.db.PendingCommands(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("outbox: fetch pending: %w", err)
	}

	for i, rec := range recs {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		err := d.ProcessOne(ctx, link, rec)
		if err == nil {
			continue
		}
		d.log.Warn("outbox: command failed",
			zap.Int64("id", rec.ID),
			zap.String("type", rec.CommandType),
			zap.Error(err),
		)
		var perm *PermanentError
		if !errors.As(err, &perm) && transport.IsConnectionLost(err) {
			return i + 1, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
	}
	return len(recs), nil
}

// ProcessOne claims, resolves, sends and finalises a single record. Failures
// are returned as *RecordError.
func (d *Dispatcher) ProcessOne(ctx context.Context, link Link, rec store.OutgoingCommand) error {
	log := d.log.With(zap.Int64("id", rec.ID), zap.String("type", rec.CommandType))

	if err := d.db.MarkSending(ctx, rec.ID, d.now()); err != nil {
		return &RecordError{ID: rec.ID, Err: err}
	}

	cmd, err := Resolve(rec.CommandType, rec.Parameters, d.cfg.Target)
	if err != nil {
		return d.fail(ctx, rec, err)
	}
	if p, ok := cmd.Data.(radio.Ping); ok && p.ID == 0 {
		d.pingSeq = d.pingSeq%(radio.PingIDMonitor-1) + 1
		cmd.Data = radio.Ping{ID: d.pingSeq}
	}

	payload, err := radio.Marshal(&radio.Message{
		Node:             radio.NodeGroundStation,
		MillisSinceStart: uint64(d.now().Sub(d.started).Milliseconds()),
		Command:          &cmd,
	})
	if err != nil {
		return d.fail(ctx, rec, &PermanentError{CommandType: rec.CommandType, Err: err})
	}
	if len(payload) > frame.PayloadCap {
		log.Warn("outbox: payload truncated", zap.Int("len", len(payload)))
	}

	if err := link.Send(frame.MsgIDPostcard, payload); err != nil {
		return d.fail(ctx, rec, err)
	}

	if err := d.db.MarkSent(ctx, rec.ID, d.now()); err != nil {
		return &RecordError{ID: rec.ID, Err: err}
	}
	log.Info("outbox: command sent")
	metrics.CommandsTotal.WithLabelValues(rec.CommandType, string(store.StatusSent)).Inc()
	d.publish(rec, store.StatusSent, "")
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, rec store.OutgoingCommand, cause error) error {
	metrics.CommandsTotal.WithLabelValues(rec.CommandType, string(store.StatusFailed)).Inc()
	d.publish(rec, store.StatusFailed, cause.Error())
	if err := d.db.MarkFailed(ctx, rec.ID, d.now(), cause.Error()); err != nil {
		return &RecordError{ID: rec.ID, Err: errors.Join(cause, err)}
	}
	return &RecordError{ID: rec.ID, Err: cause}
}

func (d *Dispatcher) publish(rec store.OutgoingCommand, status store.CommandStatus, reason string) {
	d.bus.PublishCommand(gateway.CommandChange{
		ID:          rec.ID,
		CommandType: rec.CommandType,
		Status:      string(status),
		Error:       reason,
	})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
