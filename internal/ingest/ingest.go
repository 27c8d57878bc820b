// Package ingest is the ground-side telemetry sink: it decodes frames heard
// on the link, tracks sequence loss and radio quality, keeps the node
// registry current and batches decoded messages into the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/frame"
	"github.com/uorocketry/rgs-sub000/internal/gateway"
	"github.com/uorocketry/rgs-sub000/internal/metrics"
	"github.com/uorocketry/rgs-sub000/internal/radio"
	"github.com/uorocketry/rgs-sub000/internal/state"
	"github.com/uorocketry/rgs-sub000/internal/store"
	"github.com/uorocketry/rgs-sub000/internal/transport"
)

// Store is what the ingestor writes.
type Store interface {
	InsertTelemetryBatch(ctx context.Context, msgs []store.TelemetryMessage) error
	InsertRadioMetrics(ctx context.Context, m store.RadioMetrics) error
}

// Registry folds messages into per-node state.
type Registry interface {
	Observe(msg *radio.Message, at time.Time) state.Node
	Flush(ctx context.Context) error
}

// Link is a framed connection the ingestor owns.
type Link interface {
	transport.Link
	Close() error
}

type Dialer func(ctx context.Context) (Link, error)

type Config struct {
	BatchSize      int
	BatchTimeout   time.Duration
	ReconnectDelay time.Duration
}

// Ingestor is safe for concurrent use; Accept may be called from a link
// monitor while Consume runs elsewhere.
type Ingestor struct {
	cfg   Config
	db    Store
	nodes Registry
	bus   *gateway.EventBus
	log   *zap.Logger
	now   func() time.Time

	mu        sync.Mutex
	loss      map[uint16]*frame.LossCounter
	batch     []store.TelemetryMessage
	lastFlush time.Time
}

func New(cfg Config, db Store, nodes Registry, bus *gateway.EventBus, log *zap.Logger) *Ingestor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 500 * time.Millisecond
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Ingestor{
		cfg:       cfg,
		db:        db,
		nodes:     nodes,
		bus:       bus,
		log:       log,
		now:       time.Now,
		loss:      make(map[uint16]*frame.LossCounter),
		lastFlush: time.Now(),
	}
}

// Accept processes one frame. Decode failures are counted and dropped.
func (in *Ingestor) Accept(ctx context.Context, f frame.Frame) {
	now := in.now()
	in.trackLoss(ctx, f, now)

	switch f.MessageID {
	case frame.MsgIDRadioStatus:
		metrics.FramesTotal.WithLabelValues("radio_status").Inc()
		in.recordRadioStatus(ctx, f, now)
	case frame.MsgIDPostcard:
		in.acceptMessage(ctx, f, now)
	default:
		metrics.FramesTotal.WithLabelValues("other").Inc()
	}
}

func (in *Ingestor) trackLoss(ctx context.Context, f frame.Frame, now time.Time) {
	key := uint16(f.SystemID)<<8 | uint16(f.ComponentID)
	in.mu.Lock()
	c, ok := in.loss[key]
	if !ok {
		c = &frame.LossCounter{}
		in.loss[key] = c
	}
	lost := c.Observe(f.Sequence)
	in.mu.Unlock()

	if lost == 0 {
		return
	}
	metrics.PacketsLost.Add(float64(lost))
	n := int64(lost)
	in.insertMetrics(ctx, store.RadioMetrics{Timestamp: now, PacketsLost: &n})
}

// RADIO_STATUS wire order: rxerrors u16, fixed u16, rssi, remrssi, txbuf,
// noise, remnoise.
func (in *Ingestor) recordRadioStatus(ctx context.Context, f frame.Frame, now time.Time) {
	rssi := int64(f.Payload[4])
	in.insertMetrics(ctx, store.RadioMetrics{Timestamp: now, RSSI: &rssi})
}

func (in *Ingestor) insertMetrics(ctx context.Context, m store.RadioMetrics) {
	if err := in.db.InsertRadioMetrics(ctx, m); err != nil {
		in.log.Warn("ingest: radio metrics", zap.Error(err))
		return
	}
	in.bus.PublishData(gateway.EventRadioMetrics, m)
}

func (in *Ingestor) acceptMessage(ctx context.Context, f frame.Frame, now time.Time) {
	// Decode the whole slot: trailing zeros trimmed on the wire belong to it.
	msg, err := radio.Unmarshal(f.Payload[:])
	if err != nil {
		metrics.DecodeErrors.Inc()
		in.log.Debug("ingest: undecodable message", zap.Uint8("seq", f.Sequence), zap.Error(err))
		return
	}
	kind := msg.Kind()
	metrics.FramesTotal.WithLabelValues(kind).Inc()

	node := in.nodes.Observe(msg, now)
	in.bus.PublishTelemetry(gateway.Telemetry{
		Node:             msg.Node.String(),
		Kind:             kind,
		Sequence:         f.Sequence,
		MillisSinceStart: msg.MillisSinceStart,
	})
	in.bus.PublishData(gateway.EventNodeUpdate, node)

	rec := store.TelemetryMessage{
		ReceivedAt: now,
		Node:       msg.Node.String(),
		Kind:       kind,
		Sequence:   f.Sequence,
		Payload:    append([]byte(nil), f.Bytes()...),
	}
	in.mu.Lock()
	in.batch = append(in.batch, rec)
	full := len(in.batch) >= in.cfg.BatchSize
	in.mu.Unlock()

	if full {
		if err := in.Flush(ctx); err != nil {
			in.log.Error("ingest: flush", zap.Error(err))
		}
	}
}

// Flush writes the pending batch and the node registry. A batch that fails to
// write is dropped so a broken store cannot grow memory without bound.
func (in *Ingestor) Flush(ctx context.Context) error {
	in.mu.Lock()
	batch := in.batch
	in.batch = nil
	in.lastFlush = in.now()
	in.mu.Unlock()

	var errs []error
	if err := in.db.InsertTelemetryBatch(ctx, batch); err != nil {
		errs = append(errs, fmt.Errorf("ingest: drop %d messages: %w", len(batch), err))
	}
	if err := in.nodes.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Pending returns the number of buffered messages.
func (in *Ingestor) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.batch)
}

func (in *Ingestor) flushDue() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.batch) > 0 && in.now().Sub(in.lastFlush) >= in.cfg.BatchTimeout
}

// FlushIfDue flushes when messages have waited BatchTimeout. Callers that
// feed Accept without Consume call it periodically.
func (in *Ingestor) FlushIfDue(ctx context.Context) {
	if !in.flushDue() {
		return
	}
	if err := in.Flush(ctx); err != nil {
		in.log.Error("ingest: flush", zap.Error(err))
	}
}

// Consume reads link until it fails or ctx is done, flushing on the batch
// timeout. The pending batch is flushed before returning.
func (in *Ingestor) Consume(ctx context.Context, link transport.Link) error {
	// Shutdown still writes what was received.
	defer func() {
		if err := in.Flush(context.WithoutCancel(ctx)); err != nil {
			in.log.Error("ingest: final flush", zap.Error(err))
		}
	}()

	for ctx.Err() == nil {
		f, err := link.Recv()
		switch {
		case err == nil:
			in.Accept(ctx, f)
		case errors.Is(err, transport.ErrWouldBlock):
		default:
			return err
		}
		in.FlushIfDue(ctx)
	}
	return nil
}

// Run dials with dial and consumes until ctx is cancelled, redialling after
// ReconnectDelay whenever the link drops.
func (in *Ingestor) Run(ctx context.Context, dial Dialer) error {
	for {
		link, err := dial(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrUnknownScheme) || errors.Is(err, transport.ErrBadAddress) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			in.log.Warn("ingest: dial failed", zap.Error(err), zap.Duration("retry_in", in.cfg.ReconnectDelay))
		} else {
			in.log.Info("ingest: link connected")
			err = in.Consume(ctx, link)
			link.Close()
			if ctx.Err() != nil {
				return nil
			}
			in.log.Warn("ingest: link lost", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(in.cfg.ReconnectDelay):
		}
	}
}

// DialGateway returns a Dialer for a connection string.
func DialGateway(conn string, readTimeout time.Duration, log *zap.Logger) Dialer {
	return func(ctx context.Context) (Link, error) {
		t, err := transport.Open(ctx, conn, readTimeout)
		if err != nil {
			return nil, err
		}
		// The ingestor never sends; ids only matter for the frame header.
		return transport.NewConn(t, 255, 191, log), nil
	}
}
