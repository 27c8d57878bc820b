// Package linkhealth measures the radio link with piggybacked ping/pong
// commands and records the round-trip time as service status.
package linkhealth

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
	"github.com/uorocketry/rgs-sub000/internal/store"
	"github.com/uorocketry/rgs-sub000/internal/transport"
)

// StatusStore receives the RTT-bearing status row.
type StatusStore interface {
	UpsertServiceStatus(ctx context.Context, s store.ServiceStatus) error
}

// Forwarder gets every drained frame, pongs included, and is given a chance
// to flush once per tick.
type Forwarder interface {
	Accept(ctx context.Context, f frame.Frame)
	FlushIfDue(ctx context.Context)
}

type Config struct {
	PingInterval   time.Duration
	InflightExpiry time.Duration
	DrainLimit     int
	Target         radio.Node

	InstanceID  string
	ServiceName string
	Hostname    string
}

// Snapshot is the monitor's state as exposed to the API.
type Snapshot struct {
	Inflight   int           `json:"inflight"`
	LastRTT    time.Duration `json:"last_rtt_ns"`
	LastPongAt time.Time     `json:"last_pong_at"`
	LastPingAt time.Time     `json:"last_ping_at"`
	Expired    uint64        `json:"expired"`
}

// Monitor shares the dispatcher's link and goroutine: Tick is called once per
// poll cycle. Snapshot may be called from any goroutine.
type Monitor struct {
	cfg    Config
	status StatusStore
	fwd    Forwarder
	bus    *gateway.EventBus
	log    *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[uint32]time.Time
	nextID   uint32
	lastPing time.Time
	lastRTT  time.Duration
	lastPong time.Time
	expired  uint64
	started  time.Time
}

func New(cfg Config, status StatusStore, fwd Forwarder, bus *gateway.EventBus, log *zap.Logger) *Monitor {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.InflightExpiry <= 0 {
		cfg.InflightExpiry = 6 * cfg.PingInterval
	}
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = 8
	}
	return &Monitor{
		cfg:      cfg,
		status:   status,
		fwd:      fwd,
		bus:      bus,
		log:      log,
		now:      time.Now,
		inflight: make(map[uint32]time.Time),
		nextID:   1,
		started:  time.Now(),
	}
}

// Tick sends a ping when one is due, then drains up to DrainLimit frames
// looking for pongs. Every drained frame also goes to the forwarder so its
// sequence accounting sees the whole stream. It returns an error only when
// the link is lost.
func (m *Monitor) Tick(ctx context.Context, link transport.Link) error {
	defer m.flushForwarder(ctx)
	m.expire()

	if err := m.maybePing(link); err != nil {
		return err
	}

	for i := 0; i < m.cfg.DrainLimit; i++ {
		f, err := link.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return nil
			}
			m.log.Warn("linkhealth: recv", zap.Error(err))
			if transport.IsConnectionLost(err) {
				return err
			}
			return nil
		}
		if id, ok := pongID(f); ok {
			m.handlePong(ctx, id)
		}
		if m.fwd != nil {
			m.fwd.Accept(ctx, f)
		}
	}
	return nil
}

func (m *Monitor) flushForwarder(ctx context.Context) {
	if m.fwd != nil {
		m.fwd.FlushIfDue(ctx)
	}
}

func (m *Monitor) maybePing(link transport.Link) error {
	now := m.now()

	m.mu.Lock()
	if !m.lastPing.IsZero() && now.Sub(m.lastPing) < m.cfg.PingInterval {
		m.mu.Unlock()
		return nil
	}
	id := radio.PingIDMonitor | m.nextID
	m.nextID = m.nextID%(radio.PingIDMonitor-1) + 1
	m.lastPing = now
	m.inflight[id] = now
	inflight := len(m.inflight)
	m.mu.Unlock()
	metrics.InflightPings.Set(float64(inflight))

	payload, err := radio.Marshal(&radio.Message{
		Node:             radio.NodeGroundStation,
		MillisSinceStart: uint64(now.Sub(m.started).Milliseconds()),
		Command:          &radio.Command{Node: m.cfg.Target, Data: radio.Ping{ID: id}},
	})
	if err != nil {
		return fmt.Errorf("linkhealth: encode ping: %w", err)
	}
	if err := link.Send(frame.MsgIDPostcard, payload); err != nil {
		// The entry stays; expiry accounts for it.
		m.log.Warn("linkhealth: ping send failed", zap.Uint32("ping_id", id), zap.Error(err))
		if transport.IsConnectionLost(err) {
			return err
		}
		return nil
	}
	metrics.PingsTotal.WithLabelValues("sent").Inc()
	return nil
}

func (m *Monitor) handlePong(ctx context.Context, id uint32) {
	now := m.now()

	m.mu.Lock()
	sentAt, ok := m.inflight[id]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("linkhealth: unmatched pong", zap.Uint32("ping_id", id))
		return
	}
	delete(m.inflight, id)
	rtt := now.Sub(sentAt)
	m.lastRTT = rtt
	m.lastPong = now
	inflight := len(m.inflight)
	m.mu.Unlock()

	metrics.InflightPings.Set(float64(inflight))
	metrics.PingsTotal.WithLabelValues("answered").Inc()
	metrics.LinkRTT.Observe(rtt.Seconds())
	m.log.Debug("linkhealth: pong", zap.Uint32("ping_id", id), zap.Duration("rtt", rtt))

	err := m.status.UpsertServiceStatus(ctx, store.ServiceStatus{
		InstanceID:      m.cfg.InstanceID,
		ServiceName:     m.cfg.ServiceName,
		Hostname:        m.cfg.Hostname,
		Status:          "Running",
		StatusMessage:   fmt.Sprintf("Running (link ok; rtt=%dms)", rtt.Milliseconds()),
		LastHeartbeatAt: now.UTC(),
	})
	if err != nil {
		m.log.Warn("linkhealth: update service status", zap.Error(err))
	}
	m.bus.PublishData(gateway.EventLinkHealth, m.Snapshot())
}

// expire drops pings older than InflightExpiry.
func (m *Monitor) expire() {
	now := m.now()
	m.mu.Lock()
	n := 0
	for id, sentAt := range m.inflight {
		if now.Sub(sentAt) > m.cfg.InflightExpiry {
			delete(m.inflight, id)
			n++
		}
	}
	m.expired += uint64(n)
	inflight := len(m.inflight)
	m.mu.Unlock()

	if n > 0 {
		metrics.PingsTotal.WithLabelValues("expired").Add(float64(n))
		metrics.InflightPings.Set(float64(inflight))
		m.log.Info("linkhealth: pings expired", zap.Int("count", n))
	}
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Inflight:   len(m.inflight),
		LastRTT:    m.lastRTT,
		LastPongAt: m.lastPong,
		LastPingAt: m.lastPing,
		Expired:    m.expired,
	}
}

func pongID(f frame.Frame) (uint32, bool) {
	if f.MessageID != frame.MsgIDPostcard {
		return 0, false
	}
	msg, err := radio.Unmarshal(f.Payload[:])
	if err != nil || msg.Command == nil {
		return 0, false
	}
	// Pongs to queued Ping commands carry ids below PingIDMonitor.
	p, ok := msg.Command.Data.(radio.Pong)
	return p.ID, ok && p.ID&radio.PingIDMonitor != 0
}
