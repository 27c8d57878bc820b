// Package bridge multiplexes one serial radio between many TCP clients.
// Bytes read from the serial device are broadcast to every client; bytes from
// any client are merged onto the serial device in arrival order. The serial
// device is reopened forever on a fixed delay.
package bridge

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/metrics"
	"github.com/uorocketry/rgs-sub000/internal/transport"
)

const (
	readBufSize     = 4096
	outboundBacklog = 1024
	cleanupBacklog  = 64
)

// Opener opens the serial device. It is called again after every failure.
type Opener func(ctx context.Context) (transport.Transport, error)

// SerialOpener opens device at baud with the given read timeout.
func SerialOpener(device string, baud int, readTimeout time.Duration) Opener {
	return func(context.Context) (transport.Transport, error) {
		return transport.OpenSerial(device, baud, readTimeout)
	}
}

type Config struct {
	Listen         string
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
}

type session struct {
	port   transport.Transport
	ctx    context.Context
	cancel context.CancelFunc
}

type Bridge struct {
	cfg   Config
	open  Opener
	table *Table
	log   *zap.Logger

	outbound chan []byte
	cleanup  chan Peer
	sessions chan *session
	state    atomic.Int32 // transport.ConnectionState
	wg       sync.WaitGroup
}

func New(cfg Config, open Opener, log *zap.Logger) *Bridge {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	b := &Bridge{
		cfg:      cfg,
		open:     open,
		table:    NewTable(cfg.WriteTimeout),
		log:      log,
		outbound: make(chan []byte, outboundBacklog),
		cleanup:  make(chan Peer, cleanupBacklog),
		sessions: make(chan *session),
	}
	b.setState(transport.StateDisconnected)
	return b
}

// State reports the serial device state.
func (b *Bridge) State() transport.ConnectionState {
	return transport.ConnectionState(b.state.Load())
}

// Clients reports how many TCP clients are connected.
func (b *Bridge) Clients() int { return b.table.Len() }

func (b *Bridge) setState(s transport.ConnectionState) {
	b.state.Store(int32(s))
	metrics.BridgeSerialState.Set(float64(s))
}

// Run listens on cfg.Listen and serves until ctx is cancelled. A bind failure
// is returned immediately.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.Listen)
	if err != nil {
		return err
	}
	return b.Serve(ctx, ln)
}

// Serve runs the bridge on an existing listener. It closes ln and every
// client before returning.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	b.log.Info("bridge: listening", zap.String("addr", ln.Addr().String()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.spawn(func() { b.reaper(ctx) })
	b.spawn(func() { b.writeLoop(ctx) })
	b.spawn(func() { b.serialLoop(ctx) })
	b.spawn(func() {
		<-ctx.Done()
		ln.Close()
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			b.log.Error("bridge: accept", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		b.addClient(ctx, conn)
	}

	cancel()
	b.table.CloseAll()
	metrics.BridgeClients.Set(0)
	b.wg.Wait()
	b.log.Info("bridge: stopped")
	return nil
}

func (b *Bridge) spawn(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// ── clients ───────────────────────────────────────────────────────────────

func (b *Bridge) addClient(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	if old := b.table.Add(addr, conn); old != nil {
		old.Close()
	}
	n := b.table.Len()
	metrics.BridgeClients.Set(float64(n))
	b.log.Info("bridge: client connected", zap.String("addr", addr), zap.Int("clients", n))
	b.spawn(func() { b.readClient(ctx, addr, conn) })
}

// readClient forwards one client's bytes, in order, to the serial writer.
func (b *Bridge) readClient(ctx context.Context, addr string, conn net.Conn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case b.outbound <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil {
				b.log.Debug("bridge: client read ended", zap.String("addr", addr), zap.Error(err))
				b.markForCleanup(ctx, Peer{Addr: addr, Conn: conn})
			}
			return
		}
	}
}

func (b *Bridge) markForCleanup(ctx context.Context, p Peer) {
	select {
	case b.cleanup <- p:
	case <-ctx.Done():
	}
}

// reaper is the only place clients leave the table after a failure.
func (b *Bridge) reaper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-b.cleanup:
			// A stale entry for a displaced connection removes nothing.
			if !b.table.Remove(p) {
				continue
			}
			p.Conn.Close()
			n := b.table.Len()
			metrics.BridgeClients.Set(float64(n))
			metrics.BridgeClientFailures.Inc()
			b.log.Info("bridge: client removed", zap.String("addr", p.Addr), zap.Int("clients", n))
		}
	}
}

// ── serial ────────────────────────────────────────────────────────────────

// serialLoop owns the device lifecycle: open, read until failure, close,
// wait, repeat.
func (b *Bridge) serialLoop(ctx context.Context) {
	for ctx.Err() == nil {
		b.setState(transport.StateConnecting)
		port, err := b.open(ctx)
		if err != nil {
			b.setState(transport.StateFailed)
			b.log.Warn("bridge: serial open failed",
				zap.Error(err),
				zap.Duration("retry_in", b.cfg.ReconnectDelay),
			)
			if !sleep(ctx, b.cfg.ReconnectDelay) {
				break
			}
			continue
		}

		sessCtx, cancel := context.WithCancel(ctx)
		s := &session{port: port, ctx: sessCtx, cancel: cancel}
		select {
		case b.sessions <- s:
		case <-ctx.Done():
			cancel()
			port.Close()
			continue
		}
		b.setState(transport.StateConnected)
		b.log.Info("bridge: serial connected", zap.String("port", port.String()))

		err = b.readSerial(sessCtx, port)
		cancel()
		port.Close()
		b.setState(transport.StateDisconnected)
		if ctx.Err() != nil {
			break
		}
		b.log.Warn("bridge: serial lost",
			zap.String("port", port.String()),
			zap.Error(err),
			zap.Duration("retry_in", b.cfg.ReconnectDelay),
		)
		if !sleep(ctx, b.cfg.ReconnectDelay) {
			break
		}
	}
	b.setState(transport.StateDisconnected)
}

// readSerial broadcasts device reads until the device fails or the session
// ends.
func (b *Bridge) readSerial(ctx context.Context, port transport.Transport) error {
	buf := make([]byte, readBufSize)
	for ctx.Err() == nil {
		n, err := port.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			metrics.BridgeBytes.WithLabelValues("downlink").Add(float64(n))
			for _, p := range b.table.Broadcast(chunk) {
				b.log.Debug("bridge: client write failed", zap.String("addr", p.Addr))
				b.markForCleanup(ctx, p)
			}
		}
		if err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				continue
			}
			return err
		}
	}
	return ctx.Err()
}

// writeLoop is the single serial writer. Client bytes that arrive while no
// device session is live are dropped.
func (b *Bridge) writeLoop(ctx context.Context) {
	var cur *session
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-b.sessions:
			cur = s
		case chunk := <-b.outbound:
			if cur != nil && cur.ctx.Err() != nil {
				cur = nil
			}
			if cur == nil {
				metrics.BridgeDroppedBytes.Add(float64(len(chunk)))
				b.log.Debug("bridge: serial down, dropping client bytes", zap.Int("bytes", len(chunk)))
				continue
			}
			if _, err := cur.port.Write(chunk); err != nil {
				b.log.Warn("bridge: serial write failed", zap.Error(err))
				cur.cancel()
				cur = nil
				continue
			}
			metrics.BridgeBytes.WithLabelValues("uplink").Add(float64(len(chunk)))
		}
	}
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
