package linkhealth

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/frame"
	"github.com/uorocketry/rgs-sub000/internal/radio"
	"github.com/uorocketry/rgs-sub000/internal/store"
	"github.com/uorocketry/rgs-sub000/internal/transport"
)

type fakeLink struct {
	sent    []frame.Frame
	inbox   []frame.Frame
	sendErr error
}

func (l *fakeLink) Send(msgID uint32, payload []byte) error {
	if l.sendErr != nil {
		return fmt.Errorf("transport: failed to send frame: %w", l.sendErr)
	}
	l.sent = append(l.sent, frame.New(frame.Header{MessageID: msgID}, payload))
	return nil
}

func (l *fakeLink) Recv() (frame.Frame, error) {
	if len(l.inbox) == 0 {
		return frame.Frame{}, transport.ErrWouldBlock
	}
	f := l.inbox[0]
	l.inbox = l.inbox[1:]
	return f, nil
}

type fakeStatus struct {
	rows []store.ServiceStatus
}

func (s *fakeStatus) UpsertServiceStatus(_ context.Context, row store.ServiceStatus) error {
	s.rows = append(s.rows, row)
	return nil
}

type fakeForwarder struct {
	frames  []frame.Frame
	flushes int
}

func (f *fakeForwarder) Accept(_ context.Context, fr frame.Frame) {
	f.frames = append(f.frames, fr)
}

func (f *fakeForwarder) FlushIfDue(context.Context) { f.flushes++ }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newMonitor(status StatusStore, fwd Forwarder) (*Monitor, *clock) {
	m := New(Config{
		PingInterval:   5 * time.Second,
		InflightExpiry: 30 * time.Second,
		DrainLimit:     8,
		Target:         radio.NodePressureBoard,
		InstanceID:     "dispatcher@test-1",
		ServiceName:    "dispatcher",
		Hostname:       "test",
	}, status, fwd, nil, zap.NewNop())
	c := &clock{t: time.Now()}
	m.now = c.now
	return m, c
}

func commandFrame(t *testing.T, data radio.CommandData) frame.Frame {
	t.Helper()
	b, err := radio.Marshal(&radio.Message{
		Node:    radio.NodePressureBoard,
		Command: &radio.Command{Node: radio.NodeGroundStation, Data: data},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return frame.New(frame.Header{MessageID: frame.MsgIDPostcard}, b)
}

func sentPing(t *testing.T, f frame.Frame) radio.Ping {
	t.Helper()
	msg, err := radio.Unmarshal(f.Payload[:])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p, ok := msg.Command.Data.(radio.Ping)
	if !ok {
		t.Fatalf("sent %#v, want Ping", msg.Command.Data)
	}
	return p
}

func TestPongMeasuresRTT(t *testing.T) {
	ctx := context.Background()
	status := &fakeStatus{}
	m, c := newMonitor(status, nil)
	m.nextID = 7
	link := &fakeLink{}

	if err := m.Tick(ctx, link); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(link.sent) != 1 || sentPing(t, link.sent[0]).ID != radio.PingIDMonitor|7 {
		t.Fatalf("first tick did not ping 7: %+v", link.sent)
	}
	if m.Snapshot().Inflight != 1 {
		t.Fatalf("inflight = %d, want 1", m.Snapshot().Inflight)
	}

	c.advance(120 * time.Millisecond)
	link.inbox = append(link.inbox, commandFrame(t, radio.Pong{ID: radio.PingIDMonitor | 7}))
	if err := m.Tick(ctx, link); err != nil {
		t.Fatalf("tick: %v", err)
	}

	snap := m.Snapshot()
	if snap.Inflight != 0 {
		t.Fatalf("inflight = %d after pong, want 0", snap.Inflight)
	}
	if snap.LastRTT != 120*time.Millisecond {
		t.Fatalf("rtt = %v, want 120ms", snap.LastRTT)
	}
	if len(status.rows) != 1 {
		t.Fatalf("status upserts = %d, want 1", len(status.rows))
	}
	row := status.rows[0]
	if row.InstanceID != "dispatcher@test-1" || !strings.Contains(row.StatusMessage, "rtt=120ms") {
		t.Fatalf("status row = %+v", row)
	}
	if len(link.sent) != 1 {
		t.Fatalf("pinged again inside the interval")
	}
}

func TestUnmatchedPongIgnored(t *testing.T) {
	status := &fakeStatus{}
	m, _ := newMonitor(status, nil)
	link := &fakeLink{}
	m.Tick(context.Background(), link)

	link.inbox = append(link.inbox, commandFrame(t, radio.Pong{ID: radio.PingIDMonitor | 99}))
	m.Tick(context.Background(), link)

	if m.Snapshot().Inflight != 1 || len(status.rows) != 0 {
		t.Fatalf("unmatched pong changed state: %+v, %d upserts", m.Snapshot(), len(status.rows))
	}
}

func TestExpiredPingsArePruned(t *testing.T) {
	m, c := newMonitor(&fakeStatus{}, nil)
	link := &fakeLink{}
	m.Tick(context.Background(), link)

	c.advance(31 * time.Second)
	m.Tick(context.Background(), link)

	snap := m.Snapshot()
	if snap.Expired != 1 {
		t.Fatalf("expired = %d, want 1", snap.Expired)
	}
	// The fresh ping from the second tick is the only one left.
	if snap.Inflight != 1 || len(link.sent) != 2 || sentPing(t, link.sent[1]).ID != radio.PingIDMonitor|2 {
		t.Fatalf("snapshot = %+v, sent %d", snap, len(link.sent))
	}
}

func TestDrainedFramesForwarded(t *testing.T) {
	fwd := &fakeForwarder{}
	m, _ := newMonitor(&fakeStatus{}, fwd)
	link := &fakeLink{}
	m.Tick(context.Background(), link)
	if fwd.flushes != 1 {
		t.Fatalf("flushes = %d after an idle tick, want 1", fwd.flushes)
	}

	link.inbox = append(link.inbox, commandFrame(t, radio.Pong{ID: radio.PingIDMonitor | 1}))
	for i := 0; i < 9; i++ {
		link.inbox = append(link.inbox, commandFrame(t, radio.Online{Online: true}))
	}
	m.Tick(context.Background(), link)
	if len(fwd.frames) != 8 {
		t.Fatalf("forwarded = %d, want drain limit 8", len(fwd.frames))
	}
	if _, ok := pongID(fwd.frames[0]); !ok {
		t.Fatalf("pong was not forwarded")
	}
	if m.Snapshot().Inflight != 0 {
		t.Fatalf("forwarded pong was not matched")
	}
	if len(link.inbox) != 2 || fwd.flushes != 2 {
		t.Fatalf("left in link = %d, flushes = %d", len(link.inbox), fwd.flushes)
	}
}

func TestQueuedPingPongLeavesMonitorPingInflight(t *testing.T) {
	status := &fakeStatus{}
	m, c := newMonitor(status, nil)
	link := &fakeLink{}
	m.Tick(context.Background(), link)
	if id := sentPing(t, link.sent[0]).ID; id != radio.PingIDMonitor|1 {
		t.Fatalf("monitor ping id = %#x", id)
	}

	// The vehicle answers a queued Ping{1} from the outbox.
	c.advance(time.Second)
	link.inbox = append(link.inbox, commandFrame(t, radio.Pong{ID: 1}))
	m.Tick(context.Background(), link)

	snap := m.Snapshot()
	if snap.Inflight != 1 || snap.LastRTT != 0 || len(status.rows) != 0 {
		t.Fatalf("queued pong matched a monitor ping: %+v, %d upserts", snap, len(status.rows))
	}
}

func TestSendFailureReportsLostLink(t *testing.T) {
	m, _ := newMonitor(&fakeStatus{}, nil)
	err := m.Tick(context.Background(), &fakeLink{sendErr: syscall.ECONNRESET})
	if err == nil || !transport.IsConnectionLost(err) {
		t.Fatalf("err = %v, want connection lost", err)
	}
}
