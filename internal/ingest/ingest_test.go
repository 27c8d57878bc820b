package ingest

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/frame"
	"github.com/uorocketry/rgs-sub000/internal/gateway"
	"github.com/uorocketry/rgs-sub000/internal/metrics"
	"github.com/uorocketry/rgs-sub000/internal/radio"
	"github.com/uorocketry/rgs-sub000/internal/state"
	"github.com/uorocketry/rgs-sub000/internal/store"
	"github.com/uorocketry/rgs-sub000/internal/transport"
)

type scriptLink struct {
	frames []frame.Frame
	end    error
}

func (l *scriptLink) Send(uint32, []byte) error { return nil }

func (l *scriptLink) Recv() (frame.Frame, error) {
	if len(l.frames) == 0 {
		return frame.Frame{}, l.end
	}
	f := l.frames[0]
	l.frames = l.frames[1:]
	return f, nil
}

type harness struct {
	db    *store.DB
	nodes *state.Manager
	bus   *gateway.EventBus
	in    *Ingestor
}

func newHarness(t *testing.T, batch int) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	nodes, err := state.New(ctx, db)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	bus := gateway.NewEventBus(256)
	in := New(Config{BatchSize: batch, BatchTimeout: time.Hour}, db, nodes, bus, zap.NewNop())
	return &harness{db: db, nodes: nodes, bus: bus, in: in}
}

func postcard(t *testing.T, seq uint8, m *radio.Message) frame.Frame {
	t.Helper()
	b, err := radio.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return frame.New(frame.Header{Sequence: seq, SystemID: 1, ComponentID: 1, MessageID: frame.MsgIDPostcard}, b)
}

func sensor(node radio.Node) *radio.Message {
	return &radio.Message{Node: node, Sensor: &radio.SensorSample{Component: 2, Data: []byte{1, 2, 3}}}
}

func TestBatchFlushesAtSize(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)

	h.in.Accept(ctx, postcard(t, 0, sensor(radio.NodePressureBoard)))
	h.in.Accept(ctx, postcard(t, 1, sensor(radio.NodeStrainBoard)))
	if h.in.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", h.in.Pending())
	}
	h.in.Accept(ctx, postcard(t, 2, sensor(radio.NodePressureBoard)))
	if h.in.Pending() != 0 {
		t.Fatalf("pending = %d after full batch, want 0", h.in.Pending())
	}

	rows, err := h.db.RecentTelemetry(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("stored = %d, want 3", len(rows))
	}
	for _, r := range rows {
		if r.Kind != "sensor" {
			t.Fatalf("row = %+v", r)
		}
		msg, err := radio.Unmarshal(r.Payload)
		if err != nil || msg.Sensor == nil {
			t.Fatalf("stored payload does not decode: %v", err)
		}
	}

	recs, err := h.db.ListNodeRecords(ctx)
	if err != nil || len(recs) != 2 {
		t.Fatalf("node records = %+v, %v", recs, err)
	}
	if n, _ := h.nodes.GetNode("PressureBoard"); n.MessageCount != 2 {
		t.Fatalf("PressureBoard count = %d, want 2", n.MessageCount)
	}
}

func TestFlushIfDueWritesAfterBatchTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	h.in.cfg.BatchTimeout = 500 * time.Millisecond
	now := time.Now()
	h.in.now = func() time.Time { return now }
	h.in.lastFlush = now

	h.in.Accept(ctx, postcard(t, 0, sensor(radio.NodeCameraBoard)))
	now = now.Add(100 * time.Millisecond)
	h.in.FlushIfDue(ctx)
	if h.in.Pending() != 1 {
		t.Fatalf("flushed before the timeout: pending = %d", h.in.Pending())
	}

	now = now.Add(500 * time.Millisecond)
	h.in.FlushIfDue(ctx)
	if h.in.Pending() != 0 {
		t.Fatalf("pending = %d after the timeout, want 0", h.in.Pending())
	}
	rows, err := h.db.RecentTelemetry(ctx, 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("stored = %d, %v; want 1", len(rows), err)
	}
}

func TestSequenceGapRecordsLoss(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)

	before := testutil.ToFloat64(metrics.PacketsLost)
	for _, seq := range []uint8{10, 11, 20} {
		h.in.Accept(ctx, postcard(t, seq, sensor(radio.NodeBeaconBoard)))
	}
	if d := testutil.ToFloat64(metrics.PacketsLost) - before; d != 8 {
		t.Fatalf("packets lost delta = %v, want 8", d)
	}

	m, err := h.db.RecentRadioMetrics(ctx, 10)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if len(m) != 1 || m[0].PacketsLost == nil || *m[0].PacketsLost != 8 {
		t.Fatalf("radio metrics = %+v", m)
	}
}

func TestRadioStatusRecordsRSSI(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	events, unsub := h.bus.Subscribe()
	defer unsub()

	payload := []byte{0, 0, 0, 0, 187, 150, 100, 20, 30}
	h.in.Accept(ctx, frame.New(frame.Header{MessageID: frame.MsgIDRadioStatus}, payload))

	m, err := h.db.RecentRadioMetrics(ctx, 1)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if len(m) != 1 || m[0].RSSI == nil || *m[0].RSSI != 187 {
		t.Fatalf("radio metrics = %+v", m)
	}
	if e := <-events; e.Type != gateway.EventRadioMetrics {
		t.Fatalf("event = %+v", e)
	}
}

func TestUndecodablePayloadDropped(t *testing.T) {
	h := newHarness(t, 100)
	before := testutil.ToFloat64(metrics.DecodeErrors)

	h.in.Accept(context.Background(), frame.New(frame.Header{MessageID: frame.MsgIDPostcard}, []byte{0x00}))

	if h.in.Pending() != 0 {
		t.Fatalf("undecodable message buffered")
	}
	if testutil.ToFloat64(metrics.DecodeErrors)-before != 1 {
		t.Fatalf("decode error not counted")
	}
}

func TestConsumeFlushesWhenLinkEnds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	link := &scriptLink{
		frames: []frame.Frame{
			postcard(t, 0, &radio.Message{Node: radio.NodeRecoveryBoard, State: &radio.StateUpdate{State: 4}}),
			postcard(t, 1, &radio.Message{Node: radio.NodeRecoveryBoard, Log: &radio.LogEntry{Level: 1, Event: "main armed"}}),
		},
		end: io.EOF,
	}

	if err := h.in.Consume(ctx, link); !errors.Is(err, io.EOF) {
		t.Fatalf("Consume = %v, want EOF", err)
	}
	rows, err := h.db.RecentTelemetry(ctx, 10)
	if err != nil || len(rows) != 2 {
		t.Fatalf("stored = %d, %v; want 2", len(rows), err)
	}
	n, ok := h.nodes.GetNode("RecoveryBoard")
	if !ok || n.State == nil || *n.State != 4 || n.LastLog != "main armed" {
		t.Fatalf("node = %+v", n)
	}
}

func TestConsumeStopsOnCancel(t *testing.T) {
	h := newHarness(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	link := &scriptLink{end: transport.ErrWouldBlock}
	if err := h.in.Consume(ctx, link); err != nil {
		t.Fatalf("Consume = %v, want nil on cancel", err)
	}
}
