package gateway

import (
	"testing"
)

func TestPublishFansOut(t *testing.T) {
	bus := NewEventBus(4)
	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()
	defer unsubB()

	bus.PublishData(EventTelemetry, "x")
	for _, ch := range []<-chan Event{a, b} {
		e := <-ch
		if e.Type != EventTelemetry || e.Data != "x" || e.Timestamp.IsZero() {
			t.Fatalf("event = %+v", e)
		}
	}

	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	if bus.Len() != 1 {
		t.Fatalf("Len = %d, want 1", bus.Len())
	}
}

func TestSlowConsumerDoesNotBlock(t *testing.T) {
	bus := NewEventBus(1)
	ch, unsub := bus.Subscribe()
	defer unsub()

	for i := 0; i < 10; i++ {
		bus.PublishData(EventCommand, i)
	}
	if e := <-ch; e.Data != 0 {
		t.Fatalf("first event = %v, want 0", e.Data)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected buffered event %+v", e)
	default:
	}
}

func TestNilBusIsInert(t *testing.T) {
	var bus *EventBus
	bus.PublishData(EventLinkHealth, nil)
	if bus.Len() != 0 {
		t.Fatalf("nil bus Len != 0")
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewEventBus(4)
	types, err := ParseTypes("command, link_health")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ch, unsub := bus.Subscribe(types...)
	defer unsub()

	bus.PublishTelemetry(Telemetry{Node: "PressureBoard", Kind: "sensor"})
	bus.PublishCommand(CommandChange{ID: 4, CommandType: "DeployMain", Status: "Sent"})

	e := <-ch
	c, ok := e.Data.(CommandChange)
	if e.Type != EventCommand || !ok || c.ID != 4 {
		t.Fatalf("event = %+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("filtered subscriber got %+v", e)
	default:
	}
}

func TestParseTypesRejectsUnknown(t *testing.T) {
	if _, err := ParseTypes("command,weather"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if types, err := ParseTypes(""); err != nil || len(types) != 0 {
		t.Fatalf("empty filter = %v, %v", types, err)
	}
}
