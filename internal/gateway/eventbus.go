// Package gateway fans live ground-link events out to in-process consumers
// such as the WebSocket stream of the API.
package gateway

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// EventType classifies a link event for stream clients.
type EventType string

const (
	EventTelemetry    EventType = "telemetry"
	EventNodeUpdate   EventType = "node_update"
	EventRadioMetrics EventType = "radio_metrics"
	EventCommand      EventType = "command"
	EventLinkHealth   EventType = "link_health"
)

var knownTypes = map[EventType]bool{
	EventTelemetry:    true,
	EventNodeUpdate:   true,
	EventRadioMetrics: true,
	EventCommand:      true,
	EventLinkHealth:   true,
}

// ParseTypes reads a comma-separated filter such as "command,link_health".
// An empty string means every type.
func ParseTypes(s string) ([]EventType, error) {
	var out []EventType
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t := EventType(part)
		if !knownTypes[t] {
			return nil, fmt.Errorf("gateway: unknown event type %q", part)
		}
		out = append(out, t)
	}
	return out, nil
}

// Event is the JSON envelope sent to stream clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Telemetry is the payload of EventTelemetry: one decoded vehicle message.
type Telemetry struct {
	Node             string `json:"node"`
	Kind             string `json:"kind"`
	Sequence         uint8  `json:"sequence"`
	MillisSinceStart uint64 `json:"millis_since_start"`
}

// CommandChange is the payload of EventCommand: an outbox record moved to
// Status.
type CommandChange struct {
	ID          int64  `json:"id"`
	CommandType string `json:"command_type"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

type subscriber struct {
	ch    chan Event
	types map[EventType]bool // nil takes everything
}

func (s *subscriber) wants(t EventType) bool {
	return s.types == nil || s.types[t]
}

// EventBus is a non-blocking fan-out. A nil *EventBus drops everything, so
// producers can hold one unconditionally.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
}

// NewEventBus returns a bus whose subscribers buffer up to buffer events.
func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventBus{subs: make(map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe registers a consumer of the given types, or of every type when
// none are given. The returned function unregisters it and closes the
// channel; it must be called exactly once.
func (b *EventBus) Subscribe(types ...EventType) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, b.buffer)}
	if len(types) > 0 {
		s.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.ch, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
}

// Publish delivers e to every interested subscriber with room in its buffer.
// Slow consumers miss events; they can catch up over the REST endpoints.
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *EventBus) PublishData(t EventType, data any) {
	b.Publish(Event{Type: t, Data: data})
}

func (b *EventBus) PublishTelemetry(t Telemetry) { b.PublishData(EventTelemetry, t) }

func (b *EventBus) PublishCommand(c CommandChange) { b.PublishData(EventCommand, c) }

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
