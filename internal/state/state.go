// Package state keeps the in-memory registry of vehicle nodes heard on the
// link. It is hydrated from the store at startup and written back in batches.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uorocketry/rgs-sub000/internal/radio"
	"github.com/uorocketry/rgs-sub000/internal/store"
)

// Node is the latest known view of one vehicle board.
type Node struct {
	Node         string    `json:"node"`
	LastSeen     time.Time `json:"last_seen"`
	MessageCount int64     `json:"message_count"`
	LastKind     string    `json:"last_kind"`
	// Set once the node has reported a StateUpdate.
	State *uint32 `json:"state,omitempty"`
	// Most recent log line, if any.
	LastLog string `json:"last_log,omitempty"`
}

// Manager is safe for concurrent use.
type Manager struct {
	db    *store.DB
	mu    sync.RWMutex
	nodes map[string]*Node
	dirty map[string]struct{}
}

// New creates a Manager and hydrates it from db.
func New(ctx context.Context, db *store.DB) (*Manager, error) {
	m := &Manager{
		db:    db,
		nodes: make(map[string]*Node),
		dirty: make(map[string]struct{}),
	}
	recs, err := db.ListNodeRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("state: load nodes: %w", err)
	}
	for _, r := range recs {
		m.nodes[r.Node] = &Node{
			Node:         r.Node,
			LastSeen:     r.LastSeen,
			MessageCount: r.MessageCount,
			LastKind:     r.LastKind,
		}
	}
	return m, nil
}

// Observe folds one received message into the registry and returns a copy of
// the updated node.
func (m *Manager) Observe(msg *radio.Message, at time.Time) Node {
	name := msg.Node.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		n = &Node{Node: name}
		m.nodes[name] = n
	}
	n.LastSeen = at.UTC()
	n.MessageCount++
	n.LastKind = msg.Kind()
	if msg.State != nil {
		s := msg.State.State
		n.State = &s
	}
	if msg.Log != nil {
		n.LastLog = msg.Log.Event
	}
	m.dirty[name] = struct{}{}
	return *n
}

// GetNode returns a copy of the named node.
func (m *Manager) GetNode(name string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[name]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// ListNodes returns a snapshot ordered by name.
func (m *Manager) ListNodes() []Node {
	m.mu.RLock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, *n)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

func (m *Manager) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Flush persists every node changed since the last flush. Nodes that fail to
// write stay dirty for the next call.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	pending := make([]store.NodeRecord, 0, len(m.dirty))
	for name := range m.dirty {
		n := m.nodes[name]
		pending = append(pending, store.NodeRecord{
			Node:         n.Node,
			LastSeen:     n.LastSeen,
			MessageCount: n.MessageCount,
			LastKind:     n.LastKind,
		})
	}
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()

	// The store is written without holding the registry lock.
	for i, r := range pending {
		if err := m.db.UpsertNode(ctx, r); err != nil {
			m.mu.Lock()
			for _, rest := range pending[i:] {
				m.dirty[rest.Node] = struct{}{}
			}
			m.mu.Unlock()
			return fmt.Errorf("state: flush: %w", err)
		}
	}
	return nil
}
