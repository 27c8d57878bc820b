package bridge

import (
	"net"
	"sort"
	"sync"
	"time"
)

// Table is the set of connected TCP clients keyed by peer address. One mutex
// guards it; writes happen on a snapshot so the lock is never held across
// network I/O.
type Table struct {
	mu           sync.Mutex
	conns        map[string]net.Conn
	writeTimeout time.Duration
}

func NewTable(writeTimeout time.Duration) *Table {
	return &Table{conns: make(map[string]net.Conn), writeTimeout: writeTimeout}
}

// Add registers c under addr and returns the connection it displaced, if any.
func (t *Table) Add(addr string, c net.Conn) net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.conns[addr]
	t.conns[addr] = c
	return old
}

// Peer is one table entry. Conn tells apart successive connections from the
// same address.
type Peer struct {
	Addr string
	Conn net.Conn
}

// Remove unregisters p if p.Conn is still the connection registered under
// p.Addr. A connection that already displaced it stays.
func (t *Table) Remove(p Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[p.Addr]; !ok || c != p.Conn {
		return false
	}
	delete(t.conns, p.Addr)
	return true
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Addrs returns the registered addresses in sorted order.
func (t *Table) Addrs() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.conns))
	for addr := range t.conns {
		out = append(out, addr)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Broadcast writes b to every client and returns the peers whose write
// failed. It never removes entries itself.
func (t *Table) Broadcast(b []byte) []Peer {
	t.mu.Lock()
	snap := make([]Peer, 0, len(t.conns))
	for addr, c := range t.conns {
		snap = append(snap, Peer{Addr: addr, Conn: c})
	}
	t.mu.Unlock()

	var failed []Peer
	for _, p := range snap {
		if t.writeTimeout > 0 {
			p.Conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)) //nolint:errcheck
		}
		if _, err := p.Conn.Write(b); err != nil {
			failed = append(failed, p)
		}
	}
	return failed
}

// CloseAll closes and forgets every client.
func (t *Table) CloseAll() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]net.Conn)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
