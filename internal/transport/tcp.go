package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	DefaultDialTimeout     = 5 * time.Second
	DefaultTCPReadTimeout  = 100 * time.Millisecond
	DefaultTCPWriteTimeout = 2 * time.Second
)

// TCP is an outbound connection to the bridge ("tcpout:").
type TCP struct {
	conn         net.Conn
	addr         string
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// DialTCP connects to addr (host:port).
func DialTCP(ctx context.Context, addr string) (*TCP, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewTCP(conn), nil
}

// NewTCP wraps an established connection.
func NewTCP(conn net.Conn) *TCP {
	return &TCP{
		conn:         conn,
		addr:         conn.RemoteAddr().String(),
		readTimeout:  DefaultTCPReadTimeout,
		writeTimeout: DefaultTCPWriteTimeout,
	}
}

func (t *TCP) Read(p []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
		return 0, fmt.Errorf("transport: tcp %s: %w", t.addr, err)
	}
	n, err := t.conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if n > 0 {
				return n, nil
			}
			return 0, ErrWouldBlock
		}
		return n, fmt.Errorf("transport: tcp %s: read: %w", t.addr, err)
	}
	return n, nil
}

func (t *TCP) Write(p []byte) (int, error) {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return 0, fmt.Errorf("transport: tcp %s: %w", t.addr, err)
	}
	n, err := t.conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("transport: tcp %s: write: %w", t.addr, err)
	}
	return n, nil
}

func (t *TCP) Close() error { return t.conn.Close() }

func (t *TCP) String() string { return "tcpout:" + t.addr }
