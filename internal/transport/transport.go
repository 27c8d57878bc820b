// Package transport owns the byte links to the radio: a local serial device or
// an outbound TCP connection to the bridge. Both satisfy Transport, and Conn
// layers frame encoding and sequence numbering on top.
package transport

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// ConnectionState describes the current link status.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

var (
	// ErrWouldBlock reports that no data was available within the read
	// timeout. It is not a failure and must not end a polling loop.
	ErrWouldBlock    = errors.New("transport: would block")
	ErrClosed        = errors.New("transport: closed")
	ErrUnknownScheme = errors.New("transport: unknown connection scheme")
	ErrBadAddress    = errors.New("transport: malformed connection string")
)

// Transport is a raw byte link. Read never blocks longer than the transport's
// read timeout and returns ErrWouldBlock when nothing arrived. Any other error
// is terminal for the instance: the owner closes it and opens a new one.
type Transport interface {
	io.ReadWriteCloser
	String() string
}

// IsConnectionLost reports whether err means the underlying socket or device
// is gone and the link must be reopened.
func IsConnectionLost(err error) bool {
	if err == nil || errors.Is(err, ErrWouldBlock) {
		return false
	}
	switch {
	case errors.Is(err, ErrClosed),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EIO),
		errors.Is(err, syscall.ENXIO),
		errors.Is(err, syscall.ENODEV):
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection reset", "broken pipe", "failed to send", "connection refused"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
