package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/frame"
)

// loopback echoes every write back to the reader.
type loopback struct {
	buf bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error) {
	if l.buf.Len() == 0 {
		return 0, ErrWouldBlock
	}
	return l.buf.Read(p)
}

func (l *loopback) Write(p []byte) (int, error) { return l.buf.Write(p) }
func (l *loopback) Close() error                { return nil }
func (l *loopback) String() string              { return "loopback" }

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("serial:/dev/ttyUSB0:57600")
	if err != nil {
		t.Fatalf("parse serial: %v", err)
	}
	if a.Scheme != SchemeSerial || a.Device != "/dev/ttyUSB0" || a.Baud != 57600 {
		t.Fatalf("serial address = %+v", a)
	}
	if a.String() != "serial:/dev/ttyUSB0:57600" {
		t.Fatalf("String() = %q", a.String())
	}

	a, err = ParseAddress("tcpout:127.0.0.1:5656")
	if err != nil {
		t.Fatalf("parse tcpout: %v", err)
	}
	if a.Scheme != SchemeTCPOut || a.Host != "127.0.0.1:5656" {
		t.Fatalf("tcp address = %+v", a)
	}

	bad := []string{"", "serial:/dev/ttyUSB0", "serial:/dev/ttyUSB0:fast", "tcpout:localhost", "udpin:0.0.0.0:14550"}
	for _, s := range bad {
		if _, err := ParseAddress(s); err == nil {
			t.Fatalf("ParseAddress(%q) succeeded", s)
		}
	}
	if _, err := ParseAddress("udpin:0.0.0.0:14550"); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("err = %v, want ErrUnknownScheme", err)
	}
}

func TestIsConnectionLost(t *testing.T) {
	lost := []error{
		io.EOF,
		fmt.Errorf("transport: tcp x: write: %w", syscall.EPIPE),
		fmt.Errorf("read: %w", syscall.ECONNRESET),
		errors.New("Failed to send MAVLink message"),
		net.ErrClosed,
	}
	for _, err := range lost {
		if !IsConnectionLost(err) {
			t.Fatalf("IsConnectionLost(%v) = false", err)
		}
	}
	kept := []error{nil, ErrWouldBlock, errors.New("database is locked")}
	for _, err := range kept {
		if IsConnectionLost(err) {
			t.Fatalf("IsConnectionLost(%v) = true", err)
		}
	}
}

func TestConnSendRecvAssignsSequence(t *testing.T) {
	lb := &loopback{}
	c := NewConn(lb, 255, 190, zap.NewNop())

	for i := 0; i < 3; i++ {
		if err := c.Send(frame.MsgIDPostcard, []byte{byte(i + 1)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		f, err := c.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if f.Sequence != uint8(i) || f.SystemID != 255 || f.ComponentID != 190 {
			t.Fatalf("header %d = %+v", i, f.Header)
		}
		if f.Bytes()[0] != byte(i+1) {
			t.Fatalf("payload %d = %x", i, f.Bytes())
		}
	}
	if _, err := c.Recv(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}
}

func TestConnDropsCorruptFrames(t *testing.T) {
	lb := &loopback{}
	c := NewConn(lb, 1, 1, zap.NewNop())

	bad := frame.New(frame.Header{MessageID: frame.MsgIDPostcard}, []byte("bad"))
	wire, err := bad.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	wire[len(wire)-2] ^= 0x01
	lb.buf.Write(wire)
	if err := c.Send(frame.MsgIDPostcard, []byte("good")); err != nil {
		t.Fatalf("send: %v", err)
	}

	f, err := c.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(f.Bytes()) != "good" {
		t.Fatalf("payload = %q, want good", f.Bytes())
	}
	if c.Corrupt() != 1 {
		t.Fatalf("corrupt = %d, want 1", c.Corrupt())
	}
}

func TestConnKeepsEveryFrameOfABurst(t *testing.T) {
	const frames = 200
	lb := &loopback{}
	for i := 0; i < frames; i++ {
		payload := bytes.Repeat([]byte{0xA5}, 200)
		payload[0] = byte(i)
		wire, err := frame.Encode(frame.Header{Sequence: uint8(i), MessageID: frame.MsgIDPostcard}, payload)
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		lb.buf.Write(wire)
	}

	c := NewConn(lb, 1, 1, zap.NewNop())
	for i := 0; i < frames; i++ {
		f, err := c.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if f.Sequence != uint8(i) || f.Payload[0] != byte(i) {
			t.Fatalf("frame %d: seq=%d first=%d", i, f.Sequence, f.Payload[0])
		}
	}
	if _, err := c.Recv(); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}
	if c.parser.Dropped() != 0 || c.Corrupt() != 0 {
		t.Fatalf("dropped=%d corrupt=%d on a clean stream", c.parser.Dropped(), c.Corrupt())
	}
}

func TestTCPReadTimesOutAsWouldBlock(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := Open(ctx, "tcpout:"+ln.Addr().String(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()
	peer := <-accepted

	buf := make([]byte, 16)
	if _, err := tr.Read(buf); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}

	if _, err := peer.Write([]byte("hi")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		n, err := tr.Read(buf)
		if err == nil {
			if string(buf[:n]) != "hi" {
				t.Fatalf("read %q", buf[:n])
			}
			break
		}
		if !errors.Is(err, ErrWouldBlock) || time.Now().After(deadline) {
			t.Fatalf("read: %v", err)
		}
	}

	peer.Close()
	deadline = time.Now().Add(time.Second)
	for {
		_, err := tr.Read(buf)
		if IsConnectionLost(err) {
			break
		}
		if !errors.Is(err, ErrWouldBlock) || time.Now().After(deadline) {
			t.Fatalf("read after close: %v", err)
		}
	}
}
