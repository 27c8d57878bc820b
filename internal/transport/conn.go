package transport

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/uorocketry/rgs-sub000/internal/frame"
)

const connReadBufSize = 4096

// Link is a framed connection as seen by protocol loops.
type Link interface {
	Send(msgID uint32, payload []byte) error
	Recv() (frame.Frame, error)
}

// Conn exchanges whole frames over a Transport. It assigns the wrapping
// sequence number on send and resynchronises on corrupt input.
//
// Conn is not safe for concurrent use; a single loop owns it.
type Conn struct {
	t        Transport
	log      *zap.Logger
	sysID    uint8
	compID   uint8
	seq      uint8
	parser   frame.Parser
	readBuf  []byte
	writeBuf []byte
}

// NewConn wraps t. sysID and compID stamp every outgoing frame.
func NewConn(t Transport, sysID, compID uint8, log *zap.Logger) *Conn {
	return &Conn{
		t:       t,
		log:     log,
		sysID:   sysID,
		compID:  compID,
		readBuf: make([]byte, connReadBufSize),
	}
}

// Send writes payload as one frame of message msgID.
func (c *Conn) Send(msgID uint32, payload []byte) error {
	f := frame.New(frame.Header{
		Sequence:    c.seq,
		SystemID:    c.sysID,
		ComponentID: c.compID,
		MessageID:   msgID,
	}, payload)
	b, err := f.Append(c.writeBuf[:0])
	if err != nil {
		return err
	}
	c.writeBuf = b
	if _, err := c.t.Write(b); err != nil {
		return fmt.Errorf("transport: failed to send frame: %w", err)
	}
	c.seq++
	return nil
}

// Recv returns the next frame, or ErrWouldBlock when none is available yet.
// Corrupt and unknown frames are dropped.
func (c *Conn) Recv() (frame.Frame, error) {
	for {
		f, err := c.parser.Next()
		switch {
		case err == nil:
			return f, nil
		case errors.Is(err, frame.ErrCorruptFrame), errors.Is(err, frame.ErrUnknownMessage):
			c.log.Debug("transport: dropped frame", zap.String("link", c.t.String()), zap.Error(err))
			continue
		}

		// A short frame leaves less than MaxFrameLen buffered, so Free always
		// covers a full read; the cap keeps a partial frame from being cut.
		buf := c.readBuf
		if free := c.parser.Free(); free < len(buf) {
			buf = buf[:free]
		}
		n, err := c.t.Read(buf)
		if n > 0 {
			c.parser.Push(buf[:n])
		}
		if err != nil {
			return frame.Frame{}, err
		}
	}
}

// Corrupt reports how many frames failed their checksum on this link.
func (c *Conn) Corrupt() uint64 { return c.parser.Corrupt() }

func (c *Conn) String() string { return c.t.String() }

func (c *Conn) Close() error { return c.t.Close() }
