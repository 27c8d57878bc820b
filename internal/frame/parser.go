package frame

import (
	"errors"
)

// MaxFrameLen is the longest frame on the wire: full payload plus signature.
const MaxFrameLen = HeaderLen + PayloadCap + ChecksumLen + SignatureLen

// maxBuffered bounds the parser buffer. Readers that size their reads with
// Free never reach it; only a caller pushing unbounded garbage does.
const maxBuffered = 16 * MaxFrameLen

// Parser extracts frames from a byte stream that may start mid-frame or carry
// line noise. It is not safe for concurrent use.
type Parser struct {
	buf     []byte
	dropped uint64
	corrupt uint64
}

// Push appends raw bytes read from the link. Bytes beyond Free are kept by
// dropping the oldest buffered bytes.
func (p *Parser) Push(b []byte) {
	p.buf = append(p.buf, b...)
	if len(p.buf) > maxBuffered {
		cut := len(p.buf) - maxBuffered
		p.dropped += uint64(cut)
		p.buf = append(p.buf[:0], p.buf[cut:]...)
	}
}

// Next returns the next complete frame. ErrShortFrame means more input is
// needed. ErrCorruptFrame and ErrUnknownMessage report a discarded frame; the
// caller should simply call Next again.
func (p *Parser) Next() (Frame, error) {
	for {
		f, n, err := Decode(p.buf)
		p.consume(n)
		switch {
		case err == nil:
			return f, nil
		case errors.Is(err, ErrBadMagic):
			p.dropped += uint64(n)
			continue
		case errors.Is(err, ErrCorruptFrame):
			p.corrupt++
			return Frame{}, err
		default:
			return Frame{}, err
		}
	}
}

// Free reports how many bytes Push accepts without dropping buffered input.
func (p *Parser) Free() int { return maxBuffered - len(p.buf) }

// Buffered reports how many bytes are waiting for the rest of a frame.
func (p *Parser) Buffered() int { return len(p.buf) }

// Dropped reports how many bytes were skipped while searching for a frame.
func (p *Parser) Dropped() uint64 { return p.dropped }

// Corrupt reports how many frames failed their checksum.
func (p *Parser) Corrupt() uint64 { return p.corrupt }

func (p *Parser) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(p.buf) {
		p.buf = p.buf[:0]
		return
	}
	p.buf = append(p.buf[:0], p.buf[n:]...)
}
