// Package frame implements the serial wire frame used on the radio link.
//
// The layout follows MAVLink v2 so existing radios and vehicle endpoints can
// parse it without changes:
//
//	0xFD | len | incompat | compat | seq | sysid | compid | msgid[3] | payload | crc[2]
//
// The payload slot has a fixed capacity of PayloadCap bytes. Trailing zero
// bytes are trimmed on the wire and zero-extended again by Decode.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Magic        byte = 0xFD
	PayloadCap        = 255
	HeaderLen         = 10
	ChecksumLen       = 2
	SignatureLen      = 13
	MinFrameLen       = HeaderLen + ChecksumLen

	// FlagSigned is the only incompat flag the link understands.
	FlagSigned byte = 0x01
)

// Message ids of the dialect spoken on the link.
const (
	MsgIDHeartbeat   uint32 = 0
	MsgIDRadioStatus uint32 = 109
	MsgIDPostcard    uint32 = 10000
)

var crcExtra = map[uint32]byte{
	MsgIDHeartbeat:   50,
	MsgIDRadioStatus: 185,
	MsgIDPostcard:    236,
}

// CRCExtra returns the per-message seed byte mixed into the checksum.
func CRCExtra(msgID uint32) (byte, bool) {
	b, ok := crcExtra[msgID]
	return b, ok
}

var (
	ErrShortFrame     = errors.New("frame: short frame")
	ErrBadMagic       = errors.New("frame: bad magic")
	ErrCorruptFrame   = errors.New("frame: corrupt frame")
	ErrUnknownMessage = errors.New("frame: unknown message id")
)

// Header carries the routing fields of a frame.
type Header struct {
	Sequence    uint8
	SystemID    uint8
	ComponentID uint8
	MessageID   uint32
}

// Frame is one unit on the serial channel.
type Frame struct {
	Header
	Payload [PayloadCap]byte
	Len     int
	CRC     uint16
}

// New builds a frame around payload. Payloads longer than PayloadCap are
// truncated to exactly PayloadCap bytes.
func New(h Header, payload []byte) Frame {
	f := Frame{Header: h}
	f.Len = copy(f.Payload[:], payload)
	return f
}

// Bytes returns the logical payload.
func (f *Frame) Bytes() []byte { return f.Payload[:f.Len] }

// wireLen is the payload length after MAVLink v2 zero truncation. The first
// payload byte is always kept.
func (f *Frame) wireLen() int {
	n := f.Len
	for n > 1 && f.Payload[n-1] == 0 {
		n--
	}
	return n
}

// Append encodes f onto dst and stamps f.CRC.
func (f *Frame) Append(dst []byte) ([]byte, error) {
	extra, ok := CRCExtra(f.MessageID)
	if !ok {
		return dst, fmt.Errorf("%w: %d", ErrUnknownMessage, f.MessageID)
	}
	n := f.wireLen()
	start := len(dst)
	dst = append(dst,
		Magic,
		byte(n),
		0, // incompat flags
		0, // compat flags
		f.Sequence,
		f.SystemID,
		f.ComponentID,
		byte(f.MessageID),
		byte(f.MessageID>>8),
		byte(f.MessageID>>16),
	)
	dst = append(dst, f.Payload[:n]...)

	crc := NewCRC()
	crc.Update(dst[start+1:])
	crc.UpdateByte(extra)
	f.CRC = crc.Sum16()
	return binary.LittleEndian.AppendUint16(dst, f.CRC), nil
}

// MarshalBinary encodes the frame into a fresh slice.
func (f Frame) MarshalBinary() ([]byte, error) {
	return f.Append(make([]byte, 0, MinFrameLen+f.Len))
}

// Encode is shorthand for New(h, payload).MarshalBinary().
func Encode(h Header, payload []byte) ([]byte, error) {
	f := New(h, payload)
	return f.MarshalBinary()
}

// Decode parses one frame from the front of b. It returns the number of bytes
// the caller should discard. ErrShortFrame consumes nothing: more input is
// needed. ErrBadMagic and ErrCorruptFrame consume enough bytes to resume the
// search at the next candidate magic byte.
func Decode(b []byte) (Frame, int, error) {
	if len(b) == 0 {
		return Frame{}, 0, ErrShortFrame
	}
	if b[0] != Magic {
		return Frame{}, skipToMagic(b), ErrBadMagic
	}
	if len(b) < HeaderLen {
		return Frame{}, 0, ErrShortFrame
	}

	n := int(b[1])
	incompat := b[2]
	if incompat&^FlagSigned != 0 {
		return Frame{}, 1, fmt.Errorf("%w: incompat flags 0x%02x", ErrCorruptFrame, incompat)
	}
	total := HeaderLen + n + ChecksumLen
	if incompat&FlagSigned != 0 {
		total += SignatureLen
	}
	if len(b) < total {
		return Frame{}, 0, ErrShortFrame
	}

	var f Frame
	f.Sequence = b[4]
	f.SystemID = b[5]
	f.ComponentID = b[6]
	f.MessageID = uint32(b[7]) | uint32(b[8])<<8 | uint32(b[9])<<16

	extra, ok := CRCExtra(f.MessageID)
	if !ok {
		return Frame{}, total, fmt.Errorf("%w: %d", ErrUnknownMessage, f.MessageID)
	}

	end := HeaderLen + n
	crc := NewCRC()
	crc.Update(b[1:end])
	crc.UpdateByte(extra)
	f.CRC = binary.LittleEndian.Uint16(b[end : end+ChecksumLen])
	if crc.Sum16() != f.CRC {
		return Frame{}, 1, fmt.Errorf("%w: checksum 0x%04x, want 0x%04x", ErrCorruptFrame, f.CRC, crc.Sum16())
	}

	f.Len = copy(f.Payload[:], b[HeaderLen:end])
	return f, total, nil
}

func skipToMagic(b []byte) int {
	for i := 1; i < len(b); i++ {
		if b[i] == Magic {
			return i
		}
	}
	return len(b)
}
