package frame

import (
	"bytes"
	"errors"
	"testing"
)

func testHeader() Header {
	return Header{Sequence: 42, SystemID: 1, ComponentID: 1, MessageID: MsgIDPostcard}
}

func TestCRCCheckValue(t *testing.T) {
	c := NewCRC()
	c.Update([]byte("123456789"))
	if got := c.Sum16(); got != 0x6F91 {
		t.Fatalf("crc = 0x%04x, want 0x6f91", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x01},
		[]byte("deploy drogue"),
		bytes.Repeat([]byte{0xAB}, PayloadCap),
		append(bytes.Repeat([]byte{0}, 10), 0x7F),
	}
	for _, p := range payloads {
		in := New(testHeader(), p)
		wire, err := Encode(testHeader(), p)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		out, n, err := Decode(wire)
		if err != nil {
			t.Fatalf("decode len=%d: %v", len(p), err)
		}
		if n != len(wire) {
			t.Fatalf("consumed %d, want %d", n, len(wire))
		}
		if !bytes.Equal(out.Bytes(), p) {
			t.Fatalf("payload mismatch: got %x want %x", out.Bytes(), p)
		}
		if out.Header != in.Header {
			t.Fatalf("header mismatch: got %+v want %+v", out.Header, in.Header)
		}
	}
}

func TestTrailingZerosAreZeroPadded(t *testing.T) {
	p := []byte{1, 2, 3, 0, 0, 0}
	in := New(testHeader(), p)
	wire, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := int(wire[1]); got != 3 {
		t.Fatalf("wire len = %d, want 3", got)
	}
	out, _, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Payload != in.Payload {
		t.Fatalf("payload slot mismatch")
	}
}

func TestEncodeTruncatesToCapacity(t *testing.T) {
	p := bytes.Repeat([]byte{0x55}, PayloadCap+40)
	f := New(testHeader(), p)
	if f.Len != PayloadCap {
		t.Fatalf("len = %d, want %d", f.Len, PayloadCap)
	}
	wire, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, _, err := Decode(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(out.Bytes(), p[:PayloadCap]) {
		t.Fatalf("truncated payload mismatch")
	}
}

func TestDecodeRejectsFlippedBits(t *testing.T) {
	f := New(testHeader(), []byte("power down camera"))
	wire, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// payload and checksum bytes
	for i := HeaderLen; i < len(wire); i++ {
		for bit := 0; bit < 8; bit++ {
			bad := append([]byte(nil), wire...)
			bad[i] ^= 1 << bit
			_, n, err := Decode(bad)
			if !errors.Is(err, ErrCorruptFrame) {
				t.Fatalf("byte %d bit %d: err = %v, want ErrCorruptFrame", i, bit, err)
			}
			if n != 1 {
				t.Fatalf("byte %d bit %d: consumed %d, want 1", i, bit, n)
			}
		}
	}
}

func TestDecodeShortAndBadMagic(t *testing.T) {
	if _, n, err := Decode([]byte{Magic, 3, 0}); !errors.Is(err, ErrShortFrame) || n != 0 {
		t.Fatalf("short: n=%d err=%v", n, err)
	}
	if _, n, err := Decode([]byte{0x00, 0x11, Magic, 0x01}); !errors.Is(err, ErrBadMagic) || n != 2 {
		t.Fatalf("bad magic: n=%d err=%v", n, err)
	}
}

func TestDecodeUnknownMessageConsumesFrame(t *testing.T) {
	f := New(testHeader(), []byte{9, 9})
	wire, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	wire[7] = 0x33 // msgid low byte
	_, n, err := Decode(wire)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("err = %v, want ErrUnknownMessage", err)
	}
	if n != len(wire) {
		t.Fatalf("consumed %d, want %d", n, len(wire))
	}
}

func TestMarshalUnknownMessage(t *testing.T) {
	f := New(Header{MessageID: 777}, []byte{1})
	if _, err := f.MarshalBinary(); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("err = %v, want ErrUnknownMessage", err)
	}
}
