package frame

import (
	"bytes"
	"errors"
	"testing"
)

func mustWire(t *testing.T, seq uint8, payload string) []byte {
	t.Helper()
	f := New(Header{Sequence: seq, SystemID: 1, ComponentID: 1, MessageID: MsgIDPostcard}, []byte(payload))
	b, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestParserSplitsAcrossPushes(t *testing.T) {
	wire := mustWire(t, 1, "hello")
	var p Parser
	p.Push(wire[:4])
	if _, err := p.Next(); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("err = %v, want ErrShortFrame", err)
	}
	p.Push(wire[4:])
	f, err := p.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(f.Bytes()) != "hello" {
		t.Fatalf("payload = %q", f.Bytes())
	}
	if p.Buffered() != 0 {
		t.Fatalf("buffered = %d, want 0", p.Buffered())
	}
}

func TestParserResynchronisesAfterGarbageAndCorruption(t *testing.T) {
	good1 := mustWire(t, 1, "one")
	bad := mustWire(t, 2, "two")
	bad[len(bad)-1] ^= 0xFF
	good2 := mustWire(t, 3, "three")

	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x42, 0x13})
	stream.Write(good1)
	stream.Write(bad)
	stream.Write(good2)

	var p Parser
	p.Push(stream.Bytes())

	var got []string
	for {
		f, err := p.Next()
		if errors.Is(err, ErrShortFrame) {
			break
		}
		if errors.Is(err, ErrCorruptFrame) {
			continue
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		got = append(got, string(f.Bytes()))
	}
	if len(got) != 2 || got[0] != "one" || got[1] != "three" {
		t.Fatalf("frames = %q, want [one three]", got)
	}
	if p.Corrupt() != 1 {
		t.Fatalf("corrupt = %d, want 1", p.Corrupt())
	}
	if p.Dropped() < 3 {
		t.Fatalf("dropped = %d, want >= 3", p.Dropped())
	}
}

func TestLossCounter(t *testing.T) {
	var c LossCounter
	if got := c.Observe(10); got != 0 {
		t.Fatalf("first = %d, want 0", got)
	}
	if got := c.Observe(11); got != 0 {
		t.Fatalf("second = %d, want 0", got)
	}
	if got := c.Observe(20); got != 8 {
		t.Fatalf("third = %d, want 8", got)
	}
	if got := c.Observe(1); got != 236 {
		t.Fatalf("wrap = %d, want 236", got)
	}
	if c.Total() != 244 {
		t.Fatalf("total = %d, want 244", c.Total())
	}
}

func TestParserFreeBoundsReadsWithoutDropping(t *testing.T) {
	const frames = 64
	var stream []byte
	for i := 0; i < frames; i++ {
		stream = append(stream, mustWire(t, uint8(i), string(bytes.Repeat([]byte{'x'}, PayloadCap)))...)
	}

	var p Parser
	got := 0
	for len(stream) > 0 {
		n := 4096
		if free := p.Free(); free < n {
			n = free
		}
		if n > len(stream) {
			n = len(stream)
		}
		p.Push(stream[:n])
		stream = stream[n:]
		for {
			f, err := p.Next()
			if errors.Is(err, ErrShortFrame) {
				break
			}
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if f.Sequence != uint8(got) {
				t.Fatalf("frame %d has seq %d", got, f.Sequence)
			}
			got++
		}
	}
	if got != frames || p.Dropped() != 0 {
		t.Fatalf("got %d frames, dropped %d bytes", got, p.Dropped())
	}
}
