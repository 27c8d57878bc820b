package radio

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// RadioFrame field numbers.
const (
	fieldFrameNode    protowire.Number = 1
	fieldFrameCommand protowire.Number = 2
	fieldFrameSensor  protowire.Number = 3
	fieldFrameLog     protowire.Number = 4
	fieldFrameState   protowire.Number = 5
	fieldFrameMillis  protowire.Number = 6
)

// Command field numbers; 2..10 form the data oneof.
const (
	fieldCommandNode            protowire.Number = 1
	fieldCommandDeployDrogue    protowire.Number = 2
	fieldCommandDeployMain      protowire.Number = 3
	fieldCommandPowerDown       protowire.Number = 4
	fieldCommandRadioRateChange protowire.Number = 5
	fieldCommandPing            protowire.Number = 6
	fieldCommandPong            protowire.Number = 7
	fieldCommandPowerUpCamera   protowire.Number = 8
	fieldCommandPowerDownCamera protowire.Number = 9
	fieldCommandOnline          protowire.Number = 10
)

func (DeployDrogue) fieldNumber() int32    { return int32(fieldCommandDeployDrogue) }
func (DeployMain) fieldNumber() int32      { return int32(fieldCommandDeployMain) }
func (PowerDown) fieldNumber() int32       { return int32(fieldCommandPowerDown) }
func (RadioRateChange) fieldNumber() int32 { return int32(fieldCommandRadioRateChange) }
func (Ping) fieldNumber() int32            { return int32(fieldCommandPing) }
func (Pong) fieldNumber() int32            { return int32(fieldCommandPong) }
func (PowerUpCamera) fieldNumber() int32   { return int32(fieldCommandPowerUpCamera) }
func (PowerDownCamera) fieldNumber() int32 { return int32(fieldCommandPowerDownCamera) }
func (Online) fieldNumber() int32          { return int32(fieldCommandOnline) }

var (
	ErrDecode    = errors.New("radio: malformed message")
	ErrNoPayload = errors.New("radio: message has no payload")
	ErrMultiple  = errors.New("radio: message has more than one payload")
)

// Marshal encodes m as a varint length-prefixed RadioFrame.
func Marshal(m *Message) ([]byte, error) {
	body, err := appendFrame(nil, m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, protowire.SizeVarint(uint64(len(body)))+len(body))
	out = protowire.AppendVarint(out, uint64(len(body)))
	return append(out, body...), nil
}

// Unmarshal decodes a length-prefixed RadioFrame. Bytes after the declared
// length (frame padding) are ignored.
func Unmarshal(b []byte) (*Message, error) {
	n, k := protowire.ConsumeVarint(b)
	if k < 0 {
		return nil, fmt.Errorf("%w: length prefix: %v", ErrDecode, protowire.ParseError(k))
	}
	b = b[k:]
	if n > uint64(len(b)) {
		return nil, fmt.Errorf("%w: length %d exceeds %d available bytes", ErrDecode, n, len(b))
	}
	return decodeFrame(b[:n])
}

// ── encode ────────────────────────────────────────────────────────────────

func appendFrame(b []byte, m *Message) ([]byte, error) {
	set := 0
	for _, ok := range []bool{m.Command != nil, m.Sensor != nil, m.Log != nil, m.State != nil} {
		if ok {
			set++
		}
	}
	switch {
	case set == 0:
		return nil, ErrNoPayload
	case set > 1:
		return nil, ErrMultiple
	}

	if m.Node != 0 {
		b = protowire.AppendTag(b, fieldFrameNode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Node))
	}
	switch {
	case m.Command != nil:
		inner, err := appendCommand(nil, m.Command)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldFrameCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case m.Sensor != nil:
		var inner []byte
		if m.Sensor.Component != 0 {
			inner = protowire.AppendTag(inner, 1, protowire.VarintType)
			inner = protowire.AppendVarint(inner, uint64(m.Sensor.Component))
		}
		if len(m.Sensor.Data) > 0 {
			inner = protowire.AppendTag(inner, 2, protowire.BytesType)
			inner = protowire.AppendBytes(inner, m.Sensor.Data)
		}
		b = protowire.AppendTag(b, fieldFrameSensor, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case m.Log != nil:
		var inner []byte
		if m.Log.Level != 0 {
			inner = protowire.AppendTag(inner, 1, protowire.VarintType)
			inner = protowire.AppendVarint(inner, uint64(m.Log.Level))
		}
		if m.Log.Event != "" {
			inner = protowire.AppendTag(inner, 2, protowire.BytesType)
			inner = protowire.AppendString(inner, m.Log.Event)
		}
		b = protowire.AppendTag(b, fieldFrameLog, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case m.State != nil:
		var inner []byte
		if m.State.State != 0 {
			inner = protowire.AppendTag(inner, 1, protowire.VarintType)
			inner = protowire.AppendVarint(inner, uint64(m.State.State))
		}
		b = protowire.AppendTag(b, fieldFrameState, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	if m.MillisSinceStart != 0 {
		b = protowire.AppendTag(b, fieldFrameMillis, protowire.VarintType)
		b = protowire.AppendVarint(b, m.MillisSinceStart)
	}
	return b, nil
}

func appendCommand(b []byte, c *Command) ([]byte, error) {
	if c.Data == nil {
		return nil, fmt.Errorf("radio: command has no data")
	}
	if c.Node != 0 {
		b = protowire.AppendTag(b, fieldCommandNode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Node))
	}

	var inner []byte
	switch d := c.Data.(type) {
	case DeployDrogue:
		inner = appendBool(inner, 1, d.Val)
	case DeployMain:
		inner = appendBool(inner, 1, d.Val)
	case PowerDown:
		inner = appendUint(inner, 1, uint64(d.Board))
	case RadioRateChange:
		inner = appendUint(inner, 1, uint64(d.Rate))
	case Ping:
		inner = appendUint(inner, 1, uint64(d.ID))
	case Pong:
		inner = appendUint(inner, 1, uint64(d.ID))
	case Online:
		inner = appendBool(inner, 1, d.Online)
	case PowerUpCamera, PowerDownCamera:
	default:
		return nil, fmt.Errorf("radio: unsupported command %T", d)
	}
	b = protowire.AppendTag(b, protowire.Number(c.Data.fieldNumber()), protowire.BytesType)
	return protowire.AppendBytes(b, inner), nil
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// ── decode ────────────────────────────────────────────────────────────────

// fieldFunc handles one field; unknown fields are skipped by walk.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error)

// walk iterates the fields of one message body.
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]
		used, handled, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if !handled {
			used = protowire.ConsumeFieldValue(num, typ, b)
		}
		if used < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(used))
		}
		b = b[used:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: wire type %d, want varint", ErrDecode, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: wire type %d, want bytes", ErrDecode, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
	}
	return v, n, nil
}

func decodeFrame(b []byte) (*Message, error) {
	m := &Message{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case fieldFrameNode:
			v, n, err := consumeVarint(typ, b)
			m.Node = Node(v)
			return n, true, err
		case fieldFrameMillis:
			v, n, err := consumeVarint(typ, b)
			m.MillisSinceStart = v
			return n, true, err
		case fieldFrameCommand, fieldFrameSensor, fieldFrameLog, fieldFrameState:
			inner, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, true, err
			}
			// last oneof member on the wire wins, as in protobuf
			m.Command, m.Sensor, m.Log, m.State = nil, nil, nil, nil
			switch num {
			case fieldFrameCommand:
				m.Command, err = decodeCommand(inner)
			case fieldFrameSensor:
				m.Sensor, err = decodeSensor(inner)
			case fieldFrameLog:
				m.Log, err = decodeLog(inner)
			case fieldFrameState:
				m.State, err = decodeState(inner)
			}
			return n, true, err
		}
		return 0, false, nil
	})
	if err != nil {
		return nil, err
	}
	if m.Kind() == "empty" {
		return nil, ErrNoPayload
	}
	return m, nil
}

func decodeCommand(b []byte) (*Command, error) {
	c := &Command{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		if num == fieldCommandNode {
			v, n, err := consumeVarint(typ, b)
			c.Node = Node(v)
			return n, true, err
		}
		if num < fieldCommandDeployDrogue || num > fieldCommandOnline {
			return 0, false, nil
		}
		inner, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, true, err
		}
		var val uint64
		err = walk(inner, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
			if num != 1 {
				return 0, false, nil
			}
			v, n, err := consumeVarint(typ, b)
			val = v
			return n, true, err
		})
		if err != nil {
			return 0, true, err
		}
		switch num {
		case fieldCommandDeployDrogue:
			c.Data = DeployDrogue{Val: val != 0}
		case fieldCommandDeployMain:
			c.Data = DeployMain{Val: val != 0}
		case fieldCommandPowerDown:
			c.Data = PowerDown{Board: Node(val)}
		case fieldCommandRadioRateChange:
			c.Data = RadioRateChange{Rate: RadioRate(val)}
		case fieldCommandPing:
			c.Data = Ping{ID: uint32(val)}
		case fieldCommandPong:
			c.Data = Pong{ID: uint32(val)}
		case fieldCommandPowerUpCamera:
			c.Data = PowerUpCamera{}
		case fieldCommandPowerDownCamera:
			c.Data = PowerDownCamera{}
		case fieldCommandOnline:
			c.Data = Online{Online: val != 0}
		}
		return n, true, nil
	})
	if err != nil {
		return nil, err
	}
	if c.Data == nil {
		return nil, fmt.Errorf("%w: command without data", ErrDecode)
	}
	return c, nil
}

func decodeSensor(b []byte) (*SensorSample, error) {
	s := &SensorSample{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			s.Component = uint32(v)
			return n, true, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			s.Data = append([]byte(nil), v...)
			return n, true, err
		}
		return 0, false, nil
	})
	return s, err
}

func decodeLog(b []byte) (*LogEntry, error) {
	l := &LogEntry{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			l.Level = uint32(v)
			return n, true, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			l.Event = string(v)
			return n, true, err
		}
		return 0, false, nil
	})
	return l, err
}

func decodeState(b []byte) (*StateUpdate, error) {
	s := &StateUpdate{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool, error) {
		if num != 1 {
			return 0, false, nil
		}
		v, n, err := consumeVarint(typ, b)
		s.State = uint32(v)
		return n, true, err
	})
	return s, err
}
