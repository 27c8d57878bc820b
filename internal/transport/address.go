package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	SchemeSerial = "serial"
	SchemeTCPOut = "tcpout"
)

// Address is a parsed connection string:
//
//	serial:<device>:<baud>
//	tcpout:<host>:<port>
type Address struct {
	Scheme string
	Device string
	Baud   int
	Host   string
}

func (a Address) String() string {
	if a.Scheme == SchemeSerial {
		return fmt.Sprintf("%s:%s:%d", a.Scheme, a.Device, a.Baud)
	}
	return a.Scheme + ":" + a.Host
}

// ParseAddress parses a connection string. Errors wrap ErrBadAddress or
// ErrUnknownScheme; neither goes away by retrying.
func ParseAddress(s string) (Address, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || rest == "" {
		return Address{}, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	switch scheme {
	case SchemeSerial:
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			return Address{}, fmt.Errorf("%w: %q: want serial:<device>:<baud>", ErrBadAddress, s)
		}
		baud, err := strconv.Atoi(rest[i+1:])
		if err != nil || baud <= 0 {
			return Address{}, fmt.Errorf("%w: %q: invalid baud rate", ErrBadAddress, s)
		}
		return Address{Scheme: scheme, Device: rest[:i], Baud: baud}, nil
	case SchemeTCPOut:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Address{}, fmt.Errorf("%w: %q: %v", ErrBadAddress, s, err)
		}
		return Address{Scheme: scheme, Host: rest}, nil
	default:
		return Address{}, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// Open resolves a connection string to a Transport.
func Open(ctx context.Context, s string, readTimeout time.Duration) (Transport, error) {
	a, err := ParseAddress(s)
	if err != nil {
		return nil, err
	}
	switch a.Scheme {
	case SchemeSerial:
		return OpenSerial(a.Device, a.Baud, readTimeout)
	default:
		t, err := DialTCP(ctx, a.Host)
		if err != nil {
			return nil, err
		}
		if readTimeout > 0 {
			t.readTimeout = readTimeout
		}
		return t, nil
	}
}
