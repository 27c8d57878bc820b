package transport

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const DefaultSerialReadTimeout = 100 * time.Millisecond

// Serial is a radio modem attached to a local serial device (8N1).
type Serial struct {
	port   serial.Port
	path   string
	baud   int
	closed atomic.Bool
}

// OpenSerial opens path at baud. readTimeout bounds how long Read waits before
// returning ErrWouldBlock.
func OpenSerial(path string, baud int, readTimeout time.Duration) (*Serial, error) {
	if readTimeout <= 0 {
		readTimeout = DefaultSerialReadTimeout
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s@%d: %w", path, baud, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("transport: serial %s: set read timeout: %w", path, err)
	}
	return &Serial{port: port, path: path, baud: baud}, nil
}

func (s *Serial) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, err := s.port.Read(p)
	if err != nil {
		return n, fmt.Errorf("transport: serial %s: read: %w", s.path, err)
	}
	// go.bug.st/serial reports a read timeout as (0, nil).
	if n == 0 {
		return 0, ErrWouldBlock
	}
	return n, nil
}

func (s *Serial) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, err := s.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("transport: serial %s: write: %w", s.path, err)
	}
	return n, nil
}

func (s *Serial) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.port.Close()
}

func (s *Serial) String() string { return fmt.Sprintf("serial:%s:%d", s.path, s.baud) }

// ListPorts returns the serial devices present on this machine.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list ports: %w", err)
	}
	return ports, nil
}
