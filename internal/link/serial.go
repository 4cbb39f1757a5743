package link

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// openPort is replaced in tests.
var openPort = serial.Open

// Serial is a transport over a serial device node: a bound RFCOMM tty
// (/dev/rfcomm0), a macOS Bluetooth SPP port or a USB serial adapter.
type Serial struct {
	path   string
	opts   Options
	logger *logrus.Logger

	mu   sync.Mutex
	port serial.Port
}

// NewSerial returns an unopened serial transport.
func NewSerial(path string, opts Options) *Serial {
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	return &Serial{path: path, opts: opts, logger: opts.Logger}
}

// Open implements Transport.
func (s *Serial) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return ErrBusy
	}

	mode := &serial.Mode{
		BaudRate: s.opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(s.path, mode)
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortBusy {
			return fmt.Errorf("%s: %w", s.path, ErrBusy)
		}
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	if err := port.SetReadTimeout(s.opts.ReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("set read timeout on %s: %w", s.path, err)
	}
	_ = port.ResetInputBuffer()

	s.port = port
	s.logger.WithFields(logrus.Fields{
		"port": s.path,
		"baud": s.opts.BaudRate,
	}).Debug("Serial port open")
	return nil
}

// Read implements Transport. go.bug.st/serial returns (0, nil) on timeout.
func (s *Serial) Read(p []byte) (int, error) {
	port := s.current()
	if port == nil {
		return 0, ErrClosed
	}
	return port.Read(p)
}

// Write implements Transport.
func (s *Serial) Write(p []byte) (int, error) {
	port := s.current()
	if port == nil {
		return 0, ErrClosed
	}
	return port.Write(p)
}

// Close implements Transport.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) current() serial.Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}
