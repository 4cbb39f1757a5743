package simulator

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

const defaultPollInterval = 50 * time.Millisecond

// PTY is a pseudo-terminal pair. The slave end, at Path, behaves like the
// serial port of a device; the simulator talks through the master end.
type PTY struct {
	master       *os.File
	slave        *os.File // kept open so the device node stays valid
	path         string
	pollInterval time.Duration
	closed       atomic.Bool
}

// OpenPTY creates a pair and puts the slave into raw mode so binary frames
// pass untouched.
func OpenPTY() (*PTY, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		path := slave.Name()
		if cerr := errors.Join(master.Close(), slave.Close()); cerr != nil {
			return nil, fmt.Errorf("failed to set PTY %s to raw mode: %w (cleanup errors: %v)", path, err, cerr)
		}
		return nil, fmt.Errorf("failed to set PTY %s to raw mode: %w", path, err)
	}

	return &PTY{
		master:       master,
		slave:        slave,
		path:         slave.Name(),
		pollInterval: defaultPollInterval,
	}, nil
}

// Path is the slave device, e.g. /dev/pts/5.
func (p *PTY) Path() string { return p.path }

// Read returns what the host wrote to the slave. It waits at most one poll
// interval and returns (0, nil) when nothing arrived.
func (p *PTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if err := p.master.SetReadDeadline(time.Now().Add(p.pollInterval)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return 0, err
	}
	n, err := p.master.Read(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

// Write sends bytes to the host side.
func (p *PTY) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	return p.master.Write(b)
}

// Close releases both ends. Safe to call repeatedly.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Join(p.master.Close(), p.slave.Close())
}
