// Package link owns the physical connection to a device: a Transport that
// moves bytes, and Conn, which enforces the Closed -> Open -> Streaming ->
// Closed lifecycle on top of it.
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Transport moves bytes to and from a device. Read must return within the
// transport's read timeout; it returns (0, nil) when nothing arrived and a
// non-nil error only when the link is gone.
type Transport interface {
	Open(ctx context.Context) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Conn is a device link with an explicit state machine. ReadBytes is meant
// for a single reader; the other methods are safe for concurrent use.
type Conn struct {
	address   string
	transport Transport
	logger    *logrus.Logger

	mu    sync.Mutex
	state State
	wmu   sync.Mutex
}

// New wraps t. The link starts Closed.
func New(address string, t Transport, logger *logrus.Logger) *Conn {
	if logger == nil {
		logger = logrus.New()
	}
	return &Conn{address: address, transport: t, logger: logger}
}

// Address of the remote device.
func (c *Conn) Address() string { return c.address }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open establishes the transport session.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Closed {
		return &ConnectionError{Address: c.address, Reason: "already " + c.state.String(), Err: ErrInvalidState}
	}

	c.logger.WithField("address", c.address).Debug("Opening link...")
	if err := c.transport.Open(ctx); err != nil {
		reason := "open"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
			reason = "timeout"
		} else if errors.Is(err, ErrBusy) {
			reason = "busy"
		}
		return &ConnectionError{Address: c.address, Reason: reason, Err: err}
	}
	c.state = Open
	c.logger.WithField("address", c.address).Info("Link open")
	return nil
}

// Command writes payload and, when ack is not empty, waits up to timeout for
// a line equal to ack. Only valid while Open; bytes read while waiting are
// discarded.
func (c *Conn) Command(ctx context.Context, payload []byte, ack string, timeout time.Duration) error {
	if st := c.State(); st != Open {
		return fmt.Errorf("command in state %s: %w", st, ErrInvalidState)
	}
	if err := c.WriteBytes(payload); err != nil {
		return err
	}
	if ack == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	want := []byte(ack)
	var line []byte
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for %q: %w", ack, ErrTimeout)
		}
		n, err := c.ReadBytes(buf)
		if err != nil {
			return err
		}
		for _, b := range buf[:n] {
			if b != '\r' && b != '\n' {
				line = append(line, b)
				continue
			}
			if bytes.Equal(bytes.TrimSpace(line), want) {
				return nil
			}
			line = line[:0]
		}
	}
}

// StartStreaming sends the start payload, if any, and moves Open -> Streaming.
func (c *Conn) StartStreaming(start []byte) error {
	if st := c.State(); st != Open {
		return fmt.Errorf("start streaming in state %s: %w", st, ErrInvalidState)
	}
	if len(start) > 0 {
		if err := c.WriteBytes(start); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Open {
		return fmt.Errorf("start streaming in state %s: %w", c.state, ErrInvalidState)
	}
	c.state = Streaming
	c.logger.WithField("address", c.address).Info("Link streaming")
	return nil
}

// StopStreaming moves Streaming -> Open so commands may be sent again.
func (c *Conn) StopStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Streaming {
		return fmt.Errorf("stop streaming in state %s: %w", c.state, ErrInvalidState)
	}
	c.state = Open
	return nil
}

// ReadBytes reads into p. It returns 0 when the read timeout elapsed. A
// transport failure closes the link and is returned as *LinkError.
func (c *Conn) ReadBytes(p []byte) (int, error) {
	if c.State() == Closed {
		return 0, &LinkError{Address: c.address, Op: "read", Err: ErrClosed}
	}
	n, err := c.transport.Read(p)
	if n < 0 {
		n = 0
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("remote closed: %w", err)
		}
		c.fail()
		return n, &LinkError{Address: c.address, Op: "read", Err: err}
	}
	return n, nil
}

// WriteBytes sends p in full.
func (c *Conn) WriteBytes(p []byte) error {
	if c.State() == Closed {
		return &LinkError{Address: c.address, Op: "write", Err: ErrClosed}
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for len(p) > 0 {
		n, err := c.transport.Write(p)
		if err != nil {
			c.fail()
			return &LinkError{Address: c.address, Op: "write", Err: err}
		}
		if n == 0 {
			c.fail()
			return &LinkError{Address: c.address, Op: "write", Err: io.ErrShortWrite}
		}
		p = p[n:]
	}
	return nil
}

// Close tears the link down. Safe to call repeatedly and before Open.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return nil
	}
	c.state = Closed
	if err := c.transport.Close(); err != nil {
		c.logger.WithError(err).WithField("address", c.address).Warn("Transport close failed")
		return fmt.Errorf("close %s: %w", c.address, err)
	}
	c.logger.WithField("address", c.address).Info("Link closed")
	return nil
}

func (c *Conn) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	c.state = Closed
	_ = c.transport.Close()
	c.logger.WithField("address", c.address).Error("Link lost")
}
