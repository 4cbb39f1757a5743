package daq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/attys/internal/groutine"
	"github.com/srg/attys/internal/link"
	"github.com/srg/attys/internal/protocol"
	"github.com/srg/attys/internal/receiver"
	"github.com/srg/attys/internal/ringbuf"
	"github.com/srg/attys/internal/sample"
)

// Stats aggregates the counters of one connection.
type Stats struct {
	Buffer   ringbuf.Stats  `json:"buffer"`
	Decoder  protocol.Stats `json:"decoder"`
	Receiver receiver.Stats `json:"receiver"`
	State    string         `json:"state"`
}

// Connection is one open device link and its sample buffer. Sample getters
// may be called from any goroutine while the receiver runs.
type Connection struct {
	engine   *Engine
	handle   Handle
	class    protocol.DeviceClass
	link     *link.Conn
	buffer   *ringbuf.Buffer
	messages *messageQueue
	logger   *logrus.Entry

	mu          sync.Mutex
	loop        *receiver.Loop
	decoder     *syncDecoder
	quit        bool
	starting    bool
	cancelStart context.CancelFunc
}

func newConnection(e *Engine, h Handle) (*Connection, error) {
	buf, err := ringbuf.New(e.cfg.BufferCapacity, e.policy)
	if err != nil {
		return nil, err
	}
	return &Connection{
		engine:   e,
		handle:   h,
		class:    e.class,
		buffer:   buf,
		messages: newMessageQueue(h.Address),
		logger:   e.logger.WithField("address", h.Address),
	}, nil
}

// Handle returns the device this connection talks to.
func (c *Connection) Handle() Handle { return c.handle }

// Start configures the device and begins acquisition. The handshake runs on
// the caller's goroutine; after it the receiver owns the link.
func (c *Connection) Start() error {
	return c.StartContext(context.Background())
}

// StartContext is Start with a context bounding the handshake. The
// connection lock is not held while commands are exchanged, so a concurrent
// Quit cancels the handshake instead of waiting for it.
func (c *Connection) StartContext(ctx context.Context) error {
	c.mu.Lock()
	if c.quit {
		c.mu.Unlock()
		return fmt.Errorf("start %s: %w", c.handle.Address, link.ErrClosed)
	}
	if c.loop != nil || c.starting {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if st := c.link.State(); st != link.Open {
		c.mu.Unlock()
		return fmt.Errorf("start in state %s: %w", st, link.ErrInvalidState)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.starting, c.cancelStart = true, cancel
	c.mu.Unlock()

	dec, err := c.configure(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting, c.cancelStart = false, nil
	if c.quit {
		return fmt.Errorf("start %s: %w", c.handle.Address, link.ErrClosed)
	}
	if err != nil {
		c.messages.post(MessageError, "%v", err)
		return err
	}

	c.decoder = &syncDecoder{d: dec}
	loop := receiver.New(c.link, c.decoder, c.buffer, receiver.Options{}, c.engine.logger)
	if err := loop.Start(context.Background()); err != nil {
		return err
	}
	c.loop = loop
	groutine.Go(context.Background(), "watch-"+c.handle.Address, c.watch, nil)

	c.messages.post(MessageStarted, "streaming at %g Hz", c.class.SampleRate)
	c.logger.WithField("rate", c.class.SampleRate).Info("Acquisition started")
	return nil
}

// configure runs the handshake and switches the link to streaming.
func (c *Connection) configure(ctx context.Context) (protocol.Decoder, error) {
	c.messages.post(MessageConfigure, "configuring %s", c.class.Name)
	if err := c.handshake(ctx); err != nil {
		return nil, err
	}
	dec, err := c.class.NewDecoder(protocol.WithLogger(c.engine.logger))
	if err != nil {
		return nil, err
	}
	if err := c.link.StartStreaming(c.class.Start.Payload); err != nil {
		return nil, err
	}
	return dec, nil
}

// handshake sends every configuration command, retrying unacknowledged ones.
func (c *Connection) handshake(ctx context.Context) error {
	timeout := c.engine.cfg.CommandTimeout
	for _, cmd := range c.class.Handshake {
		if cmd.Empty() {
			continue
		}
		var err error
		for attempt := 0; attempt <= cmd.Retries; attempt++ {
			err = c.link.Command(ctx, cmd.Payload, cmd.Ack, timeout)
			if err == nil || link.IsLinkError(err) || ctx.Err() != nil {
				break
			}
			c.logger.WithFields(logrus.Fields{
				"command": cmd.Name,
				"attempt": attempt + 1,
			}).WithError(err).Debug("Command not acknowledged")
		}
		if err != nil {
			return fmt.Errorf("command %s: %w", cmd.Name, err)
		}
	}
	return nil
}

// watch waits for the receiver to exit and releases the connection when it
// stopped because the link failed.
func (c *Connection) watch(context.Context) {
	c.mu.Lock()
	loop := c.loop
	c.mu.Unlock()

	<-loop.Done()
	if err := loop.Err(); err != nil {
		c.messages.post(MessageError, "%v", err)
		c.buffer.Close()
		c.engine.release(c)
	}
}

// HasSampleAvailable reports whether GetSampleFromBuffer would succeed. It
// never blocks.
func (c *Connection) HasSampleAvailable() bool { return c.buffer.HasAvailable() }

// GetSampleFromBuffer pops the oldest sample. An empty buffer returns
// ErrEmpty, joined with the link error when acquisition failed.
func (c *Connection) GetSampleFromBuffer() (sample.Sample, error) {
	s, err := c.buffer.Pop()
	if err != nil {
		if lerr := c.Err(); lerr != nil {
			return sample.Sample{}, fmt.Errorf("%w: %w", err, lerr)
		}
	}
	return s, err
}

// WaitForSample blocks until a sample is available or ctx is done. After a
// link failure it drains what is left and then returns the failure.
func (c *Connection) WaitForSample(ctx context.Context) (sample.Sample, error) {
	s, err := c.buffer.Wait(ctx)
	if errors.Is(err, ringbuf.ErrClosed) {
		if lerr := c.Err(); lerr != nil {
			return sample.Sample{}, fmt.Errorf("%w: %w", ErrEmpty, lerr)
		}
	}
	return s, err
}

func (c *Connection) NumSamplesAvailable() int { return c.buffer.Len() }

// ResetBuffer discards unread samples.
func (c *Connection) ResetBuffer() { c.buffer.Reset() }

// Channels describes the sample layout.
func (c *Connection) Channels() []sample.Channel {
	return append([]sample.Channel(nil), c.class.Channels...)
}

// SampleRate in Hz.
func (c *Connection) SampleRate() float64 { return c.class.SampleRate }

// State of the underlying link.
func (c *Connection) State() link.State { return c.link.State() }

// Err returns the failure that ended acquisition, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	loop := c.loop
	c.mu.Unlock()
	if loop == nil {
		return nil
	}
	return loop.Err()
}

// Messages drains the queued status messages, oldest first.
func (c *Connection) Messages() []Message { return c.messages.drain() }

func (c *Connection) Stats() Stats {
	c.mu.Lock()
	loop, dec := c.loop, c.decoder
	c.mu.Unlock()

	st := Stats{Buffer: c.buffer.Stats(), State: c.link.State().String()}
	if loop != nil {
		st.Receiver = loop.Stats()
	}
	if dec != nil {
		st.Decoder = dec.Stats()
	}
	return st
}

// Quit stops acquisition, sends the stop command when the link is still up
// and closes the link. Buffered samples stay readable. Safe to call
// repeatedly.
func (c *Connection) Quit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quit {
		return nil
	}
	c.quit = true
	if c.cancelStart != nil {
		c.cancelStart()
	}

	if c.loop != nil {
		_ = c.loop.Quit()
	}
	if c.link.State() == link.Streaming {
		_ = c.link.StopStreaming()
		if !c.class.Stop.Empty() {
			if err := c.link.WriteBytes(c.class.Stop.Payload); err != nil {
				c.logger.WithError(err).Warn("Failed to send stop command")
			}
		}
	}
	err := c.link.Close()
	c.buffer.Close()
	c.engine.release(c)

	c.messages.post(MessageStopped, "stopped")
	c.logger.Info("Acquisition stopped")
	return err
}

// syncDecoder lets Stats read counters while the receiver feeds bytes.
type syncDecoder struct {
	mu sync.Mutex
	d  protocol.Decoder
}

func (s *syncDecoder) Feed(p []byte) []sample.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.Feed(p)
}

func (s *syncDecoder) Stats() protocol.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.Stats()
}

func (s *syncDecoder) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.Reset()
}
