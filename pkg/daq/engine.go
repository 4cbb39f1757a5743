// Package daq is the public surface of the acquisition engine: discover
// devices, connect, stream samples into a ring buffer and read them back.
//
//	eng, _ := daq.New(cfg, logger)
//	defer eng.Close()
//	handles, _ := eng.Scan(ctx, 0)
//	conn, _ := eng.Connect(ctx, handles[0])
//	_ = conn.Start()
//	for conn.HasSampleAvailable() {
//	    s, _ := conn.GetSampleFromBuffer()
//	    ...
//	}
//	_ = conn.Quit()
package daq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/attys/internal/link"
	"github.com/srg/attys/internal/protocol"
	"github.com/srg/attys/internal/receiver"
	"github.com/srg/attys/internal/ringbuf"
	"github.com/srg/attys/internal/scanner"
	"github.com/srg/attys/pkg/config"
)

// Error kinds callers can match with errors.Is / errors.As.
var (
	ErrEmpty          = ringbuf.ErrEmpty
	ErrOutOfRange     = scanner.ErrOutOfRange
	ErrNotFound       = scanner.ErrNotFound
	ErrAlreadyStarted = receiver.ErrAlreadyStarted
	ErrInvalidState   = link.ErrInvalidState
	ErrBusy           = link.ErrBusy
	ErrEngineClosed   = errors.New("engine closed")
)

type (
	Handle          = scanner.Handle
	DiscoveryError  = scanner.DiscoveryError
	ConnectionError = link.ConnectionError
	LinkError       = link.LinkError
)

// TransportFactory builds the transport for a handle. This is a variable so
// that it can be overridden in tests.
var TransportFactory = link.NewTransport

// Engine owns a scanner and the set of active connections. Engines are
// independent of each other.
type Engine struct {
	cfg     *config.Config
	logger  *logrus.Logger
	class   protocol.DeviceClass
	policy  ringbuf.Policy
	scanner *scanner.Scanner
	closed  atomic.Bool

	// active maps handle keys to connections. A released key holds nil;
	// entries are never deleted.
	mu     sync.Mutex
	active *hashmap.Map[string, *Connection]
}

// New validates cfg and builds an engine. A nil cfg means defaults.
func New(cfg *config.Config, logger *logrus.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	class, err := DeviceClassFor(cfg)
	if err != nil {
		return nil, err
	}
	policy, err := ringbuf.ParsePolicy(cfg.OverflowPolicy)
	if err != nil {
		return nil, err
	}
	sources, err := SourcesFor(cfg, class)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"class":    class.Name,
		"rate":     class.SampleRate,
		"channels": len(class.Channels),
		"policy":   policy,
		"capacity": cfg.BufferCapacity,
	}).Debug("Engine configured")

	return &Engine{
		cfg:     cfg,
		logger:  logger,
		class:   class,
		policy:  policy,
		scanner: scanner.New(logger, sources...),
		active:  hashmap.New[string, *Connection](),
	}, nil
}

// Class returns the device class connections are configured with.
func (e *Engine) Class() protocol.DeviceClass { return e.class }

// Scanner gives access to discovery events and lookups.
func (e *Engine) Scanner() *scanner.Scanner { return e.scanner }

// Scan discovers devices. A zero timeout uses the configured scan timeout.
func (e *Engine) Scan(ctx context.Context, timeout time.Duration) ([]Handle, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if timeout <= 0 {
		timeout = e.cfg.ScanTimeout
	}
	return e.scanner.Scan(ctx, timeout)
}

// Handle returns entry i of the last scan.
func (e *Engine) Handle(i int) (Handle, error) {
	return e.scanner.Handle(i)
}

// Connect opens the link to h without starting acquisition. A handle can
// have only one active connection per engine.
func (e *Engine) Connect(ctx context.Context, h Handle) (*Connection, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	c, err := newConnection(e, h)
	if err != nil {
		return nil, err
	}
	transport, err := TransportFactory(h.Transport, h.Address, link.Options{
		BaudRate:       e.cfg.BaudRate,
		ReadTimeout:    e.cfg.ReadTimeout,
		ConnectTimeout: e.cfg.ConnectTimeout,
		Logger:         e.logger,
	})
	if err != nil {
		return nil, &link.ConnectionError{Address: h.Address, Reason: "transport", Err: err}
	}
	c.link = link.New(h.Address, transport, e.logger)

	if !e.claim(c) {
		return nil, &link.ConnectionError{Address: h.Address, Reason: "busy", Err: link.ErrBusy}
	}

	c.messages.post(MessageConnecting, "connecting to %s", h)
	openCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()
	if err := c.link.Open(openCtx); err != nil {
		e.release(c)
		c.messages.post(MessageError, "%v", err)
		return nil, err
	}

	c.messages.post(MessageConnected, "connected to %s", h)
	e.logger.WithField("device", h.String()).Info("Connected")
	return c, nil
}

// Connections returns the currently active connections.
func (e *Engine) Connections() []*Connection {
	var out []*Connection
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active.Range(func(_ string, c *Connection) bool {
		if c != nil {
			out = append(out, c)
		}
		return true
	})
	return out
}

// Close quits every connection and releases the scanner. Safe to call
// repeatedly.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, c := range e.Connections() {
		if err := c.Quit(); err != nil {
			errs = append(errs, err)
		}
	}
	e.scanner.Close()
	return errors.Join(errs...)
}

// claim registers c unless its handle already has a live connection.
func (e *Engine) claim(c *Connection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.active.Get(c.handle.Key()); ok && cur != nil {
		return false
	}
	e.active.Set(c.handle.Key(), c)
	return true
}

func (e *Engine) release(c *Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.active.Get(c.handle.Key()); ok && cur == c {
		e.active.Set(c.handle.Key(), nil)
	}
}
