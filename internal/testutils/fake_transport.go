package testutils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// FakeTransport is a scripted in-memory transport. Bytes queued with Feed are
// returned by Read; an empty queue makes Read wait for the read timeout and
// return (0, nil), like a real link with nothing to say.
type FakeTransport struct {
	readTimeout time.Duration

	mu       sync.Mutex
	pending  []byte
	writes   [][]byte
	opened   bool
	opens    int
	closes   int
	openErr  error
	readErr  error
	onWrite  func(p []byte)
	wake     chan struct{}
	closedCh chan struct{}
}

// NewFakeTransport returns a closed fake with the given read timeout.
func NewFakeTransport(readTimeout time.Duration) *FakeTransport {
	return &FakeTransport{
		readTimeout: readTimeout,
		wake:        make(chan struct{}, 1),
		closedCh:    make(chan struct{}),
	}
}

// FailOpen makes the next Open calls return err.
func (f *FakeTransport) FailOpen(err error) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
	return f
}

// OnWrite installs a responder invoked with every written payload.
func (f *FakeTransport) OnWrite(fn func(p []byte)) *FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onWrite = fn
	return f
}

// AutoAck answers every CR terminated write with ack + CRLF.
func (f *FakeTransport) AutoAck(ack string) *FakeTransport {
	return f.OnWrite(func(p []byte) {
		if bytes.HasSuffix(p, []byte("\r")) {
			f.Feed([]byte(ack + "\r\n"))
		}
	})
}

// Feed queues bytes for Read.
func (f *FakeTransport) Feed(p []byte) {
	f.mu.Lock()
	f.pending = append(f.pending, p...)
	f.mu.Unlock()
	f.poke()
}

// Disconnect makes subsequent reads fail with err (io.EOF when nil).
func (f *FakeTransport) Disconnect(err error) {
	if err == nil {
		err = io.EOF
	}
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
	f.poke()
}

func (f *FakeTransport) poke() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Open implements link.Transport.
func (f *FakeTransport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return f.openErr
	}
	if f.opened {
		return errors.New("fake transport already open")
	}
	f.opened = true
	f.readErr = nil
	f.closedCh = make(chan struct{})
	return nil
}

// Read implements link.Transport.
func (f *FakeTransport) Read(p []byte) (int, error) {
	deadline := time.NewTimer(f.readTimeout)
	defer deadline.Stop()
	for {
		f.mu.Lock()
		if !f.opened {
			f.mu.Unlock()
			return 0, errors.New("fake transport not open")
		}
		if len(f.pending) > 0 {
			n := copy(p, f.pending)
			f.pending = f.pending[n:]
			f.mu.Unlock()
			return n, nil
		}
		if f.readErr != nil {
			err := f.readErr
			f.mu.Unlock()
			return 0, err
		}
		closedCh := f.closedCh
		f.mu.Unlock()

		select {
		case <-f.wake:
		case <-closedCh:
			return 0, io.EOF
		case <-deadline.C:
			return 0, nil
		}
	}
}

// Write implements link.Transport.
func (f *FakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	if !f.opened {
		f.mu.Unlock()
		return 0, errors.New("fake transport not open")
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	fn := f.onWrite
	f.mu.Unlock()
	if fn != nil {
		fn(p)
	}
	return len(p), nil
}

// Close implements link.Transport.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if !f.opened {
		return nil
	}
	f.opened = false
	close(f.closedCh)
	return nil
}

// Writes returns a copy of every payload written so far.
func (f *FakeTransport) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// WrittenStrings returns writes as strings.
func (f *FakeTransport) WrittenStrings() []string {
	ws := f.Writes()
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = string(w)
	}
	return out
}

// IsOpen reports whether the fake is currently open.
func (f *FakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Counts returns how often Open and Close were called.
func (f *FakeTransport) Counts() (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

// Pending returns the number of queued unread bytes.
func (f *FakeTransport) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
