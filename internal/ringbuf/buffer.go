// Package ringbuf bridges the receiver goroutine and sample consumers.
//
// Buffer is a fixed-capacity FIFO of samples with a selectable overflow
// policy. A single producer pushes; any number of consumers pop. Pop and
// HasAvailable never block. Wait gives consumers a bounded-wait receive
// without polling.
package ringbuf

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/srg/attys/internal/sample"
)

var (
	// ErrEmpty is returned by Pop when no sample is buffered.
	ErrEmpty = errors.New("ring buffer is empty")
	// ErrOverflow is returned by Push under the reject policy when full.
	ErrOverflow = errors.New("ring buffer overflow")
	// ErrClosed is returned once the buffer has been closed.
	ErrClosed = errors.New("ring buffer closed")
)

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Capacity  int    `json:"capacity"`
	Len       int    `json:"len"`
	Pushed    uint64 `json:"pushed"`
	Popped    uint64 `json:"popped"`
	Overflows uint64 `json:"overflows"`
	Blocked   uint64 `json:"blocked"`
}

// Buffer is a bounded sample queue. head and tail are monotonic cursors;
// tail-head is the fill level and never exceeds len(items).
type Buffer struct {
	mu     sync.Mutex
	items  []sample.Sample
	head   uint64
	tail   uint64
	policy Policy
	closed bool

	// closed and replaced to broadcast a state change
	notEmpty chan struct{}
	notFull  chan struct{}

	pushed    uint64
	popped    uint64
	overflows uint64
	blocked   uint64
}

// New creates a buffer holding exactly capacity samples.
func New(capacity int, policy Policy) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring buffer capacity must be > 0, got %d", capacity)
	}
	if !policy.valid() {
		return nil, fmt.Errorf("unknown overflow policy %d", policy)
	}
	return &Buffer{
		items:    make([]sample.Sample, capacity),
		policy:   policy,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}, nil
}

// Push appends s. When the buffer is full the outcome depends on the policy:
// Reject returns ErrOverflow leaving contents unchanged, DropOldest evicts the
// oldest unread sample, Block waits for space until ctx is done or the
// buffer is closed.
func (b *Buffer) Push(ctx context.Context, s sample.Sample) error {
	b.mu.Lock()
	waited := false
	for b.full() {
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		if b.policy == Reject {
			b.overflows++
			b.mu.Unlock()
			return ErrOverflow
		}
		if b.policy == DropOldest {
			b.items[b.head%b.size()] = sample.Sample{}
			b.head++
			b.overflows++
			break
		}

		if !waited {
			waited = true
			b.overflows++
			b.blocked++
		}
		ch := b.notFull
		b.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
	}
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	b.items[b.tail%b.size()] = s
	b.tail++
	b.pushed++
	b.signal(&b.notEmpty)
	b.mu.Unlock()
	return nil
}

// Pop removes and returns the oldest sample, or ErrEmpty.
func (b *Buffer) Pop() (sample.Sample, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked()
}

// Wait returns the oldest sample, waiting until one is pushed, ctx is done
// or the buffer is closed and drained.
func (b *Buffer) Wait(ctx context.Context) (sample.Sample, error) {
	for {
		b.mu.Lock()
		s, err := b.popLocked()
		if err == nil {
			b.mu.Unlock()
			return s, nil
		}
		if b.closed {
			b.mu.Unlock()
			return sample.Sample{}, ErrClosed
		}
		ch := b.notEmpty
		b.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return sample.Sample{}, ctx.Err()
		}
	}
}

// Drain pops up to limit samples (all when limit <= 0).
func (b *Buffer) Drain(limit int) []sample.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int(b.tail - b.head)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]sample.Sample, 0, n)
	for i := 0; i < n; i++ {
		s, _ := b.popLocked()
		out = append(out, s)
	}
	return out
}

// HasAvailable reports whether Pop would succeed right now.
func (b *Buffer) HasAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tail > b.head
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.tail - b.head)
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.items) }

// Policy returns the overflow policy.
func (b *Buffer) Policy() Policy { return b.policy }

// Reset discards every buffered sample. Counters are kept.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.head < b.tail {
		b.items[b.head%b.size()] = sample.Sample{}
		b.head++
	}
	b.signal(&b.notFull)
}

// Close wakes every waiter. Pushes fail with ErrClosed afterwards; buffered
// samples stay poppable.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notEmpty)
	close(b.notFull)
}

// Reopen re-arms a closed buffer so a restarted stream can push again.
func (b *Buffer) Reopen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		return
	}
	b.closed = false
	b.notEmpty = make(chan struct{})
	b.notFull = make(chan struct{})
}

// Stats returns a snapshot of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Capacity:  len(b.items),
		Len:       int(b.tail - b.head),
		Pushed:    b.pushed,
		Popped:    b.popped,
		Overflows: b.overflows,
		Blocked:   b.blocked,
	}
}

func (b *Buffer) popLocked() (sample.Sample, error) {
	if b.tail == b.head {
		return sample.Sample{}, ErrEmpty
	}
	idx := b.head % b.size()
	s := b.items[idx]
	b.items[idx] = sample.Sample{}
	b.head++
	b.popped++
	b.signal(&b.notFull)
	return s, nil
}

func (b *Buffer) full() bool { return b.tail-b.head >= b.size() }

func (b *Buffer) size() uint64 { return uint64(len(b.items)) }

// signal wakes everyone waiting on *ch. Must hold mu; no-op once closed.
func (b *Buffer) signal(ch *chan struct{}) {
	if b.closed {
		return
	}
	close(*ch)
	*ch = make(chan struct{})
}
