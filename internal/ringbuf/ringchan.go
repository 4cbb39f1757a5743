package ringbuf

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel with overwrite-oldest semantics, used for
// event streams where the producer must never stall (discovery, status).
//
//	rc := ringbuf.NewRingChannel[Event](16)
//	rc.Send(ev)             // never blocks, may evict the oldest
//	for ev := range rc.C() { ... }
//
// Send after Close is a no-op rather than a panic, so producers may outlive
// the consumer.
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics ChannelMetrics
}

// ChannelMetrics counts RingChannel traffic; updated atomically.
type ChannelMetrics struct {
	Written     int64
	Overwritten int64
	Received    int64
	Dropped     int64 // sends after close
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Reads through C are not counted in Received.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element when full. It reports
// whether an element was evicted.
func (rc *RingChannel[T]) Send(v T) (evicted bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		atomic.AddInt64(&rc.metrics.Dropped, 1)
		return false
	}
	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return evicted
		default:
		}
		select {
		case <-rc.ch:
			evicted = true
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		atomic.AddInt64(&rc.metrics.Dropped, 1)
		return false
	}
	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.metrics.Written, 1)
		return true
	default:
		return false
	}
}

// TryReceive is a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			atomic.AddInt64(&rc.metrics.Received, 1)
		}
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Cap returns the capacity.
func (rc *RingChannel[T]) Cap() int { return cap(rc.ch) }

// Close closes the channel once; later calls are no-ops.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Metrics returns a snapshot of the counters.
func (rc *RingChannel[T]) Metrics() ChannelMetrics {
	return ChannelMetrics{
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Received:    atomic.LoadInt64(&rc.metrics.Received),
		Dropped:     atomic.LoadInt64(&rc.metrics.Dropped),
	}
}
