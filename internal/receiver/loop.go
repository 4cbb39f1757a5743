// Package receiver runs the per-connection acquisition loop: read bytes from
// the link, decode them, publish samples to the ring buffer.
package receiver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/attys/internal/groutine"
	"github.com/srg/attys/internal/protocol"
	"github.com/srg/attys/internal/ringbuf"
	"github.com/srg/attys/internal/sample"
)

var ErrAlreadyStarted = errors.New("receiver already started")

// Link is the part of link.Conn the loop drives.
type Link interface {
	Address() string
	ReadBytes(p []byte) (int, error)
	Close() error
}

type Options struct {
	ReadSize int `default:"512"`
}

// Stats counts loop activity.
type Stats struct {
	BytesRead     uint64 `json:"bytes_read"`
	Reads         uint64 `json:"reads"`
	EmptyReads    uint64 `json:"empty_reads"`
	SamplesPushed uint64 `json:"samples_pushed"`
	PushFailures  uint64 `json:"push_failures"`
}

// Loop owns the link and decoder while it runs. A Loop runs at most once;
// build a new one for the next session.
type Loop struct {
	link    Link
	decoder protocol.Decoder
	buffer  *ringbuf.Buffer
	opts    Options
	logger  *logrus.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    <-chan struct{}
	err     error

	bytesRead     atomic.Uint64
	reads         atomic.Uint64
	emptyReads    atomic.Uint64
	samplesPushed atomic.Uint64
	pushFailures  atomic.Uint64
}

func New(link Link, dec protocol.Decoder, buf *ringbuf.Buffer, opts Options, logger *logrus.Logger) *Loop {
	defaults.SetDefaults(&opts)
	if opts.ReadSize <= 0 {
		opts.ReadSize = 512
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Loop{link: link, decoder: dec, buffer: buf, opts: opts, logger: logger}
}

// Start spawns the loop goroutine.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return ErrAlreadyStarted
	}
	l.started = true

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = groutine.Go(ctx, "receiver-"+l.link.Address(), l.run, func(err error) {
		l.logger.WithError(err).Error("Receiver loop crashed")
		l.setErr(err)
		_ = l.link.Close()
	})
	return nil
}

// Quit stops the loop and waits for it. The wait is bounded by one read
// timeout, since a blocked Push is cancelled. Safe to call repeatedly and
// before Start.
func (l *Loop) Quit() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Done is closed when the loop has exited. Nil before Start.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Running reports whether the loop goroutine is alive.
func (l *Loop) Running() bool {
	done := l.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Err returns the failure that stopped the loop, nil after a clean Quit.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) Stats() Stats {
	return Stats{
		BytesRead:     l.bytesRead.Load(),
		Reads:         l.reads.Load(),
		EmptyReads:    l.emptyReads.Load(),
		SamplesPushed: l.samplesPushed.Load(),
		PushFailures:  l.pushFailures.Load(),
	}
}

func (l *Loop) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

func (l *Loop) run(ctx context.Context) {
	log := l.logger.WithFields(logrus.Fields{
		"address":   l.link.Address(),
		"goroutine": groutine.GetName(ctx),
		"gid":       groutine.GetGID(),
	})
	log.Debug("Receiver loop started")
	defer log.Debug("Receiver loop exited")

	buf := make([]byte, l.opts.ReadSize)
	for ctx.Err() == nil {
		n, err := l.link.ReadBytes(buf)
		l.reads.Add(1)
		if n > 0 {
			l.bytesRead.Add(uint64(n))
			if !l.publish(ctx, l.decoder.Feed(buf[:n])) {
				return
			}
		} else if err == nil {
			l.emptyReads.Add(1)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("Link failed, receiver stopping")
			l.setErr(err)
			_ = l.link.Close()
			return
		}
	}
}

// publish pushes decoded samples in order. It returns false when the loop
// must stop.
func (l *Loop) publish(ctx context.Context, samples []sample.Sample) bool {
	for _, s := range samples {
		err := l.buffer.Push(ctx, s)
		switch {
		case err == nil:
			l.samplesPushed.Add(1)
		case errors.Is(err, ringbuf.ErrOverflow):
			l.pushFailures.Add(1)
		default:
			// cancelled while blocked, or the buffer was closed under us
			l.pushFailures.Add(1)
			return false
		}
	}
	return true
}
