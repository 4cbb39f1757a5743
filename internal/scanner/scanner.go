// Package scanner discovers devices the engine can connect to. A Scanner
// fans a bounded scan out to several sources and keeps the results in
// discovery order.
package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/attys/internal/groutine"
	"github.com/srg/attys/internal/ringbuf"
)

const eventBacklog = 100

// Source is one way of finding devices. Discover reports every device it
// sees through found and returns when done or when ctx ends; ending because
// of ctx is not an error.
type Source interface {
	Name() string
	Discover(ctx context.Context, found func(Handle)) error
}

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

type Event struct {
	Type   DeviceEventType
	Handle Handle
}

// Scanner handles device discovery. Create one per engine; it holds no
// process-wide state.
type Scanner struct {
	sources []Source
	logger  *logrus.Logger
	events  *ringbuf.RingChannel[Event]

	scanMu sync.Mutex // serializes Scan

	mu      sync.RWMutex
	devices *orderedmap.OrderedMap[string, Handle]
	results []Handle
}

// New creates a scanner over the given sources.
func New(logger *logrus.Logger, sources ...Source) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		sources: sources,
		logger:  logger,
		events:  ringbuf.NewRingChannel[Event](eventBacklog),
		devices: orderedmap.New[string, Handle](),
	}
}

// Scan runs every source concurrently for at most timeout and returns the
// devices seen, in discovery order. Finding nothing is not an error; a
// *DiscoveryError is returned only when all sources failed.
func (s *Scanner) Scan(ctx context.Context, timeout time.Duration) ([]Handle, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	s.devices = orderedmap.New[string, Handle]()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"timeout": timeout,
		"sources": len(s.sources),
	}).Info("Starting device scan...")

	var (
		errMu sync.Mutex
		errs  = map[string]error{}
		done  = make([]<-chan struct{}, 0, len(s.sources))
	)
	fail := func(name string, err error) {
		errMu.Lock()
		errs[name] = err
		errMu.Unlock()
	}
	for _, src := range s.sources {
		done = append(done, groutine.Go(scanCtx, "scan-"+src.Name(), func(ctx context.Context) {
			err := src.Discover(ctx, s.record)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.logger.WithError(err).WithField("source", src.Name()).Warn("Discovery source failed")
				fail(src.Name(), err)
			}
		}, func(err error) { fail(src.Name(), err) }))
	}
	for _, d := range done {
		<-d
	}

	s.mu.Lock()
	s.results = make([]Handle, 0, s.devices.Len())
	for pair := s.devices.Oldest(); pair != nil; pair = pair.Next() {
		s.results = append(s.results, pair.Value)
	}
	results := append([]Handle(nil), s.results...)
	s.mu.Unlock()

	if len(s.sources) > 0 && len(errs) == len(s.sources) {
		return results, &DiscoveryError{Errs: errs}
	}

	s.logger.WithField("device_count", len(results)).Info("Device scan completed")
	return results, nil
}

// record updates an existing handle in place or appends a new one.
func (s *Scanner) record(h Handle) {
	s.mu.Lock()
	_, existing := s.devices.Set(h.Key(), h)
	s.mu.Unlock()

	ev := Event{Type: EventUpdated, Handle: h}
	if !existing {
		ev.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":    h.Name,
			"address":   h.Address,
			"transport": h.Transport,
		}).Info("Discovered new device")
	}
	s.events.Send(ev)
}

// Handle returns entry i of the last scan result.
func (s *Scanner) Handle(i int) (Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.results) {
		return Handle{}, ErrOutOfRange
	}
	return s.results[i], nil
}

// Lookup finds a device from the last scan by address.
func (s *Scanner) Lookup(address string) (Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.results {
		if h.Address == address || h.Key() == (Handle{Address: address, Transport: h.Transport}).Key() {
			return h, true
		}
	}
	return Handle{}, false
}

// First returns the first device of the last scan.
func (s *Scanner) First() (Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.results) == 0 {
		return Handle{}, ErrNotFound
	}
	return s.results[0], nil
}

// Results returns a copy of the last scan result.
func (s *Scanner) Results() []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Handle(nil), s.results...)
}

// Events streams discovery events. Old events are overwritten when nobody
// reads them.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

// Close releases the event channel.
func (s *Scanner) Close() {
	s.events.Close()
}
