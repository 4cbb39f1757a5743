// Package simulator emulates an acquisition device on a byte stream. It
// answers configuration commands the way the firmware does and streams
// synthetic signals once started, so the whole engine can run without
// hardware.
package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/attys/internal/groutine"
	"github.com/srg/attys/internal/protocol"
)

const maxCommandLen = 64

// Signal returns the value of channel ch at time t, in [-1, 1] of full scale.
type Signal func(t time.Duration, ch int) float64

// Sine gives every channel its own frequency: ch+1 Hz at half scale.
func Sine(t time.Duration, ch int) float64 {
	return 0.5 * math.Sin(2*math.Pi*float64(ch+1)*t.Seconds())
}

// Options configures a Device.
type Options struct {
	Class      string  `default:"attys"` // attys or binary
	Speed      float64 `default:"1"`     // time multiplier
	SampleRate float64 `default:"250"`   // binary only; attys follows its rate register
	Layout     protocol.FrameLayout
	Start      []byte // binary start command; empty streams from the beginning
	Stop       []byte
	DropEvery  int // skip every n-th packet to provoke gap handling
	Signal     Signal
}

// Stats counts device activity.
type Stats struct {
	Commands  uint64 `json:"commands"`
	Packets   uint64 `json:"packets"`
	Samples   uint64 `json:"samples"`
	Dropped   uint64 `json:"dropped"`
	Streaming bool   `json:"streaming"`
}

// Device is one emulated device. It serves a single host at a time.
type Device struct {
	opts    Options
	logger  *logrus.Logger
	encoder *protocol.Encoder

	mu        sync.Mutex
	settings  protocol.AttysSettings
	streaming bool
	pending   []byte
	ts        uint8
	n         uint64
	stats     Stats

	wmu sync.Mutex // one packet or reply at a time
}

// New validates opts and returns a stopped device.
func New(opts Options, logger *logrus.Logger) (*Device, error) {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Signal == nil {
		opts.Signal = Sine
	}
	if opts.Speed <= 0 {
		return nil, fmt.Errorf("speed must be > 0, got %g", opts.Speed)
	}

	d := &Device{opts: opts, logger: logger, settings: protocol.DefaultAttysSettings()}
	switch opts.Class {
	case "attys":
	case "binary":
		if opts.Layout.Version == 0 {
			d.opts.Layout = protocol.DefaultLayout()
		}
		if opts.SampleRate <= 0 {
			return nil, fmt.Errorf("sample rate must be > 0, got %g", opts.SampleRate)
		}
		enc, err := protocol.NewEncoder(d.opts.Layout)
		if err != nil {
			return nil, err
		}
		d.encoder = enc
		d.streaming = len(opts.Start) == 0
	default:
		return nil, fmt.Errorf("unknown device class %q", opts.Class)
	}
	return d, nil
}

// Settings returns the register values the host configured.
func (d *Device) Settings() protocol.AttysSettings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.stats
	st.Streaming = d.streaming
	return st
}

// Serve answers commands read from rw and streams packets to it until ctx
// is done or rw fails. A closed host side ends Serve without an error.
func (d *Device) Serve(ctx context.Context, rw io.ReadWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 2)
	groutine.Go(ctx, "simulator-read", func(ctx context.Context) {
		readErr <- d.readLoop(ctx, rw)
	}, func(err error) { readErr <- err })

	period := d.period()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	d.logger.WithFields(logrus.Fields{
		"class":  d.opts.Class,
		"period": period,
	}).Info("Simulated device ready")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-ticker.C:
			if p := d.period(); p != period {
				period = p
				ticker.Reset(p)
			}
			if err := d.tick(rw); err != nil {
				return fmt.Errorf("simulator write: %w", err)
			}
		}
	}
}

// period is the time between packets at the current rate.
func (d *Device) period() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	rate := d.opts.SampleRate
	if d.encoder == nil {
		rate = d.settings.SampleRate()
		if d.settings.HighSpeed() {
			rate /= 2
		}
	}
	return time.Duration(float64(time.Second) / rate / d.opts.Speed)
}

func (d *Device) readLoop(ctx context.Context, rw io.ReadWriter) error {
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := rw.Read(buf)
		if n > 0 {
			for _, reply := range d.handleInput(buf[:n]) {
				if werr := d.write(rw, reply); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// handleInput consumes host bytes and returns the replies to send.
func (d *Device) handleInput(p []byte) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = append(d.pending, p...)
	if d.encoder != nil {
		return d.handleBinaryLocked()
	}

	var replies [][]byte
	for {
		i := bytes.IndexAny(d.pending, "\r\n")
		if i < 0 {
			break
		}
		line := string(d.pending[:i])
		d.pending = d.pending[i+1:]
		if line == "" {
			continue
		}
		if d.applyLocked(line) {
			d.stats.Commands++
			replies = append(replies, []byte("OK\r\n"))
		}
	}
	if len(d.pending) > maxCommandLen {
		d.pending = d.pending[len(d.pending)-maxCommandLen:]
	}
	return replies
}

// applyLocked executes one "k=v" register write.
func (d *Device) applyLocked(line string) bool {
	key, val, ok := cutKV(line)
	if !ok {
		d.logger.WithField("line", line).Debug("Ignoring malformed command")
		return false
	}
	s := &d.settings
	switch key {
	case "x":
		d.streaming = val == 1
	case "r":
		if val >= 0 && val <= 2 {
			s.RateIndex = val
		}
	case "f":
		s.FullData = val == 1
	case "t":
		if val >= 0 && val <= 3 {
			s.AccelRangeIndex = val
		}
	case "a", "b":
		ch := int(key[0] - 'a')
		s.Gain[ch], s.Mux[ch] = (val>>4)&0x0f, val&0x0f
	case "c":
		s.CurrentMask = val
	case "i":
		s.BiasCurrentIndex = val
	case "d":
	default:
		d.logger.WithField("key", key).Debug("Unknown register")
	}
	d.logger.WithFields(logrus.Fields{"key": key, "value": val}).Debug("Command")
	return true
}

func cutKV(line string) (string, int, bool) {
	k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok || len(k) != 1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return "", 0, false
	}
	return k, n, true
}

func (d *Device) handleBinaryLocked() [][]byte {
	switch {
	case len(d.opts.Stop) > 0 && bytes.Contains(d.pending, d.opts.Stop):
		d.streaming = false
		d.pending = d.pending[:0]
		d.stats.Commands++
	case len(d.opts.Start) > 0 && bytes.Contains(d.pending, d.opts.Start):
		d.streaming = true
		d.pending = d.pending[:0]
		d.stats.Commands++
	case len(d.pending) > maxCommandLen:
		d.pending = d.pending[len(d.pending)-maxCommandLen:]
	}
	return nil
}

// tick emits the next packet when streaming.
func (d *Device) tick(w io.Writer) error {
	d.mu.Lock()
	if !d.streaming {
		d.mu.Unlock()
		return nil
	}
	var packet []byte
	var err error
	if d.encoder != nil {
		packet, err = d.nextFrameLocked()
	} else {
		packet = d.nextLineLocked()
	}
	d.mu.Unlock()
	if err != nil || packet == nil {
		return err
	}
	return d.write(w, packet)
}

// dropLocked reports whether the current packet is skipped.
func (d *Device) dropLocked() bool {
	if d.opts.DropEvery <= 0 || (d.stats.Packets+d.stats.Dropped+1)%uint64(d.opts.DropEvery) != 0 {
		return false
	}
	d.stats.Dropped++
	return true
}

func (d *Device) nextLineLocked() []byte {
	s := d.settings
	perLine := 1
	if s.HighSpeed() {
		perLine = 2
	}
	pkt := protocol.AttysPacket{Timestamp: d.ts}
	for i := 0; i < perLine; i++ {
		t := d.elapsedLocked(d.n+uint64(i), s.SampleRate())
		pkt.ADC[i][0] = offset24(d.opts.Signal(t, protocol.AttysADC1))
		pkt.ADC[i][1] = offset24(d.opts.Signal(t, protocol.AttysADC2))
	}
	t := d.elapsedLocked(d.n, s.SampleRate())
	for i := range pkt.Motion {
		pkt.Motion[i] = offset16(d.opts.Signal(t, protocol.AttysAccX+i))
	}

	d.ts++
	d.n += uint64(perLine)
	if d.dropLocked() {
		return nil
	}
	d.stats.Packets++
	d.stats.Samples += uint64(perLine)
	return protocol.EncodeAttysLine(s, pkt)
}

func (d *Device) nextFrameLocked() ([]byte, error) {
	l := d.opts.Layout
	t := d.elapsedLocked(d.n, d.opts.SampleRate)
	d.n++

	half := int64(1)<<(8*l.ChannelWidth-1) - 1
	mid := int64(0)
	if !l.Signed {
		mid = half + 1
	}
	raw := make([]int32, l.ChannelCount)
	for ch := range raw {
		raw[ch] = int32(mid + int64(clamp(d.opts.Signal(t, ch))*float64(half)))
	}
	if d.dropLocked() {
		d.encoder.Skip(1)
		return nil, nil
	}
	d.stats.Packets++
	d.stats.Samples++
	return d.encoder.Next(0, raw)
}

func (d *Device) elapsedLocked(n uint64, rate float64) time.Duration {
	return time.Duration(float64(n) / rate * float64(time.Second))
}

func (d *Device) write(w io.Writer, p []byte) error {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	_, err := w.Write(p)
	return err
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}

func offset24(v float64) int32 {
	return 0x800000 + int32(clamp(v)*0x7fffff)
}

func offset16(v float64) uint16 {
	return uint16(0x8000 + int32(clamp(v)*0x7fff))
}
