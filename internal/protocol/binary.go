package protocol

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/attys/internal/sample"
)

// BinaryDecoder decodes fixed frames described by a FrameLayout.
//
// Framing: find the marker, wait until a whole frame is buffered, verify
// checksum and trailer. A mismatch skips one byte and searches again, so a
// marker that appears inside a corrupted frame is still considered. A
// contiguous run of discarded bytes counts as one corrupted frame.
type BinaryDecoder struct {
	layout    FrameLayout
	rate      float64
	frameSize int
	fillGaps  bool
	logger    *logrus.Logger

	buf       []byte
	resyncing bool
	haveSeq   bool
	lastSeq   uint8
	next      uint64
	stats     Stats
}

// NewBinaryDecoder validates layout and returns a decoder stamping samples at
// rate Hz.
func NewBinaryDecoder(layout FrameLayout, rate float64, opts ...Option) (*BinaryDecoder, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame layout: %w", err)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("sample rate must be > 0, got %g", rate)
	}
	o := buildOptions(opts)
	return &BinaryDecoder{
		layout:    layout,
		rate:      rate,
		frameSize: layout.FrameSize(),
		fillGaps:  o.fillGaps,
		logger:    o.logger,
		buf:       make([]byte, 0, 2*layout.FrameSize()),
	}, nil
}

// Layout returns the decoder's frame layout.
func (d *BinaryDecoder) Layout() FrameLayout { return d.layout }

// Feed implements Decoder.
func (d *BinaryDecoder) Feed(p []byte) []sample.Sample {
	d.buf = append(d.buf, p...)
	marker := d.layout.Marker

	var out []sample.Sample
	off := 0
	for {
		rest := d.buf[off:]
		idx := bytes.Index(rest, marker)
		if idx < 0 {
			// keep a tail that could still grow into a marker
			keep := len(marker) - 1
			if n := len(rest) - keep; n > 0 {
				d.discard(n)
				off += n
			}
			break
		}
		if idx > 0 {
			d.discard(idx)
			off += idx
			rest = rest[idx:]
		}
		if len(rest) < d.frameSize {
			break
		}
		frame := rest[:d.frameSize]
		if !d.valid(frame) {
			d.discard(1)
			off++
			continue
		}
		out = d.emit(out, frame)
		off += d.frameSize
		d.resyncing = false
	}

	n := copy(d.buf, d.buf[off:])
	d.buf = d.buf[:n]
	return out
}

// Stats implements Decoder.
func (d *BinaryDecoder) Stats() Stats { return d.stats }

// Reset drops buffered bytes, sequence tracking and counters.
func (d *BinaryDecoder) Reset() {
	d.buf = d.buf[:0]
	d.resyncing = false
	d.haveSeq = false
	d.next = 0
	d.stats = Stats{}
}

// Pending returns the number of retained bytes.
func (d *BinaryDecoder) Pending() int { return len(d.buf) }

func (d *BinaryDecoder) discard(n int) {
	d.stats.DiscardedBytes += uint64(n)
	if !d.resyncing {
		d.resyncing = true
		d.stats.Corrupted++
		d.logger.WithField("at_sample", d.next).Debug("Frame sync lost, resynchronizing")
	}
}

func (d *BinaryDecoder) valid(frame []byte) bool {
	l := d.layout
	if len(l.Trailer) > 0 && !bytes.Equal(frame[l.trailerOffset():], l.Trailer) {
		return false
	}
	if l.checksumSize() == 0 {
		return true
	}
	want := l.checksum(frame[l.seqOffset():l.checksumOffset()])
	return bytes.Equal(frame[l.checksumOffset():l.trailerOffset()], want)
}

func (d *BinaryDecoder) emit(out []sample.Sample, frame []byte) []sample.Sample {
	l := d.layout
	seqByte := frame[l.seqOffset()]
	seq := seqByte & l.SeqMask
	status := seqByte &^ l.SeqMask

	raw := make([]int32, l.ChannelCount)
	payload := frame[l.seqOffset()+1 : l.checksumOffset()]
	for ch := range raw {
		raw[ch] = l.readValue(payload[ch*l.ChannelWidth : (ch+1)*l.ChannelWidth])
	}
	s := sample.New(d.next, sample.TimestampAt(d.next, d.rate), status, raw, sample.Convert(raw, l.Scales))
	d.stats.Frames++

	if l.SeqMask != 0 && d.haveSeq {
		expected := (d.lastSeq + 1) & l.SeqMask
		gap := uint64((seq - expected) & l.SeqMask)
		// a jump past half the counter range is a repeat or a step back
		if gap > uint64(l.SeqMask/2) {
			d.stats.OutOfOrder++
			d.logger.WithFields(logrus.Fields{
				"expected": expected,
				"got":      seq,
			}).Debug("Sample counter went backwards")
			gap = 0
		}
		if gap > 0 {
			d.stats.Lost += gap
			d.logger.WithFields(logrus.Fields{
				"expected": expected,
				"got":      seq,
				"lost":     gap,
			}).Warn("Sample counter gap")
			for i := uint64(0); i < gap; i++ {
				if d.fillGaps {
					out = append(out, s.WithSeq(d.next, sample.TimestampAt(d.next, d.rate)))
					d.stats.Filled++
					d.stats.Samples++
				}
				d.next++
			}
			s = s.WithSeq(d.next, sample.TimestampAt(d.next, d.rate))
		}
	}
	d.haveSeq = true
	d.lastSeq = seq

	out = append(out, s)
	d.next++
	d.stats.Samples++
	return out
}
