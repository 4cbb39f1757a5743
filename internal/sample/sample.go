// Package sample defines the decoded reading handed from the receiver to
// consumers, together with the channel metadata needed to interpret it.
package sample

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Sample is one decoded reading across all channels of a frame.
// Fields are unexported and accessors copy, so a constructed Sample
// never changes.
type Sample struct {
	seq    uint64
	ts     time.Duration
	status uint8
	raw    []int32
	values []float64
}

// New builds a Sample. raw and values are copied; values may be nil, in
// which case the raw counts are used unconverted.
func New(seq uint64, ts time.Duration, status uint8, raw []int32, values []float64) Sample {
	s := Sample{seq: seq, ts: ts, status: status}
	if len(raw) > 0 {
		s.raw = append([]int32(nil), raw...)
	}
	if values == nil {
		s.values = make([]float64, len(raw))
		for i, r := range raw {
			s.values[i] = float64(r)
		}
	} else {
		s.values = append([]float64(nil), values...)
	}
	return s
}

// WithSeq returns a copy carrying a different sequence index and timestamp.
// Used when a lost sample is filled with the next good one.
func (s Sample) WithSeq(seq uint64, ts time.Duration) Sample {
	return New(seq, ts, s.status, s.raw, s.values)
}

// Seq is the monotonic sample index.
func (s Sample) Seq() uint64 { return s.seq }

// Timestamp is the offset from the start of streaming.
func (s Sample) Timestamp() time.Duration { return s.ts }

// Status is the device supplied status bits.
func (s Sample) Status() uint8 { return s.status }

// NumChannels returns the number of channel values.
func (s Sample) NumChannels() int { return len(s.values) }

// IsZero reports whether s is the zero Sample.
func (s Sample) IsZero() bool { return s.values == nil && s.raw == nil && s.seq == 0 }

// Value returns the converted value of channel ch, or 0 when out of range.
func (s Sample) Value(ch int) float64 {
	if ch < 0 || ch >= len(s.values) {
		return 0
	}
	return s.values[ch]
}

// Raw returns the raw count of channel ch, or 0 when out of range.
func (s Sample) Raw(ch int) int32 {
	if ch < 0 || ch >= len(s.raw) {
		return 0
	}
	return s.raw[ch]
}

// Values returns a copy of all converted values.
func (s Sample) Values() []float64 {
	return append([]float64(nil), s.values...)
}

// RawValues returns a copy of all raw counts.
func (s Sample) RawValues() []int32 {
	return append([]int32(nil), s.raw...)
}

// Equal compares two samples field by field.
func (s Sample) Equal(o Sample) bool {
	if s.seq != o.seq || s.ts != o.ts || s.status != o.status {
		return false
	}
	if len(s.raw) != len(o.raw) || len(s.values) != len(o.values) {
		return false
	}
	for i := range s.raw {
		if s.raw[i] != o.raw[i] {
			return false
		}
	}
	for i := range s.values {
		if s.values[i] != o.values[i] {
			return false
		}
	}
	return true
}

func (s Sample) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%d @%s [", s.seq, s.ts)
	for i, v := range s.values {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteByte(']')
	return sb.String()
}

type sampleJSON struct {
	Seq       uint64    `json:"seq"`
	Timestamp float64   `json:"timestamp"`
	Status    uint8     `json:"status"`
	Values    []float64 `json:"values"`
	Raw       []int32   `json:"raw,omitempty"`
}

// MarshalJSON emits the timestamp in seconds.
func (s Sample) MarshalJSON() ([]byte, error) {
	return json.Marshal(sampleJSON{
		Seq:       s.seq,
		Timestamp: s.ts.Seconds(),
		Status:    s.status,
		Values:    s.values,
		Raw:       s.raw,
	})
}

// TimestampAt converts a sample index to its offset at the given rate.
func TimestampAt(seq uint64, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(seq) / rate * float64(time.Second))
}
