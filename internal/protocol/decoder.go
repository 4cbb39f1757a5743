package protocol

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/srg/attys/internal/sample"
)

// Decoder converts newly arrived bytes into zero or more samples. It retains
// at most one partial frame between calls. Malformed input is recovered from
// internally and only shows up in Stats.
type Decoder interface {
	Feed(p []byte) []sample.Sample
	Stats() Stats
	Reset()
}

// Stats are aggregate decoder counters.
type Stats struct {
	Frames         uint64 `json:"frames"`
	Samples        uint64 `json:"samples"`
	Corrupted      uint64 `json:"corrupted"`
	DiscardedBytes uint64 `json:"discarded_bytes"`
	Lost           uint64 `json:"lost"`
	OutOfOrder     uint64 `json:"out_of_order"`
	Filled         uint64 `json:"filled"`
	Acks           uint64 `json:"acks"`
}

// Option configures a decoder.
type Option func(*options)

type options struct {
	fillGaps bool
	logger   *logrus.Logger
}

// WithFillGaps repeats the next good sample for every sample a counter gap
// reports as lost, keeping sample indices aligned with wall time.
func WithFillGaps(fill bool) Option {
	return func(o *options) { o.fillGaps = fill }
}

// WithLogger sets the logger used for resync diagnostics.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
		o.logger.SetOutput(io.Discard)
	}
	return o
}
