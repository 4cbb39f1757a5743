// Package protocol turns the byte stream of a DAQ link into samples.
//
// Two wire formats are supported: fixed binary frames described by a
// FrameLayout, and the line oriented base64 format spoken by Attys devices.
// Both decoders are chunk-invariant: the samples produced depend only on the
// concatenated input, never on how it was split across Feed calls.
package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/srg/attys/internal/sample"
)

// ByteOrder of multi-byte channel values.
type ByteOrder string

const (
	LittleEndian ByteOrder = "little"
	BigEndian    ByteOrder = "big"
)

// Checksum algorithm covering the sequence/status byte and the payload.
type Checksum string

const (
	ChecksumNone  Checksum = "none"
	ChecksumSum8  Checksum = "sum8"
	ChecksumXor8  Checksum = "xor8"
	ChecksumCRC32 Checksum = "crc32"
)

// FrameLayout is the versioned wire contract of a binary device class:
//
//	marker | seq/status | channel 0 .. channel N-1 | checksum | trailer
//
// Any change to field widths or channel count is a new Version.
type FrameLayout struct {
	Version      int
	Marker       []byte
	ChannelCount int
	ChannelWidth int // bytes per channel, 1..4
	Signed       bool
	ByteOrder    ByteOrder
	Checksum     Checksum
	Trailer      []byte
	// SeqMask selects the low bits of the seq/status byte that form the
	// frame counter; the remaining bits are status flags. Zero disables
	// gap detection.
	SeqMask uint8
	Scales  []sample.Scale
}

// DefaultLayout is four signed 16-bit little-endian channels behind an
// 0xAA 0x55 marker with an additive checksum.
func DefaultLayout() FrameLayout {
	return FrameLayout{
		Version:      1,
		Marker:       []byte{0xAA, 0x55},
		ChannelCount: 4,
		ChannelWidth: 2,
		Signed:       true,
		ByteOrder:    LittleEndian,
		Checksum:     ChecksumSum8,
		SeqMask:      0xFF,
	}
}

// ParseHex decodes marker/trailer strings such as "AA55" or "aa 55".
func ParseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", "0x", "", "0X", "").Replace(s)
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}

// Validate rejects layouts that cannot be framed unambiguously.
func (l FrameLayout) Validate() error {
	if l.Version <= 0 {
		return errors.New("layout version must be > 0")
	}
	if len(l.Marker) == 0 {
		return errors.New("layout marker must not be empty")
	}
	if l.ChannelCount <= 0 {
		return fmt.Errorf("channel count must be > 0, got %d", l.ChannelCount)
	}
	if l.ChannelWidth < 1 || l.ChannelWidth > 4 {
		return fmt.Errorf("channel width must be 1..4 bytes, got %d", l.ChannelWidth)
	}
	if l.ChannelWidth == 4 && !l.Signed {
		return errors.New("unsigned 32-bit channels are not supported")
	}
	switch l.ByteOrder {
	case LittleEndian, BigEndian:
	default:
		return fmt.Errorf("unknown byte order %q", l.ByteOrder)
	}
	if l.checksumSize() < 0 {
		return fmt.Errorf("unknown checksum %q", l.Checksum)
	}
	if l.SeqMask&(l.SeqMask+1) != 0 {
		return fmt.Errorf("seq mask %#x must cover contiguous low bits", l.SeqMask)
	}
	if len(l.Scales) > l.ChannelCount {
		return fmt.Errorf("%d scales for %d channels", len(l.Scales), l.ChannelCount)
	}
	return nil
}

// FrameSize is the total encoded length of one frame.
func (l FrameLayout) FrameSize() int {
	return len(l.Marker) + 1 + l.payloadSize() + l.checksumSize() + len(l.Trailer)
}

// Channels describes the decoded columns.
func (l FrameLayout) Channels() []sample.Channel {
	chans := sample.Generic(l.ChannelCount)
	for i := range chans {
		if i < len(l.Scales) {
			chans[i].Scale = l.Scales[i]
		}
	}
	return chans
}

func (l FrameLayout) payloadSize() int { return l.ChannelCount * l.ChannelWidth }

func (l FrameLayout) checksumSize() int {
	switch l.Checksum {
	case ChecksumNone, "":
		return 0
	case ChecksumSum8, ChecksumXor8:
		return 1
	case ChecksumCRC32:
		return 4
	default:
		return -1
	}
}

// seqOffset is the index of the seq/status byte within a frame.
func (l FrameLayout) seqOffset() int { return len(l.Marker) }

func (l FrameLayout) checksumOffset() int { return l.seqOffset() + 1 + l.payloadSize() }

func (l FrameLayout) trailerOffset() int { return l.checksumOffset() + l.checksumSize() }

func (l FrameLayout) readValue(b []byte) int32 {
	var u uint32
	if l.ByteOrder == BigEndian {
		for _, x := range b {
			u = u<<8 | uint32(x)
		}
	} else {
		for i := len(b) - 1; i >= 0; i-- {
			u = u<<8 | uint32(b[i])
		}
	}
	if l.Signed && len(b) < 4 {
		shift := uint(32 - 8*len(b))
		return int32(u<<shift) >> shift
	}
	return int32(u)
}

func (l FrameLayout) putValue(dst []byte, v int32) {
	u := uint32(v)
	w := len(dst)
	for i := 0; i < w; i++ {
		b := byte(u >> (8 * uint(i)))
		if l.ByteOrder == BigEndian {
			dst[w-1-i] = b
		} else {
			dst[i] = b
		}
	}
}

// valueRange returns the representable raw range for one channel.
func (l FrameLayout) valueRange() (lo, hi int64) {
	bits := uint(8 * l.ChannelWidth)
	if l.Signed {
		return -(1 << (bits - 1)), 1<<(bits-1) - 1
	}
	return 0, 1<<bits - 1
}
