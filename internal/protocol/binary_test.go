package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/attys/internal/sample"
)

func encodeFrames(t *testing.T, layout FrameLayout, rows ...[]int32) [][]byte {
	t.Helper()
	enc, err := NewEncoder(layout)
	require.NoError(t, err)
	frames := make([][]byte, 0, len(rows))
	for _, r := range rows {
		f, err := enc.Next(0, r)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func newBinary(t *testing.T, layout FrameLayout, opts ...Option) *BinaryDecoder {
	t.Helper()
	d, err := NewBinaryDecoder(layout, 250, opts...)
	require.NoError(t, err)
	return d
}

func rawRows(samples []sample.Sample) [][]int32 {
	rows := make([][]int32, len(samples))
	for i, s := range samples {
		rows[i] = s.RawValues()
	}
	return rows
}

func TestBinaryDecoder_GarbageBetweenFrames(t *testing.T) {
	// GOAL: Verify the canonical resync scenario
	//
	// TEST SCENARIO: 4ch int16 frame + 3 garbage bytes + frame → 2 samples in order, Corrupted == 1
	layout := DefaultLayout()
	frames := encodeFrames(t, layout, []int32{1, -2, 300, -32768}, []int32{5, 6, 7, 32767})
	stream := concat(frames[0], []byte{0x01, 0x02, 0x03}, frames[1])

	d := newBinary(t, layout)
	out := d.Feed(stream)

	require.Len(t, out, 2)
	assert.Equal(t, []int32{1, -2, 300, -32768}, out[0].RawValues())
	assert.Equal(t, []int32{5, 6, 7, 32767}, out[1].RawValues())
	assert.Equal(t, uint64(0), out[0].Seq())
	assert.Equal(t, uint64(1), out[1].Seq())
	assert.Equal(t, 4*time.Millisecond, out[1].Timestamp())

	st := d.Stats()
	assert.Equal(t, uint64(1), st.Corrupted, "one garbage run MUST count as one corrupted frame")
	assert.Equal(t, uint64(3), st.DiscardedBytes)
	assert.Equal(t, uint64(2), st.Frames)
	assert.Equal(t, uint64(0), st.Lost)
	assert.Equal(t, 0, d.Pending())
}

func TestBinaryDecoder_ChunkInvariance(t *testing.T) {
	// GOAL: Verify framing does not depend on Feed call boundaries
	//
	// TEST SCENARIO: same stream fed whole, byte by byte and at every split point → identical samples and stats
	layout := DefaultLayout()
	layout.Trailer = []byte{0x0D}
	frames := encodeFrames(t, layout,
		[]int32{1, 2, 3, 4}, []int32{-1, -2, -3, -4}, []int32{100, 200, 300, 400}, []int32{7, 7, 7, 7})
	stream := concat(
		[]byte{0x55, 0xAA}, frames[0],
		[]byte{0xAA, 0x00, 0xAA}, frames[1],
		frames[2][:5], // truncated frame
		frames[3],
	)

	whole := newBinary(t, layout)
	want := whole.Feed(stream)
	wantStats := whole.Stats()
	require.Len(t, want, 3, "truncated frame MUST be skipped, others decoded")

	t.Run("byte by byte", func(t *testing.T) {
		d := newBinary(t, layout)
		var got []sample.Sample
		for i := range stream {
			got = append(got, d.Feed(stream[i:i+1])...)
		}
		assert.Equal(t, rawRows(want), rawRows(got))
		assert.Equal(t, wantStats, d.Stats())
	})

	for split := 1; split < len(stream); split++ {
		d := newBinary(t, layout)
		got := append(d.Feed(stream[:split]), d.Feed(stream[split:])...)
		if !assert.Equal(t, rawRows(want), rawRows(got), "split at %d", split) {
			return
		}
		assert.Equal(t, wantStats, d.Stats(), "split at %d", split)
	}
}

func TestBinaryDecoder_ChecksumMismatchResyncs(t *testing.T) {
	// GOAL: Verify a corrupted frame is dropped and the next valid frame decodes
	//
	// TEST SCENARIO: flip a payload byte of frame 1 → frames 0 and 2 decode, counter gap reports 1 lost
	layout := DefaultLayout()
	frames := encodeFrames(t, layout, []int32{1, 1, 1, 1}, []int32{2, 2, 2, 2}, []int32{3, 3, 3, 3})
	frames[1][4] ^= 0xFF

	d := newBinary(t, layout)
	out := d.Feed(concat(frames...))

	require.Len(t, out, 2)
	assert.Equal(t, int32(1), out[0].Raw(0))
	assert.Equal(t, int32(3), out[1].Raw(0))
	assert.Equal(t, uint64(2), out[1].Seq(), "sample index MUST advance across the lost frame")
	st := d.Stats()
	assert.Equal(t, uint64(1), st.Corrupted)
	assert.Equal(t, uint64(layout.FrameSize()), st.DiscardedBytes)
	assert.Equal(t, uint64(1), st.Lost)
}

func TestBinaryDecoder_MarkerInsideCorruptFrame(t *testing.T) {
	// GOAL: Verify the one-byte skip finds a marker embedded in a bad frame
	//
	// TEST SCENARIO: a stray marker byte pair just before a valid frame → valid frame still decodes
	layout := DefaultLayout()
	frames := encodeFrames(t, layout, []int32{9, 8, 7, 6})
	stream := concat([]byte{0xAA, 0x55, 0x00}, frames[0])

	d := newBinary(t, layout)
	out := d.Feed(stream)

	require.Len(t, out, 1)
	assert.Equal(t, []int32{9, 8, 7, 6}, out[0].RawValues())
	assert.Equal(t, uint64(1), d.Stats().Corrupted)
}

func TestBinaryDecoder_RetainsAtMostOnePartialFrame(t *testing.T) {
	layout := DefaultLayout()
	frames := encodeFrames(t, layout, []int32{1, 2, 3, 4})

	d := newBinary(t, layout)
	assert.Empty(t, d.Feed(make([]byte, 100)))
	assert.LessOrEqual(t, d.Pending(), len(layout.Marker)-1)

	assert.Empty(t, d.Feed(frames[0][:layout.FrameSize()-1]))
	assert.Less(t, d.Pending(), layout.FrameSize())

	out := d.Feed(frames[0][layout.FrameSize()-1:])
	require.Len(t, out, 1)
	assert.Equal(t, 0, d.Pending())
}

func TestBinaryDecoder_Gaps(t *testing.T) {
	layout := DefaultLayout()
	enc, err := NewEncoder(layout)
	require.NoError(t, err)

	f0, _ := enc.Next(0, []int32{1, 0, 0, 0})
	enc.Skip(2)
	f3, _ := enc.Next(0, []int32{4, 0, 0, 0})
	stream := concat(f0, f3)

	t.Run("no fill", func(t *testing.T) {
		d := newBinary(t, layout)
		out := d.Feed(stream)
		require.Len(t, out, 2)
		assert.Equal(t, uint64(3), out[1].Seq())
		assert.Equal(t, uint64(2), d.Stats().Lost)
		assert.Equal(t, uint64(0), d.Stats().Filled)
	})

	t.Run("fill", func(t *testing.T) {
		d := newBinary(t, layout, WithFillGaps(true))
		out := d.Feed(stream)
		require.Len(t, out, 4)
		for i, s := range out {
			assert.Equal(t, uint64(i), s.Seq())
		}
		assert.Equal(t, int32(4), out[1].Raw(0), "filled samples MUST repeat the next good reading")
		assert.Equal(t, uint64(2), d.Stats().Filled)
	})

	t.Run("counter wraps", func(t *testing.T) {
		l := layout
		l.SeqMask = 0x0F
		e, err := NewEncoder(l)
		require.NoError(t, err)
		var parts [][]byte
		for i := 0; i < 40; i++ {
			f, err := e.Next(0, []int32{int32(i), 0, 0, 0})
			require.NoError(t, err)
			parts = append(parts, f)
		}
		d := newBinary(t, l)
		out := d.Feed(concat(parts...))
		require.Len(t, out, 40)
		assert.Equal(t, uint64(0), d.Stats().Lost, "counter wrap-around MUST NOT count as loss")
	})

	t.Run("repeated and backward counter", func(t *testing.T) {
		e, err := NewEncoder(layout)
		require.NoError(t, err)
		f5a, _ := e.Encode(5, []int32{1, 0, 0, 0})
		f5b, _ := e.Encode(5, []int32{2, 0, 0, 0})
		f4, _ := e.Encode(4, []int32{3, 0, 0, 0})
		f5c, _ := e.Encode(5, []int32{4, 0, 0, 0})

		d := newBinary(t, layout, WithFillGaps(true))
		out := d.Feed(concat(f5a, f5b, f4, f5c))

		require.Len(t, out, 4, "a repeated or older counter MUST NOT be filled as loss")
		for i, s := range out {
			assert.Equal(t, uint64(i), s.Seq())
			assert.Equal(t, int32(i+1), s.Raw(0))
		}
		st := d.Stats()
		assert.Equal(t, uint64(0), st.Lost)
		assert.Equal(t, uint64(0), st.Filled)
		assert.Equal(t, uint64(2), st.OutOfOrder)
	})
}

func TestBinaryDecoder_StatusBits(t *testing.T) {
	layout := DefaultLayout()
	layout.SeqMask = 0x3F
	enc, err := NewEncoder(layout)
	require.NoError(t, err)
	f, err := enc.Next(0xC0, []int32{1, 2, 3, 4})
	require.NoError(t, err)

	d := newBinary(t, layout)
	out := d.Feed(f)
	require.Len(t, out, 1)
	assert.Equal(t, uint8(0xC0), out[0].Status())
}

func TestBinaryDecoder_Layouts(t *testing.T) {
	tests := []struct {
		name   string
		layout func() FrameLayout
		row    []int32
	}{
		{
			name:   "unsigned 8-bit xor",
			layout: func() FrameLayout { l := DefaultLayout(); l.ChannelWidth = 1; l.Signed = false; l.Checksum = ChecksumXor8; return l },
			row:    []int32{0, 255, 128, 1},
		},
		{
			name:   "signed 24-bit big endian crc32",
			layout: func() FrameLayout { l := DefaultLayout(); l.ChannelWidth = 3; l.ByteOrder = BigEndian; l.Checksum = ChecksumCRC32; return l },
			row:    []int32{-8388608, 8388607, -1, 0},
		},
		{
			name:   "signed 32-bit no checksum with trailer",
			layout: func() FrameLayout { l := DefaultLayout(); l.ChannelWidth = 4; l.Checksum = ChecksumNone; l.Trailer = []byte{0x0D, 0x0A}; return l },
			row:    []int32{-2147483648, 2147483647, 12345, -54321},
		},
		{
			name:   "single byte marker",
			layout: func() FrameLayout { l := DefaultLayout(); l.Marker = []byte{0x7E}; l.ChannelCount = 2; return l },
			row:    []int32{-100, 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout := tt.layout()
			frames := encodeFrames(t, layout, tt.row, tt.row)
			d := newBinary(t, layout)
			out := d.Feed(concat(frames...))
			require.Len(t, out, 2)
			assert.Equal(t, tt.row, out[0].RawValues())
			assert.Equal(t, tt.row, out[1].RawValues())
		})
	}
}

func TestBinaryDecoder_Scales(t *testing.T) {
	layout := DefaultLayout()
	layout.Scales = []sample.Scale{{Factor: 0.5}, {Offset: 10, Factor: 2}}
	frames := encodeFrames(t, layout, []int32{4, 12, 3, 4})

	d := newBinary(t, layout)
	out := d.Feed(frames[0])
	require.Len(t, out, 1)
	assert.Equal(t, []float64{2, 4, 3, 4}, out[0].Values())
}

func TestBinaryDecoder_Reset(t *testing.T) {
	layout := DefaultLayout()
	frames := encodeFrames(t, layout, []int32{1, 2, 3, 4})
	d := newBinary(t, layout)

	d.Feed(frames[0][:4])
	d.Reset()
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, Stats{}, d.Stats())

	out := d.Feed(frames[0])
	require.Len(t, out, 1)
	assert.Equal(t, uint64(0), out[0].Seq())
}

func TestFrameLayout_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(l *FrameLayout)
		wantErr string
	}{
		{name: "default", mutate: func(l *FrameLayout) {}},
		{name: "version", mutate: func(l *FrameLayout) { l.Version = 0 }, wantErr: "version"},
		{name: "marker", mutate: func(l *FrameLayout) { l.Marker = nil }, wantErr: "marker"},
		{name: "channels", mutate: func(l *FrameLayout) { l.ChannelCount = 0 }, wantErr: "channel count"},
		{name: "width", mutate: func(l *FrameLayout) { l.ChannelWidth = 5 }, wantErr: "channel width"},
		{name: "unsigned 32", mutate: func(l *FrameLayout) { l.ChannelWidth = 4; l.Signed = false }, wantErr: "unsigned"},
		{name: "order", mutate: func(l *FrameLayout) { l.ByteOrder = "middle" }, wantErr: "byte order"},
		{name: "checksum", mutate: func(l *FrameLayout) { l.Checksum = "md5" }, wantErr: "checksum"},
		{name: "mask", mutate: func(l *FrameLayout) { l.SeqMask = 0x0A }, wantErr: "seq mask"},
		{name: "scales", mutate: func(l *FrameLayout) { l.Scales = make([]sample.Scale, 5) }, wantErr: "scales"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DefaultLayout()
			tt.mutate(&l)
			err := l.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.Equal(t, 2+1+8+1, DefaultLayout().FrameSize())
}

func TestEncoder_Errors(t *testing.T) {
	enc, err := NewEncoder(DefaultLayout())
	require.NoError(t, err)

	_, err = enc.Encode(0, []int32{1, 2, 3})
	assert.ErrorContains(t, err, "expected 4")

	_, err = enc.Encode(0, []int32{40000, 0, 0, 0})
	assert.ErrorContains(t, err, "outside")

	_, err = NewEncoder(FrameLayout{})
	assert.Error(t, err)
}

func TestParseHex(t *testing.T) {
	b, err := ParseHex("0xAA 55")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0x55}, b)

	b, err = ParseHex("")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = ParseHex("zz")
	assert.Error(t, err)
}
