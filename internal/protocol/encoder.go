package protocol

import "fmt"

// Encoder produces frames for a layout. The simulator and tests use it to
// speak the same contract the decoder expects.
type Encoder struct {
	layout FrameLayout
	seq    uint8
}

// NewEncoder validates layout.
func NewEncoder(layout FrameLayout) (*Encoder, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame layout: %w", err)
	}
	return &Encoder{layout: layout}, nil
}

// Next encodes raw with the encoder's running counter and status bits.
func (e *Encoder) Next(status uint8, raw []int32) ([]byte, error) {
	frame, err := e.Encode(e.seq|(status&^e.layout.SeqMask), raw)
	if err != nil {
		return nil, err
	}
	e.seq = (e.seq + 1) & e.layout.SeqMask
	return frame, nil
}

// Skip advances the running counter without emitting, simulating loss.
func (e *Encoder) Skip(n int) {
	e.seq = uint8((int(e.seq) + n) & int(e.layout.SeqMask))
}

// Encode builds one frame with an explicit seq/status byte.
func (e *Encoder) Encode(seqStatus uint8, raw []int32) ([]byte, error) {
	l := e.layout
	if len(raw) != l.ChannelCount {
		return nil, fmt.Errorf("expected %d channel values, got %d", l.ChannelCount, len(raw))
	}
	lo, hi := l.valueRange()
	frame := make([]byte, l.FrameSize())
	copy(frame, l.Marker)
	frame[l.seqOffset()] = seqStatus

	payload := frame[l.seqOffset()+1 : l.checksumOffset()]
	for ch, v := range raw {
		if int64(v) < lo || int64(v) > hi {
			return nil, fmt.Errorf("channel %d value %d outside [%d, %d]", ch, v, lo, hi)
		}
		l.putValue(payload[ch*l.ChannelWidth:(ch+1)*l.ChannelWidth], v)
	}
	copy(frame[l.checksumOffset():], l.checksum(frame[l.seqOffset():l.checksumOffset()]))
	copy(frame[l.trailerOffset():], l.Trailer)
	return frame, nil
}
