package sample

import "strconv"

// Units used by the built-in device classes.
const (
	UnitNone         = ""
	UnitAcceleration = "m/s^2"
	UnitMagnetic     = "T"
	UnitVolt         = "V"
	UnitCount        = "count"
)

// Channel describes one column of a Sample.
type Channel struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Unit        string `json:"unit"`
	Scale       Scale  `json:"-"`
}

// Scale maps a raw count to a physical value: (raw - Offset) * Factor.
type Scale struct {
	Offset float64
	Factor float64
}

// Identity leaves counts unchanged.
var Identity = Scale{Factor: 1}

// Apply converts a raw count.
func (s Scale) Apply(raw int32) float64 {
	if s.Factor == 0 {
		return float64(raw) - s.Offset
	}
	return (float64(raw) - s.Offset) * s.Factor
}

// Normalized returns the scale that maps a count centred on mid so that
// mid+mid maps to fullScale, the convention used by offset-binary ADCs.
func Normalized(mid, fullScale float64) Scale {
	return Scale{Offset: mid, Factor: fullScale / mid}
}

// Convert applies per-channel scales to raw counts. Channels without a
// matching entry keep their raw value.
func Convert(raw []int32, scales []Scale) []float64 {
	out := make([]float64, len(raw))
	for i, r := range raw {
		if i < len(scales) {
			out[i] = scales[i].Apply(r)
		} else {
			out[i] = float64(r)
		}
	}
	return out
}

// Generic builds n count-valued channels named ch0..chN-1.
func Generic(n int) []Channel {
	chans := make([]Channel, n)
	for i := range chans {
		chans[i] = Channel{
			Index:       i,
			Name:        "ch" + strconv.Itoa(i),
			Description: "Channel " + strconv.Itoa(i),
			Unit:        UnitCount,
			Scale:       Identity,
		}
	}
	return chans
}
