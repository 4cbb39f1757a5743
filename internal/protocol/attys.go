package protocol

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/attys/internal/sample"
)

// Attys hardware constants.
const (
	AttysNamePrefix  = "GN-ATTYS"
	AttysADCRef      = 2.42      // V
	AttysMagFullSc   = 4800.0e-6 // T
	AttysGravity     = 9.80665   // m/s^2
	AttysNumChannels = 11

	attysAccelMid = 0x8000
	attysADCMid   = 0x800000

	// longest line the firmware sends is 28 base64 chars
	attysMaxLine = 64
)

// Channel indices of an Attys sample.
const (
	AttysAccX = iota
	AttysAccY
	AttysAccZ
	AttysMagX
	AttysMagY
	AttysMagZ
	AttysADC1
	AttysADC2
	AttysGPIO0
	AttysGPIO1
	AttysCharging
)

// Status bits of an Attys sample.
const (
	AttysStatusGPIO0    = 0x20
	AttysStatusGPIO1    = 0x40
	AttysStatusCharging = 0x80
)

var (
	attysRates      = []float64{125, 250, 500}
	attysGains      = []float64{6, 1, 2, 3, 4, 8, 12}
	attysAccelRange = []float64{2, 4, 8, 16}
)

var attysChannelNames = [AttysNumChannels][3]string{
	{"Acc X", "Acceleration X", sample.UnitAcceleration},
	{"Acc Y", "Acceleration Y", sample.UnitAcceleration},
	{"Acc Z", "Acceleration Z", sample.UnitAcceleration},
	{"Mag X", "Magnetic field X", sample.UnitMagnetic},
	{"Mag Y", "Magnetic field Y", sample.UnitMagnetic},
	{"Mag Z", "Magnetic field Z", sample.UnitMagnetic},
	{"ADC 1", "Analogue channel 1", sample.UnitVolt},
	{"ADC 2", "Analogue channel 2", sample.UnitVolt},
	{"GPIO0", "Digital I/O 0", sample.UnitNone},
	{"GPIO1", "Digital I/O 1", sample.UnitNone},
	{"CHARGING", "Charging", sample.UnitNone},
}

// AttysSettings are the register values sent to the device before streaming.
type AttysSettings struct {
	RateIndex        int
	AccelRangeIndex  int
	Gain             [2]int
	Mux              [2]int
	FullData         bool
	BiasCurrentIndex int
	CurrentMask      int
}

// DefaultAttysSettings is 250 Hz, 16 g, gain 6, full data.
func DefaultAttysSettings() AttysSettings {
	return AttysSettings{RateIndex: 1, AccelRangeIndex: 3, FullData: true}
}

// Validate checks every index against the firmware tables.
func (s AttysSettings) Validate() error {
	if s.RateIndex < 0 || s.RateIndex >= len(attysRates) {
		return fmt.Errorf("attys rate index %d out of range", s.RateIndex)
	}
	if s.AccelRangeIndex < 0 || s.AccelRangeIndex >= len(attysAccelRange) {
		return fmt.Errorf("attys accel range index %d out of range", s.AccelRangeIndex)
	}
	for i := range s.Gain {
		if s.Gain[i] < 0 || s.Gain[i] >= len(attysGains) {
			return fmt.Errorf("attys adc%d gain index %d out of range", i+1, s.Gain[i])
		}
		if s.Mux[i] < 0 || s.Mux[i] > 0x0f {
			return fmt.Errorf("attys adc%d mux %d out of range", i+1, s.Mux[i])
		}
	}
	return nil
}

// SampleRate in Hz.
func (s AttysSettings) SampleRate() float64 { return attysRates[s.RateIndex] }

// HighSpeed reports the 500 Hz mode that packs two samples per line.
func (s AttysSettings) HighSpeed() bool { return s.RateIndex == 2 }

// AccelFullScale in m/s^2.
func (s AttysSettings) AccelFullScale() float64 {
	return attysAccelRange[s.AccelRangeIndex] * AttysGravity
}

// ADCFullScale in V for adc channel 0 or 1.
func (s AttysSettings) ADCFullScale(ch int) float64 {
	return AttysADCRef / attysGains[s.Gain[ch]]
}

// Channels returns the 11 channel descriptors with their unit scales.
func (s AttysSettings) Channels() []sample.Channel {
	chans := make([]sample.Channel, AttysNumChannels)
	for i := range chans {
		n := attysChannelNames[i]
		chans[i] = sample.Channel{Index: i, Name: n[0], Description: n[1], Unit: n[2], Scale: sample.Identity}
	}
	for i := AttysAccX; i <= AttysAccZ; i++ {
		chans[i].Scale = sample.Normalized(attysAccelMid, s.AccelFullScale())
	}
	for i := AttysMagX; i <= AttysMagZ; i++ {
		chans[i].Scale = sample.Normalized(attysAccelMid, AttysMagFullSc)
	}
	chans[AttysADC1].Scale = sample.Normalized(attysADCMid, s.ADCFullScale(0))
	chans[AttysADC2].Scale = sample.Normalized(attysADCMid, s.ADCFullScale(1))
	return chans
}

func (s AttysSettings) scales() []sample.Scale {
	chans := s.Channels()
	out := make([]sample.Scale, len(chans))
	for i, c := range chans {
		out[i] = c.Scale
	}
	return out
}

// AttysDecoder decodes CR/LF terminated base64 lines. "OK" lines are
// command acknowledgements and are skipped. A line that fails to decode
// repeats the previous sample so indices stay aligned with time.
type AttysDecoder struct {
	settings AttysSettings
	rate     float64
	scales   []sample.Scale
	fillGaps bool
	logger   *logrus.Logger

	line     []byte
	overlong bool

	raw        [AttysNumChannels]int32
	status     uint8
	haveSample bool
	expectedTS uint8
	tsSynced   bool
	next       uint64
	stats      Stats
}

// NewAttysDecoder returns a decoder for the given device settings. Gap
// filling is on unless WithFillGaps(false) is passed.
func NewAttysDecoder(settings AttysSettings, opts ...Option) (*AttysDecoder, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(append([]Option{WithFillGaps(true)}, opts...))
	d := &AttysDecoder{
		settings: settings,
		rate:     settings.SampleRate(),
		scales:   settings.scales(),
		fillGaps: o.fillGaps,
		logger:   o.logger,
		line:     make([]byte, 0, attysMaxLine),
	}
	d.resetRaw()
	return d, nil
}

// Feed implements Decoder.
func (d *AttysDecoder) Feed(p []byte) []sample.Sample {
	var out []sample.Sample
	for _, b := range p {
		if b == '\n' || b == '\r' {
			if d.overlong {
				d.overlong = false
			} else if len(d.line) > 0 {
				out = d.handleLine(out, d.line)
			}
			d.line = d.line[:0]
			continue
		}
		if d.overlong {
			d.stats.DiscardedBytes++
			continue
		}
		if len(d.line) == attysMaxLine {
			d.overlong = true
			d.stats.Corrupted++
			d.stats.DiscardedBytes += uint64(len(d.line)) + 1
			d.line = d.line[:0]
			continue
		}
		d.line = append(d.line, b)
	}
	return out
}

// Stats implements Decoder.
func (d *AttysDecoder) Stats() Stats { return d.stats }

// Reset implements Decoder.
func (d *AttysDecoder) Reset() {
	d.line = d.line[:0]
	d.overlong = false
	d.haveSample = false
	d.expectedTS = 0
	d.tsSynced = false
	d.next = 0
	d.stats = Stats{}
	d.resetRaw()
}

func (d *AttysDecoder) resetRaw() {
	d.raw = [AttysNumChannels]int32{}
	for i := AttysAccX; i <= AttysMagZ; i++ {
		d.raw[i] = attysAccelMid
	}
	d.raw[AttysADC1] = attysADCMid
	d.raw[AttysADC2] = attysADCMid
	d.status = 0
}

func (d *AttysDecoder) handleLine(out []sample.Sample, line []byte) []sample.Sample {
	line = bytes.TrimSpace(line)
	if bytes.Equal(line, []byte("OK")) {
		d.stats.Acks++
		return out
	}

	pkt, err := decodeBase64(line)
	perLine := 1
	if d.settings.HighSpeed() {
		perLine = 2
	}
	minLen := 8
	if d.settings.HighSpeed() || d.settings.FullData {
		minLen = 20
	}
	if err == nil && len(pkt) < minLen {
		err = fmt.Errorf("packet too short: %d bytes", len(pkt))
	}
	if err != nil {
		d.stats.Corrupted++
		d.stats.DiscardedBytes += uint64(len(line))
		d.expectedTS++
		d.logger.WithError(err).Debug("Attys reception error")
		if !d.haveSample {
			return out
		}
		for i := 0; i < perLine; i++ {
			out = d.push(out)
			d.stats.Filled++
		}
		return out
	}

	d.stats.Frames++
	lost := d.checkTimestamp(pkt)
	if d.settings.HighSpeed() {
		return d.decodeHighSpeed(out, pkt, lost)
	}
	return d.decodeStandard(out, pkt, lost)
}

// checkTimestamp returns the number of packets missing before pkt. The first
// packet after start sets the alignment and never counts as loss.
func (d *AttysDecoder) checkTimestamp(pkt []byte) int {
	tsIdx := 7
	if d.settings.HighSpeed() {
		tsIdx = 13
	}
	ts := pkt[tsIdx]
	lost := 0
	if diff := ts - d.expectedTS; d.tsSynced && diff != 0 && diff < 0x80 {
		lost = int(diff)
		d.logger.WithFields(logrus.Fields{
			"timestamp": ts,
			"expected":  d.expectedTS,
		}).Warn("Attys timestamp gap")
	}
	d.tsSynced = true
	d.expectedTS = ts + 1
	return lost
}

func (d *AttysDecoder) decodeStandard(out []sample.Sample, pkt []byte, lost int) []sample.Sample {
	d.raw[AttysADC1] = le24(pkt[0:3])
	d.raw[AttysADC2] = le24(pkt[3:6])
	d.setStatus(pkt[6])
	if d.settings.FullData {
		for i := 0; i < 6; i++ {
			d.raw[AttysAccX+i] = le16(pkt[8+2*i:])
		}
	}
	return d.emitWithGap(out, lost)
}

func (d *AttysDecoder) decodeHighSpeed(out []sample.Sample, pkt []byte, lost int) []sample.Sample {
	d.setStatus(pkt[12])
	for i := 0; i < 3; i++ {
		d.raw[AttysAccX+i] = le16(pkt[14+2*i:])
	}
	for s := 0; s < 2; s++ {
		d.raw[AttysADC1] = le24(pkt[s*6 : s*6+3])
		d.raw[AttysADC2] = le24(pkt[s*6+3 : s*6+6])
		if s == 0 {
			out = d.emitWithGap(out, 2*lost)
		} else {
			out = d.emitWithGap(out, 0)
		}
	}
	return out
}

func (d *AttysDecoder) setStatus(bits byte) {
	d.status = bits & (AttysStatusGPIO0 | AttysStatusGPIO1 | AttysStatusCharging)
	d.raw[AttysGPIO0] = boolCount(bits&AttysStatusGPIO0 != 0)
	d.raw[AttysGPIO1] = boolCount(bits&AttysStatusGPIO1 != 0)
	d.raw[AttysCharging] = boolCount(bits&AttysStatusCharging != 0)
}

func (d *AttysDecoder) emitWithGap(out []sample.Sample, lost int) []sample.Sample {
	d.stats.Lost += uint64(lost)
	for i := 0; i < lost; i++ {
		if d.fillGaps {
			out = d.push(out)
			d.stats.Filled++
		} else {
			d.next++
		}
	}
	return d.push(out)
}

func (d *AttysDecoder) push(out []sample.Sample) []sample.Sample {
	raw := d.raw[:]
	s := sample.New(d.next, sample.TimestampAt(d.next, d.rate), d.status, raw, sample.Convert(raw, d.scales))
	d.next++
	d.stats.Samples++
	d.haveSample = true
	return append(out, s)
}

func decodeBase64(line []byte) ([]byte, error) {
	dst := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(dst, line)
	if err == nil {
		return dst[:n], nil
	}
	trimmed := bytes.TrimRight(line, "=")
	n, rerr := base64.RawStdEncoding.Decode(dst, trimmed)
	if rerr != nil {
		return nil, err
	}
	return dst[:n], nil
}

func le24(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
}

func le16(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8
}

func boolCount(v bool) int32 {
	if v {
		return 1
	}
	return 0
}
