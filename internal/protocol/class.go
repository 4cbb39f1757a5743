package protocol

import (
	"fmt"
	"strconv"

	"github.com/srg/attys/internal/sample"
)

// AckOK is the acknowledgement line of the Attys command interpreter.
const AckOK = "OK"

// Command is one configuration or control message sent to a device.
// An empty Ack means the command is not acknowledged.
type Command struct {
	Name    string
	Payload []byte
	Ack     string
	Retries int
}

// Empty reports whether there is nothing to send.
func (c Command) Empty() bool { return len(c.Payload) == 0 }

// DeviceClass bundles everything device specific: how to recognise it, how
// to bring it into streaming mode and how to decode what it sends.
type DeviceClass struct {
	Name       string
	NamePrefix string
	SampleRate float64
	Channels   []sample.Channel
	Handshake  []Command
	Start      Command
	Stop       Command

	newDecoder func(opts ...Option) (Decoder, error)
}

// NewDecoder returns a fresh decoder for one streaming session.
func (c DeviceClass) NewDecoder(opts ...Option) (Decoder, error) {
	if c.newDecoder == nil {
		return nil, fmt.Errorf("device class %q has no decoder", c.Name)
	}
	return c.newDecoder(opts...)
}

// AttysClass builds the Attys device class for the given settings.
func AttysClass(s AttysSettings) (DeviceClass, error) {
	if err := s.Validate(); err != nil {
		return DeviceClass{}, err
	}
	return DeviceClass{
		Name:       "attys",
		NamePrefix: AttysNamePrefix,
		SampleRate: s.SampleRate(),
		Channels:   s.Channels(),
		Handshake:  s.handshake(),
		Start:      Command{Name: "start", Payload: []byte("\r\nx=1\r")},
		Stop:       attysStop(),
		newDecoder: func(opts ...Option) (Decoder, error) {
			return NewAttysDecoder(s, opts...)
		},
	}, nil
}

// BinaryClass builds a class for a generic framed device. start and stop
// may be nil for devices that stream as soon as the link opens.
func BinaryClass(name string, layout FrameLayout, rate float64, fillGaps bool, start, stop []byte) (DeviceClass, error) {
	if err := layout.Validate(); err != nil {
		return DeviceClass{}, fmt.Errorf("invalid frame layout: %w", err)
	}
	if rate <= 0 {
		return DeviceClass{}, fmt.Errorf("sample rate must be > 0, got %g", rate)
	}
	if name == "" {
		name = "binary"
	}
	return DeviceClass{
		Name:       name,
		SampleRate: rate,
		Channels:   layout.Channels(),
		Start:      Command{Name: "start", Payload: start},
		Stop:       Command{Name: "stop", Payload: stop},
		newDecoder: func(opts ...Option) (Decoder, error) {
			return NewBinaryDecoder(layout, rate, append([]Option{WithFillGaps(fillGaps)}, opts...)...)
		},
	}, nil
}

// attysStop floods line breaks first; the firmware may be mid-line.
func attysStop() Command {
	return Command{Name: "stop", Payload: []byte("\r\n\r\n\r\nx=0\r"), Ack: AckOK, Retries: 3}
}

func attysSync(name, key string, value int) Command {
	return Command{
		Name:    name,
		Payload: []byte("\n\r" + key + "=" + strconv.Itoa(value) + "\r"),
		Ack:     AckOK,
		Retries: 1,
	}
}

func (s AttysSettings) handshake() []Command {
	full := 0
	if s.FullData {
		full = 1
	}
	return []Command{
		attysStop(),
		attysSync("base64", "d", 1),
		attysSync("rate", "r", s.RateIndex),
		attysSync("data", "f", full),
		attysSync("accel", "t", s.AccelRangeIndex),
		attysSync("adc1", "a", gainMux(s.Gain[0], s.Mux[0])),
		attysSync("adc2", "b", gainMux(s.Gain[1], s.Mux[1])),
		attysSync("current mask", "c", s.CurrentMask),
		attysSync("bias current", "i", s.BiasCurrentIndex),
	}
}

func gainMux(gain, mux int) int {
	return (mux & 0x0f) | (gain&0x0f)<<4
}
