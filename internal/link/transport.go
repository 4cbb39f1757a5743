package link

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind names a transport family.
type Kind string

const (
	KindSerial Kind = "serial"
	KindBLE    Kind = "ble"
	KindRFCOMM Kind = "rfcomm"
)

// ParseKind accepts the names used in configuration.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindSerial, KindBLE, KindRFCOMM:
		return Kind(s), nil
	case "":
		return KindSerial, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// Options are shared by all transports; each uses the fields it needs.
type Options struct {
	BaudRate       int
	ReadTimeout    time.Duration
	ConnectTimeout time.Duration
	RFCOMMChannel  uint8
	Logger         *logrus.Logger
}

// NewTransport builds the transport for kind. Nothing is opened yet.
func NewTransport(kind Kind, address string, opts Options) (Transport, error) {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 100 * time.Millisecond
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	switch kind {
	case KindSerial:
		return NewSerial(address, opts), nil
	case KindBLE:
		return NewBLE(address, opts), nil
	case KindRFCOMM:
		t, err := NewRFCOMM(address, opts)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
