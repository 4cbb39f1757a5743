package scanner

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/srg/attys/internal/link"
)

var (
	ErrOutOfRange = errors.New("device index out of range")
	ErrNotFound   = errors.New("no device found")
)

// Capabilities describe what a discovered device is expected to stream.
type Capabilities struct {
	Class        string  `json:"class"`
	ChannelCount int     `json:"channel_count"`
	SampleRate   float64 `json:"sample_rate"`
}

// Handle identifies one discovered device. It is a value; copies are
// independent.
type Handle struct {
	Address      string       `json:"address"`
	Name         string       `json:"name"`
	Transport    link.Kind    `json:"transport"`
	RSSI         int          `json:"rssi,omitempty"`
	Source       string       `json:"source"`
	Capabilities Capabilities `json:"capabilities"`
}

func (h Handle) String() string {
	if h.Name == "" {
		return fmt.Sprintf("%s (%s)", h.Address, h.Transport)
	}
	return fmt.Sprintf("%s %s (%s)", h.Name, h.Address, h.Transport)
}

// Key normalises the address for identity comparisons. Bluetooth addresses
// are case-insensitive; device paths are kept as is.
func (h Handle) Key() string {
	if h.Transport == link.KindSerial {
		return h.Address
	}
	return strings.ToLower(h.Address)
}

// DiscoveryError is returned when every discovery source failed.
type DiscoveryError struct {
	Errs map[string]error
}

func (e *DiscoveryError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for name, err := range e.Errs {
		parts = append(parts, name+": "+err.Error())
	}
	sort.Strings(parts)
	return "discovery failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes the individual source errors to errors.Is / errors.As.
func (e *DiscoveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errs))
	for _, err := range e.Errs {
		errs = append(errs, err)
	}
	return errs
}
