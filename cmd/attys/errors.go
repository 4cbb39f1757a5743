package main

import (
	"errors"
	"fmt"

	"github.com/srg/attys/pkg/daq"
)

// Command-level errors
var (
	// ErrConnectionLost indicates the link failed while streaming, as opposed
	// to a device that could not be opened at all.
	ErrConnectionLost = errors.New("connection lost")
)

// FormatUserError turns engine errors into one line a user can act on.
func FormatUserError(err error) string {
	var (
		de *daq.DiscoveryError
		ce *daq.ConnectionError
		le *daq.LinkError
	)
	switch {
	case errors.As(err, &de):
		return fmt.Sprintf("device discovery failed on every source (%v)", de)
	case errors.Is(err, daq.ErrBusy) && errors.As(err, &ce):
		return fmt.Sprintf("device %s is already in use", ce.Address)
	case errors.As(err, &ce):
		return fmt.Sprintf("could not connect to %s: %v", ce.Address, ce.Err)
	case errors.As(err, &le):
		return fmt.Sprintf("%v: %s during %s: %v", ErrConnectionLost, le.Address, le.Op, le.Err)
	case errors.Is(err, daq.ErrNotFound):
		return "no devices found; check that the device is on and paired"
	case errors.Is(err, daq.ErrOutOfRange):
		return "device index out of range; run 'attys scan' to list devices"
	default:
		return err.Error()
	}
}
