//go:build !linux

package link

import "context"

// RFCOMM sockets are only available through BlueZ; elsewhere use the
// serial port the OS creates for a paired device.
type RFCOMM struct{}

// NewRFCOMM reports ErrUnsupported.
func NewRFCOMM(address string, opts Options) (*RFCOMM, error) {
	if _, err := ParseBDAddr(address); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (*RFCOMM) Open(context.Context) error { return ErrUnsupported }
func (*RFCOMM) Read([]byte) (int, error)   { return 0, ErrUnsupported }
func (*RFCOMM) Write([]byte) (int, error)  { return 0, ErrUnsupported }
func (*RFCOMM) Close() error               { return nil }
