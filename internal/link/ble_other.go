//go:build !darwin && !linux

package link

import "github.com/go-ble/ble"

func newBLEDevice() (ble.Device, error) {
	return nil, ErrUnsupported
}
