package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-ble/ble"

	"github.com/srg/attys/internal/link"
)

// AdvertisementScanner is the part of ble.Device a BLE scan needs.
type AdvertisementScanner interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
}

// ScanDeviceFactory creates the scanning controller. This is a variable so
// that it can be overridden in tests.
var ScanDeviceFactory = func() (AdvertisementScanner, error) {
	return link.BLEDeviceFactory()
}

// BLESource scans advertisements for devices whose name starts with one of
// NamePrefixes or that advertise one of Services (the Nordic UART service
// by default).
type BLESource struct {
	NamePrefixes []string
	Services     []ble.UUID
	Capabilities Capabilities
}

func (s *BLESource) Name() string { return "ble" }

func (s *BLESource) Discover(ctx context.Context, found func(Handle)) error {
	dev, err := ScanDeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	if stopper, ok := dev.(interface{ Stop() error }); ok {
		defer func() { _ = stopper.Stop() }()
	}

	services := s.Services
	if len(services) == 0 {
		services = []ble.UUID{link.NUSServiceUUID}
	}

	return dev.Scan(ctx, true, func(adv ble.Advertisement) {
		if !s.include(adv, services) {
			return
		}
		found(Handle{
			Address:      adv.Addr().String(),
			Name:         adv.LocalName(),
			Transport:    link.KindBLE,
			RSSI:         adv.RSSI(),
			Source:       s.Name(),
			Capabilities: s.Capabilities,
		})
	})
}

func (s *BLESource) include(adv ble.Advertisement, services []ble.UUID) bool {
	name := adv.LocalName()
	for _, p := range s.NamePrefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, want := range services {
		for _, got := range adv.Services() {
			if want.Equal(got) {
				return true
			}
		}
	}
	return false
}
