package testutils

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockAddr is a testify mock for ble.Addr.
type MockAddr struct {
	mock.Mock
}

func (m *MockAddr) String() string { return m.Called().String(0) }

// MockAdvertisement is a testify mock for ble.Advertisement.
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string { return m.Called().String(0) }

func (m *MockAdvertisement) ManufacturerData() []byte {
	v, _ := m.Called().Get(0).([]byte)
	return v
}

func (m *MockAdvertisement) ServiceData() []ble.ServiceData {
	v, _ := m.Called().Get(0).([]ble.ServiceData)
	return v
}

func (m *MockAdvertisement) Services() []ble.UUID {
	v, _ := m.Called().Get(0).([]ble.UUID)
	return v
}

func (m *MockAdvertisement) OverflowService() []ble.UUID {
	v, _ := m.Called().Get(0).([]ble.UUID)
	return v
}

func (m *MockAdvertisement) TxPowerLevel() int { return m.Called().Int(0) }

func (m *MockAdvertisement) Connectable() bool { return m.Called().Bool(0) }

func (m *MockAdvertisement) SolicitedService() []ble.UUID {
	v, _ := m.Called().Get(0).([]ble.UUID)
	return v
}

func (m *MockAdvertisement) RSSI() int { return m.Called().Int(0) }

func (m *MockAdvertisement) Addr() ble.Addr {
	v, _ := m.Called().Get(0).(ble.Addr)
	return v
}

// AdvertisementBuilder builds mocked BLE advertisements for testing.
// Every getter is stubbed, so a scanner may read any field.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	manufData   []byte
	txPower     int
	connectable bool
}

// NewAdvertisementBuilder starts a connectable advertisement with RSSI -50.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{rssi: -50, txPower: 127, connectable: true}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds service UUIDs, short ("180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufData = data
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.txPower = power
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	return b
}

// Build returns a MockAdvertisement answering every ble.Advertisement call.
func (b *AdvertisementBuilder) Build() *MockAdvertisement {
	var uuids []ble.UUID
	for _, s := range b.services {
		uuids = append(uuids, ble.MustParse(s))
	}

	addr := &MockAddr{}
	addr.On("String").Return(b.address)

	adv := &MockAdvertisement{}
	adv.On("Addr").Return(addr)
	adv.On("LocalName").Return(b.name)
	adv.On("RSSI").Return(b.rssi)
	adv.On("ManufacturerData").Return(b.manufData)
	adv.On("ServiceData").Return([]ble.ServiceData(nil))
	adv.On("Services").Return(uuids)
	adv.On("OverflowService").Return([]ble.UUID(nil))
	adv.On("SolicitedService").Return([]ble.UUID(nil))
	adv.On("Connectable").Return(b.connectable)
	adv.On("TxPowerLevel").Return(b.txPower)
	return adv
}

// FakeScanDevice replays advertisements to a scan handler, then blocks until
// the scan context ends, like a radio that has nothing more to report.
type FakeScanDevice struct {
	mu             sync.Mutex
	Advertisements []ble.Advertisement
	Err            error
	scans          int
}

// NewFakeScanDevice returns a scanner that will report ads on every scan.
func NewFakeScanDevice(ads ...ble.Advertisement) *FakeScanDevice {
	return &FakeScanDevice{Advertisements: ads}
}

// Scan matches ble.Device.Scan.
func (d *FakeScanDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	d.mu.Lock()
	d.scans++
	ads, err := d.Advertisements, d.Err
	d.mu.Unlock()
	if err != nil {
		return err
	}
	for _, adv := range ads {
		h(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

// Scans returns how many scans were started.
func (d *FakeScanDevice) Scans() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scans
}
