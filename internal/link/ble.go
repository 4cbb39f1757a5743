package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

// Nordic UART Service, the de facto serial-over-BLE profile.
var (
	NUSServiceUUID = ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E")
	NUSRxCharUUID  = ble.MustParse("6E400002-B5A3-F393-E0A9-E50E24DCCA9E") // client -> device
	NUSTxCharUUID  = ble.MustParse("6E400003-B5A3-F393-E0A9-E50E24DCCA9E") // device -> client
)

const (
	bleChunkSize   = 20
	blePipeSize    = 64 * 1024
	bleChunkPacing = 10 * time.Millisecond
)

// BLEDeviceFactory creates the host controller; replaced in tests.
var BLEDeviceFactory = newBLEDevice

// bleDial is replaced in tests.
var bleDial = ble.Dial

// BLE is a transport over the Nordic UART Service. Notifications land in a
// byte ring that Read drains; when the ring is full new bytes are dropped and
// counted.
type BLE struct {
	address string
	opts    Options
	logger  *logrus.Logger

	mu      sync.Mutex
	client  ble.Client
	txChar  *ble.Characteristic
	rxChar  *ble.Characteristic
	pipe    *ringbuffer.RingBuffer
	ready   chan struct{}
	closed  chan struct{}
	dropped atomic.Uint64
}

// NewBLE returns an unopened BLE transport.
func NewBLE(address string, opts Options) *BLE {
	return &BLE{address: address, opts: opts, logger: opts.Logger}
}

// Open dials the peripheral, discovers NUS and subscribes to TX.
func (b *BLE) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return ErrBusy
	}

	dev, err := BLEDeviceFactory()
	if err != nil {
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, b.opts.ConnectTimeout)
	defer cancel()

	b.logger.WithFields(logrus.Fields{
		"address": b.address,
		"timeout": b.opts.ConnectTimeout,
	}).Info("Connecting to BLE device...")

	client, err := bleDial(connCtx, ble.NewAddr(b.address))
	if err != nil {
		if errors.Is(connCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("dial %s: %w", b.address, ErrTimeout)
		}
		return fmt.Errorf("dial %s: %w", b.address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	tx, rx := findNUS(profile)
	if tx == nil || rx == nil {
		_ = client.CancelConnection()
		return fmt.Errorf("serial service %s not found", NUSServiceUUID.String())
	}

	b.pipe = ringbuffer.New(blePipeSize)
	b.ready = make(chan struct{}, 1)
	b.closed = make(chan struct{})
	b.txChar, b.rxChar = tx, rx

	if err := client.Subscribe(tx, false, b.onNotify); err != nil {
		_ = client.CancelConnection()
		return fmt.Errorf("failed to subscribe to TX characteristic: %w", err)
	}
	b.client = client

	b.logger.WithField("address", b.address).Info("BLE serial connection established")
	return nil
}

func findNUS(profile *ble.Profile) (tx, rx *ble.Characteristic) {
	if profile == nil {
		return nil, nil
	}
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(NUSServiceUUID) {
			continue
		}
		for _, ch := range svc.Characteristics {
			switch {
			case ch.UUID.Equal(NUSTxCharUUID):
				tx = ch
			case ch.UUID.Equal(NUSRxCharUUID):
				rx = ch
			}
		}
	}
	return tx, rx
}

func (b *BLE) onNotify(data []byte) {
	n, err := b.pipe.Write(data)
	if err != nil {
		b.dropped.Add(uint64(len(data) - n))
		b.logger.WithField("dropped", len(data)-n).Warn("BLE receive buffer full")
	}
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Read waits up to the read timeout for notification bytes.
func (b *BLE) Read(p []byte) (int, error) {
	b.mu.Lock()
	client, pipe, ready, closed := b.client, b.pipe, b.ready, b.closed
	b.mu.Unlock()
	if client == nil {
		return 0, ErrClosed
	}

	if pipe.IsEmpty() {
		timer := time.NewTimer(b.opts.ReadTimeout)
		defer timer.Stop()
		select {
		case <-ready:
		case <-timer.C:
			return 0, nil
		case <-closed:
			return 0, ErrClosed
		case <-client.Disconnected():
			return 0, io.EOF
		}
	}

	n, err := pipe.TryRead(p)
	if errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, nil
	}
	return n, err
}

// Write sends p to the RX characteristic in MTU-sized chunks.
func (b *BLE) Write(p []byte) (int, error) {
	b.mu.Lock()
	client, rx := b.client, b.rxChar
	b.mu.Unlock()
	if client == nil {
		return 0, ErrClosed
	}

	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > bleChunkSize {
			n = bleChunkSize
		}
		if err := client.WriteCharacteristic(rx, p[:n], false); err != nil {
			return written, fmt.Errorf("failed to write to RX characteristic: %w", err)
		}
		written += n
		p = p[n:]
		if len(p) > 0 {
			time.Sleep(bleChunkPacing)
		}
	}
	return written, nil
}

// Close unsubscribes and drops the connection.
func (b *BLE) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	close(b.closed)
	_ = b.client.Unsubscribe(b.txChar, false)
	err := b.client.CancelConnection()
	b.client = nil
	if n := b.dropped.Load(); n > 0 {
		b.logger.WithField("dropped_bytes", n).Warn("BLE notifications were dropped")
	}
	return err
}

// Dropped returns the number of notification bytes lost to a full buffer.
func (b *BLE) Dropped() uint64 { return b.dropped.Load() }
