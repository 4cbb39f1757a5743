package link

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/srg/attys/internal/testutils"
)

// fakePort implements the parts of serial.Port the transport uses.
type fakePort struct {
	serial.Port
	readTimeout time.Duration
	reads       [][]byte
	written     []byte
	resets      int
	closed      bool
}

func (p *fakePort) SetReadTimeout(t time.Duration) error { p.readTimeout = t; return nil }
func (p *fakePort) ResetInputBuffer() error              { p.resets++; return nil }
func (p *fakePort) Close() error                         { p.closed = true; return nil }

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, nil
	}
	n := copy(b, p.reads[0])
	p.reads = p.reads[1:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.written = append(p.written, b...)
	return len(b), nil
}

func withOpenPort(t *testing.T, fn func(string, *serial.Mode) (serial.Port, error)) {
	t.Helper()
	orig := openPort
	openPort = fn
	t.Cleanup(func() { openPort = orig })
}

func TestSerialTransport(t *testing.T) {
	// GOAL: Verify the serial transport opens 8N1 with the configured baud and read timeout
	//
	// TEST SCENARIO: open → mode checked → read/write pass through → close idempotent
	port := &fakePort{reads: [][]byte{[]byte("OK\r\n")}}
	var gotPath string
	var gotMode serial.Mode
	withOpenPort(t, func(path string, mode *serial.Mode) (serial.Port, error) {
		gotPath, gotMode = path, *mode
		return port, nil
	})

	s := NewSerial("/dev/rfcomm0", Options{BaudRate: 230400, ReadTimeout: 50 * time.Millisecond, Logger: testutils.NewTestLogger()})
	require.NoError(t, s.Open(context.Background()))

	assert.Equal(t, "/dev/rfcomm0", gotPath)
	assert.Equal(t, 230400, gotMode.BaudRate)
	assert.Equal(t, 8, gotMode.DataBits)
	assert.Equal(t, serial.NoParity, gotMode.Parity)
	assert.Equal(t, serial.OneStopBit, gotMode.StopBits)
	assert.Equal(t, 50*time.Millisecond, port.readTimeout)
	assert.Equal(t, 1, port.resets, "stale input MUST be flushed on open")

	assert.ErrorIs(t, s.Open(context.Background()), ErrBusy, "second open MUST report busy")

	buf := make([]byte, 8)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "OK\r\n", string(buf[:n]))

	n, err = s.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Write([]byte("x=1\r"))
	require.NoError(t, err)
	assert.Equal(t, "x=1\r", string(port.written))

	require.NoError(t, s.Close())
	assert.True(t, port.closed)
	require.NoError(t, s.Close())

	_, err = s.Read(buf)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Write(buf)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSerialTransportDefaults(t *testing.T) {
	s := NewSerial("/dev/ttyUSB0", Options{Logger: testutils.NewTestLogger()})
	assert.Equal(t, 115200, s.opts.BaudRate)
}

func TestSerialTransportOpenError(t *testing.T) {
	withOpenPort(t, func(string, *serial.Mode) (serial.Port, error) {
		return nil, errors.New("no such file or directory")
	})
	s := NewSerial("/dev/missing", Options{Logger: testutils.NewTestLogger()})

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/missing")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Open(ctx), context.Canceled)
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", KindSerial, false},
		{"serial", KindSerial, false},
		{"ble", KindBLE, false},
		{"rfcomm", KindRFCOMM, false},
		{"usb", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(KindSerial, "/dev/ttyUSB0", Options{})
	require.NoError(t, err)
	s, ok := tr.(*Serial)
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, s.opts.ReadTimeout, "read timeout MUST default")
	assert.Equal(t, 30*time.Second, s.opts.ConnectTimeout)

	tr, err = NewTransport(KindBLE, "aa:bb:cc:dd:ee:ff", Options{})
	require.NoError(t, err)
	assert.IsType(t, &BLE{}, tr)

	_, err = NewTransport(Kind("carrier-pigeon"), "x", Options{})
	assert.Error(t, err)
}

func TestParseBDAddr(t *testing.T) {
	addr, err := ParseBDAddr("00:11:22:33:44:55")
	require.NoError(t, err)
	assert.Equal(t, [6]uint8{0x55, 0x44, 0x33, 0x22, 0x11, 0x00}, addr, "address MUST be byte reversed")

	for _, bad := range []string{"", "00:11:22:33:44", "00:11:22:33:44:GG", "0:11:22:33:44:55", "000:11:22:33:44:55"} {
		_, err := ParseBDAddr(bad)
		assert.Error(t, err, "address %q MUST be rejected", bad)
	}
}

func TestFindNUS(t *testing.T) {
	tx := &ble.Characteristic{UUID: NUSTxCharUUID}
	rx := &ble.Characteristic{UUID: NUSRxCharUUID}
	profile := &ble.Profile{Services: []*ble.Service{
		{UUID: ble.UUID16(0x180F), Characteristics: []*ble.Characteristic{{UUID: ble.UUID16(0x2A19)}}},
		{UUID: NUSServiceUUID, Characteristics: []*ble.Characteristic{rx, tx}},
	}}

	gotTx, gotRx := findNUS(profile)
	assert.Same(t, tx, gotTx)
	assert.Same(t, rx, gotRx)

	gotTx, gotRx = findNUS(&ble.Profile{})
	assert.Nil(t, gotTx)
	assert.Nil(t, gotRx)

	gotTx, gotRx = findNUS(nil)
	assert.Nil(t, gotTx)
	assert.Nil(t, gotRx)
}

func TestBLEClosedTransport(t *testing.T) {
	b := NewBLE("aa:bb:cc:dd:ee:ff", Options{Logger: testutils.NewTestLogger()})
	_, err := b.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, b.Close())
	assert.Zero(t, b.Dropped())
}
