//go:build linux

package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RFCOMM is a BlueZ RFCOMM stream socket. SO_RCVTIMEO bounds every read.
// Reads and writes hold io shared; Close shuts the socket down and takes io
// exclusively before releasing the descriptor, so an in-flight call never
// touches a reused fd number.
type RFCOMM struct {
	address string
	addr    [6]uint8
	channel uint8
	opts    Options
	logger  *logrus.Logger

	mu sync.Mutex
	fd int
	io sync.RWMutex
}

// NewRFCOMM validates the address; the socket is created by Open.
func NewRFCOMM(address string, opts Options) (*RFCOMM, error) {
	addr, err := ParseBDAddr(address)
	if err != nil {
		return nil, err
	}
	ch := opts.RFCOMMChannel
	if ch == 0 {
		ch = DefaultRFCOMMChannel
	}
	return &RFCOMM{address: address, addr: addr, channel: ch, opts: opts, logger: opts.Logger, fd: -1}, nil
}

// Open implements Transport.
func (r *RFCOMM) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fd >= 0 {
		return ErrBusy
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return fmt.Errorf("rfcomm socket: %w", err)
	}

	connectTimeout := r.opts.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < connectTimeout {
			connectTimeout = until
		}
	}
	if connectTimeout <= 0 {
		_ = unix.Close(fd)
		return ErrTimeout
	}
	// Linux applies SO_SNDTIMEO to a blocking connect
	snd := unix.NsecToTimeval(connectTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &snd); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("rfcomm send timeout: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"address": r.address,
		"channel": r.channel,
	}).Debug("Connecting RFCOMM socket...")

	if err := unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: r.addr, Channel: r.channel}); err != nil {
		_ = unix.Close(fd)
		switch {
		case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.ETIMEDOUT):
			return fmt.Errorf("rfcomm connect %s: %w", r.address, ErrTimeout)
		case errors.Is(err, unix.EBUSY):
			return fmt.Errorf("rfcomm connect %s: %w", r.address, ErrBusy)
		default:
			return fmt.Errorf("rfcomm connect %s: %w", r.address, err)
		}
	}

	rcv := unix.NsecToTimeval(r.opts.ReadTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &rcv); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("rfcomm receive timeout: %w", err)
	}

	r.fd = fd
	return nil
}

// Read implements Transport.
func (r *RFCOMM) Read(p []byte) (int, error) {
	r.io.RLock()
	defer r.io.RUnlock()
	fd := r.current()
	if fd < 0 {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == nil && n == 0 && len(p) > 0:
			return 0, fmt.Errorf("rfcomm %s: remote closed", r.address)
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case errors.Is(err, unix.EINTR):
			continue
		default:
			return 0, err
		}
	}
}

// Write implements Transport.
func (r *RFCOMM) Write(p []byte) (int, error) {
	r.io.RLock()
	defer r.io.RUnlock()
	fd := r.current()
	if fd < 0 {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Write(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

// Close implements Transport.
func (r *RFCOMM) Close() error {
	r.mu.Lock()
	fd := r.fd
	r.fd = -1
	r.mu.Unlock()
	if fd < 0 {
		return nil
	}

	// wakes a blocked reader before we wait for it
	_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	r.io.Lock()
	defer r.io.Unlock()
	return unix.Close(fd)
}

func (r *RFCOMM) current() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fd
}
