//go:build linux

package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func dialRFCOMM(ctx context.Context, addr [6]byte, channel uint8, timeout time.Duration) (io.ReadWriteCloser, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, errors.Wrapf(ErrUnsupported, "rfcomm socket: %v", err)
	}

	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, errors.Wrap(err, "rfcomm connect")
	}
	if err == unix.EINPROGRESS {
		if err := waitConnected(ctx, fd, timeout); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	// The descriptor is non-blocking, so the file is registered with the
	// runtime poller and supports deadlines.
	name := fmt.Sprintf("rfcomm:%02X:%02X:%02X:%02X:%02X:%02X/%d", addr[5], addr[4], addr[3], addr[2], addr[1], addr[0], channel)
	return os.NewFile(uintptr(fd), name), nil
}

func waitConnected(ctx context.Context, fd int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.Errorf("rfcomm connect timed out after %s", timeout)
		}
		// Poll in short slices so a cancelled context is noticed.
		slice := remaining
		if slice > 200*time.Millisecond {
			slice = 200 * time.Millisecond
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(slice.Milliseconds())+1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "rfcomm poll")
		}
		if n == 0 {
			continue
		}

		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return errors.Wrap(err, "rfcomm getsockopt")
		}
		if soErr != 0 {
			return errors.Wrap(syscall.Errno(soErr), "rfcomm connect")
		}
		return nil
	}
}
