package wire

import (
	"bytes"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

const (
	// CheckString is sent by the streaming side right after connecting
	CheckString = "AndroidMicCheck"
	// AckString is the receiver's reply to CheckString
	AckString = "AndroidMicCheckAck"

	DefaultHandshakeTimeout = 1500 * time.Millisecond
	DefaultPort             = 55555
	// Receivers bind the first free port in this range
	PortRangeStart = 55555
	PortRangeEnd   = 60000
)

var (
	ErrHandshakeMismatch = errors.New("handshake acknowledgement mismatch")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Handshake sends CheckString and waits up to timeout for AckString
func Handshake(rw io.ReadWriter, timeout time.Duration) error {
	return withTimeout(rw, timeout, func() error {
		if _, err := rw.Write([]byte(CheckString)); err != nil {
			return errors.Wrap(err, "failed to send handshake")
		}
		return expect(rw, AckString)
	})
}

// AnswerHandshake is the receiving side of Handshake
func AnswerHandshake(rw io.ReadWriter, timeout time.Duration) error {
	return withTimeout(rw, timeout, func() error {
		if err := expect(rw, CheckString); err != nil {
			return err
		}
		if _, err := rw.Write([]byte(AckString)); err != nil {
			return errors.Wrap(err, "failed to send handshake acknowledgement")
		}
		return nil
	})
}

func expect(r io.Reader, want string) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		return errors.Wrap(err, "failed to read handshake")
	}
	if !bytes.Equal(got, []byte(want)) {
		return errors.Wrapf(ErrHandshakeMismatch, "got %q", got)
	}
	return nil
}

// withTimeout bounds fn by timeout. Streams with deadlines get one; others
// are closed on expiry so the blocked call returns.
func withTimeout(rw io.ReadWriter, timeout time.Duration, fn func() error) error {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	if d, ok := rw.(deadliner); ok {
		if err := d.SetDeadline(time.Now().Add(timeout)); err == nil {
			err := fn()
			d.SetDeadline(time.Time{})
			if isTimeout(err) {
				return errors.Wrapf(ErrHandshakeTimeout, "no acknowledgement within %s", timeout)
			}
			return err
		}
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		if c, ok := rw.(io.Closer); ok {
			c.Close()
		}
		return errors.Wrapf(ErrHandshakeTimeout, "no acknowledgement within %s", timeout)
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
