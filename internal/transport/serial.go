package transport

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/babelcloud/micstream/internal/util"
	"github.com/babelcloud/micstream/internal/wire"
	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// SerialBackend streams over a USB serial link
type SerialBackend struct {
	sessionHolder

	opts Options
	open func(device string, baud int) (serialPort, error)
	list func() ([]string, error)

	mu     sync.Mutex
	device string
}

// serialPort is the subset of serial.Port the backend uses
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(t time.Duration) error
}

func NewSerialBackend(opts Options) *SerialBackend {
	return &SerialBackend{
		opts: opts,
		open: func(device string, baud int) (serialPort, error) {
			return serial.Open(device, &serial.Mode{BaudRate: baud})
		},
		list: serial.GetPortsList,
	}
}

func (b *SerialBackend) Kind() Mode { return ModeUSB }

func (b *SerialBackend) Connect(ctx context.Context) error {
	device, err := b.resolveDevice()
	if err != nil {
		return err
	}

	baud := b.opts.SerialBaud
	if baud <= 0 {
		baud = 115200
	}
	port, err := b.open(device, baud)
	if err != nil {
		return errors.Wrapf(err, "failed to open serial device %s", device)
	}

	b.mu.Lock()
	b.device = device
	b.mu.Unlock()

	if err := b.verify(wire.NewSession(&serialConn{port: port}, device), b.opts.HandshakeTimeout); err != nil {
		return errors.Wrapf(err, "handshake over %s failed", device)
	}
	util.Component("transport").Info("Connected", "mode", ModeUSB, "device", device, "baud", baud)
	return nil
}

// resolveDevice returns the configured device or the first USB serial port found
func (b *SerialBackend) resolveDevice() (string, error) {
	if b.opts.SerialDevice != "" {
		return b.opts.SerialDevice, nil
	}
	ports, err := b.list()
	if err != nil {
		return "", errors.Wrapf(ErrUnsupported, "cannot enumerate serial ports: %v", err)
	}
	for _, p := range ports {
		if strings.Contains(p, "ttyACM") || strings.Contains(p, "ttyUSB") || strings.Contains(p, "usbmodem") || strings.HasPrefix(p, "COM") {
			return p, nil
		}
	}
	return "", errors.Wrap(ErrUnsupported, "no usb serial device found")
}

func (b *SerialBackend) Disconnect() error {
	return b.detach()
}

func (b *SerialBackend) Describe() string {
	b.mu.Lock()
	device := b.device
	b.mu.Unlock()
	if device == "" {
		return b.describeSession("serial")
	}
	return b.describeSession("serial(" + device + ")")
}

// serialConn adds deadline support on top of the port read timeout.
// A read that times out returns os.ErrDeadlineExceeded instead of 0, nil.
type serialConn struct {
	port serialPort

	mu       sync.Mutex
	deadline time.Time
}

func (c *serialConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		if err := c.port.SetReadTimeout(remaining); err != nil {
			return 0, err
		}
	}

	n, err := c.port.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		if deadline.IsZero() {
			return 0, errors.New("serial port closed")
		}
		return 0, os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *serialConn) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *serialConn) Close() error {
	return c.port.Close()
}

func (c *serialConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	if t.IsZero() {
		return c.port.SetReadTimeout(serial.NoTimeout)
	}
	return nil
}
