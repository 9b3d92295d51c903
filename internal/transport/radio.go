package transport

import (
	"context"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/babelcloud/micstream/internal/util"
	"github.com/babelcloud/micstream/internal/wire"
	"github.com/pkg/errors"
)

// RadioBackend streams over a Bluetooth RFCOMM channel
type RadioBackend struct {
	sessionHolder

	opts Options
	dial func(ctx context.Context, addr [6]byte, channel uint8, timeout time.Duration) (io.ReadWriteCloser, error)

	mu      sync.Mutex
	address string
}

func NewRadioBackend(opts Options) *RadioBackend {
	return &RadioBackend{opts: opts, dial: dialRFCOMM}
}

func (b *RadioBackend) Kind() Mode { return ModeBluetooth }

func (b *RadioBackend) Connect(ctx context.Context) error {
	if b.opts.BluetoothAddress == "" {
		return errors.Wrap(ErrUnsupported, "no bluetooth peer configured")
	}
	addr, err := parseBDAddr(b.opts.BluetoothAddress)
	if err != nil {
		return err
	}
	channel := b.opts.BluetoothChannel
	if channel < 1 || channel > 30 {
		return errors.Errorf("rfcomm channel %d out of range 1..30", channel)
	}

	conn, err := b.dial(ctx, addr, uint8(channel), b.opts.DialTimeout)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s channel %d", b.opts.BluetoothAddress, channel)
	}

	b.mu.Lock()
	b.address = b.opts.BluetoothAddress
	b.mu.Unlock()

	if err := b.verify(wire.NewSession(conn, b.opts.BluetoothAddress), b.opts.HandshakeTimeout); err != nil {
		return errors.Wrapf(err, "handshake with %s failed", b.opts.BluetoothAddress)
	}
	util.Component("transport").Info("Connected", "mode", ModeBluetooth, "peer", b.opts.BluetoothAddress, "channel", channel)
	return nil
}

func (b *RadioBackend) Disconnect() error {
	return b.detach()
}

func (b *RadioBackend) Describe() string {
	b.mu.Lock()
	address := b.address
	b.mu.Unlock()
	if address == "" {
		return b.describeSession("rfcomm")
	}
	return b.describeSession("rfcomm(" + address + ")")
}

// parseBDAddr parses AA:BB:CC:DD:EE:FF into the little-endian order the kernel expects
func parseBDAddr(s string) ([6]byte, error) {
	var addr [6]byte
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 6 {
		return addr, errors.Errorf("invalid bluetooth address %q", s)
	}
	for i, part := range parts {
		b, err := hex.DecodeString(part)
		if err != nil || len(b) != 1 {
			return addr, errors.Errorf("invalid bluetooth address %q", s)
		}
		addr[5-i] = b[0]
	}
	return addr, nil
}
