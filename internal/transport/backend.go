package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/babelcloud/micstream/internal/wire"
	"github.com/pkg/errors"
)

// Mode names a transport medium
type Mode int32

const (
	ModeAuto Mode = iota
	ModeWifi
	ModeBluetooth
	ModeUSB
	ModeUDP
	ModeADB
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "AUTO"
	case ModeWifi:
		return "WIFI"
	case ModeBluetooth:
		return "BLUETOOTH"
	case ModeUSB:
		return "USB"
	case ModeUDP:
		return "UDP"
	case ModeADB:
		return "ADB"
	}
	return fmt.Sprintf("MODE(%d)", int32(m))
}

// ParseMode accepts mode names case-insensitively
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "AUTO":
		return ModeAuto, nil
	case "WIFI", "TCP", "SOCKET":
		return ModeWifi, nil
	case "BLUETOOTH", "BT", "RFCOMM":
		return ModeBluetooth, nil
	case "USB", "SERIAL":
		return ModeUSB, nil
	case "UDP":
		return ModeUDP, nil
	case "ADB":
		return ModeADB, nil
	}
	return ModeAuto, errors.Errorf("unknown transport mode %q", s)
}

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	return m >= ModeAuto && m <= ModeADB
}

var (
	ErrUnsupported  = errors.New("transport not supported on this system")
	ErrNotConnected = errors.New("transport not connected")
	ErrNoEndpoint   = errors.New("no receiver endpoint configured")
	ErrSessionLost  = errors.New("transport session lost")
)

// Backend is one transport medium. The set of implementations is closed:
// SocketBackend, DatagramBackend, ADBBackend, SerialBackend and RadioBackend.
type Backend interface {
	Kind() Mode
	Connect(ctx context.Context) error
	Disconnect() error
	SendFrame(payload []byte) error
	IsAlive() bool
	Describe() string

	sealed()
}

// AddressUpdater is implemented by media whose destination is an IP endpoint
type AddressUpdater interface {
	UpdateAddress(ep Endpoint) error
}

// Options carries everything the backends need to connect
type Options struct {
	Endpoint         Endpoint
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	UDPHandshake     bool

	SerialDevice string
	SerialBaud   int

	BluetoothAddress string
	BluetoothChannel int

	ADBSerial string
	ADBPort   int
}

// DefaultOptions returns the stock timeouts and ports
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: wire.DefaultHandshakeTimeout,
		DialTimeout:      3 * time.Second,
		SerialBaud:       115200,
		BluetoothChannel: 1,
		ADBPort:          wire.DefaultPort,
	}
}

// sessionHolder carries the verified session of a connected backend
type sessionHolder struct {
	mu      sync.Mutex
	session *wire.Session
}

func (h *sessionHolder) sealed() {}

func (h *sessionHolder) current() *wire.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

func (h *sessionHolder) attach(s *wire.Session) {
	h.mu.Lock()
	old := h.session
	h.session = s
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (h *sessionHolder) detach() error {
	h.mu.Lock()
	s := h.session
	h.session = nil
	h.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}

func (h *sessionHolder) SendFrame(payload []byte) error {
	s := h.current()
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(payload)
}

func (h *sessionHolder) IsAlive() bool {
	s := h.current()
	return s != nil && s.Alive()
}

func (h *sessionHolder) describeSession(medium string) string {
	s := h.current()
	if s == nil {
		return medium + " (not connected)"
	}
	return medium + " " + s.String()
}

// verify runs the handshake on a fresh session, attaching it on success
func (h *sessionHolder) verify(s *wire.Session, timeout time.Duration) error {
	if err := s.Verify(timeout); err != nil {
		return err
	}
	h.attach(s)
	return nil
}
