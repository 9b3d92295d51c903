package transport

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"

	"github.com/babelcloud/micstream/internal/util"
	"github.com/babelcloud/micstream/internal/wire"
	adb "github.com/basiooo/goadb"
	"github.com/pkg/errors"
)

// deviceBridge is the part of adb the backend depends on
type deviceBridge interface {
	OnlineSerials() ([]string, error)
	Forward(serial string, port int) error
	RemoveForward(serial string, port int) error
	// WatchOffline calls lost once serial leaves the online state
	WatchOffline(serial string, lost func()) (stop func(), err error)
}

// ADBBackend reaches a receiver running on an attached Android device
// through an adb port forward
type ADBBackend struct {
	sessionHolder

	opts   Options
	bridge deviceBridge

	mu        sync.Mutex
	serial    string
	forwarded bool
	stopWatch func()
}

func NewADBBackend(opts Options) *ADBBackend {
	return &ADBBackend{opts: opts, bridge: &goadbBridge{}}
}

func (b *ADBBackend) Kind() Mode { return ModeADB }

func (b *ADBBackend) Connect(ctx context.Context) error {
	serial, err := b.pickDevice()
	if err != nil {
		return err
	}

	port := b.opts.ADBPort
	if port == 0 {
		port = wire.DefaultPort
	}
	if err := b.bridge.Forward(serial, port); err != nil {
		return errors.Wrapf(err, "failed to forward tcp:%d on %s", port, serial)
	}
	b.mu.Lock()
	b.serial = serial
	b.forwarded = true
	b.mu.Unlock()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	dialer := net.Dialer{Timeout: b.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		b.cleanup()
		return errors.Wrapf(err, "failed to connect through adb forward %s", addr)
	}

	session := wire.NewSession(conn, serial+"@"+addr)
	if err := b.verify(session, b.opts.HandshakeTimeout); err != nil {
		b.cleanup()
		return errors.Wrapf(err, "handshake with %s failed", serial)
	}

	stop, err := b.bridge.WatchOffline(serial, func() {
		util.Component("transport").Warn("ADB device went offline", "serial", serial)
		session.Close()
	})
	if err != nil {
		util.Component("transport").Warn("ADB device watcher unavailable", "serial", serial, "error", err)
	} else {
		b.mu.Lock()
		b.stopWatch = stop
		b.mu.Unlock()
	}

	util.Component("transport").Info("Connected", "mode", ModeADB, "serial", serial, "port", port)
	return nil
}

func (b *ADBBackend) pickDevice() (string, error) {
	serials, err := b.bridge.OnlineSerials()
	if err != nil {
		return "", errors.Wrap(err, "failed to list adb devices")
	}
	if len(serials) == 0 {
		return "", errors.New("no online adb device")
	}
	if b.opts.ADBSerial == "" {
		return serials[0], nil
	}
	for _, s := range serials {
		if s == b.opts.ADBSerial {
			return s, nil
		}
	}
	return "", errors.Errorf("adb device %s is not online", b.opts.ADBSerial)
}

func (b *ADBBackend) cleanup() {
	b.mu.Lock()
	serial, forwarded, stop := b.serial, b.forwarded, b.stopWatch
	b.forwarded = false
	b.stopWatch = nil
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	if forwarded {
		port := b.opts.ADBPort
		if port == 0 {
			port = wire.DefaultPort
		}
		if err := b.bridge.RemoveForward(serial, port); err != nil {
			util.Component("transport").Debug("Failed to remove adb forward", "serial", serial, "error", err)
		}
	}
}

func (b *ADBBackend) Disconnect() error {
	err := b.detach()
	b.cleanup()
	return err
}

func (b *ADBBackend) Describe() string {
	b.mu.Lock()
	serial := b.serial
	b.mu.Unlock()
	if serial == "" {
		return b.describeSession("adb")
	}
	return b.describeSession(fmt.Sprintf("adb(%s)", serial))
}

// goadbBridge talks to the local adb server
type goadbBridge struct {
	once    sync.Once
	client  *adb.Adb
	initErr error
	adbPath string
}

func (g *goadbBridge) init() error {
	g.once.Do(func() {
		g.adbPath = "adb"
		if p, err := exec.LookPath("adb"); err == nil {
			g.adbPath = p
		}
		client, err := adb.NewWithConfig(adb.ServerConfig{
			Port: adb.AdbPort,
		})
		if err != nil {
			g.initErr = errors.Wrapf(ErrUnsupported, "adb client on port %d: %v", adb.AdbPort, err)
			return
		}
		if err := client.StartServer(); err != nil {
			g.initErr = errors.Wrapf(ErrUnsupported, "adb server: %v", err)
			return
		}
		g.client = client
	})
	return g.initErr
}

func (g *goadbBridge) OnlineSerials() ([]string, error) {
	if err := g.init(); err != nil {
		return nil, err
	}
	serials, err := g.client.ListDeviceSerials()
	if err != nil {
		return nil, err
	}
	var online []string
	for _, serial := range serials {
		state, err := g.client.Device(adb.DeviceWithSerial(serial)).State()
		if err == nil && state == adb.StateOnline {
			online = append(online, serial)
		}
	}
	return online, nil
}

func (g *goadbBridge) Forward(serial string, port int) error {
	spec := fmt.Sprintf("tcp:%d", port)
	out, err := exec.Command(g.adbPath, "-s", serial, "forward", spec, spec).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "adb forward: %s", string(out))
	}
	return nil
}

func (g *goadbBridge) RemoveForward(serial string, port int) error {
	out, err := exec.Command(g.adbPath, "-s", serial, "forward", "--remove", fmt.Sprintf("tcp:%d", port)).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "adb forward --remove: %s", string(out))
	}
	return nil
}

func (g *goadbBridge) WatchOffline(serial string, lost func()) (func(), error) {
	if err := g.init(); err != nil {
		return nil, err
	}
	watcher := g.client.NewDeviceWatcher()
	go func() {
		for event := range watcher.C() {
			if event.Serial == serial && event.NewState != adb.StateOnline {
				lost()
			}
		}
		if watcher.Err() != nil {
			util.Component("transport").Debug("adb device watcher stopped", "error", watcher.Err())
		}
	}()
	return watcher.Shutdown, nil
}
