package transport

import (
	"context"
	"net"
	"sync"

	"github.com/babelcloud/micstream/internal/util"
	"github.com/babelcloud/micstream/internal/wire"
	"github.com/pkg/errors"
)

// SocketBackend streams over TCP to a receiver on the local network
type SocketBackend struct {
	sessionHolder

	cfgMu    sync.Mutex
	endpoint Endpoint
	opts     Options
}

func NewSocketBackend(opts Options) *SocketBackend {
	return &SocketBackend{endpoint: opts.Endpoint, opts: opts}
}

func (b *SocketBackend) Kind() Mode { return ModeWifi }

func (b *SocketBackend) Connect(ctx context.Context) error {
	b.cfgMu.Lock()
	ep := b.endpoint
	b.cfgMu.Unlock()

	if !ep.IsValid() {
		return ErrNoEndpoint
	}

	dialer := net.Dialer{Timeout: b.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", ep)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	if err := b.verify(wire.NewSession(conn, ep.String()), b.opts.HandshakeTimeout); err != nil {
		return errors.Wrapf(err, "handshake with %s failed", ep)
	}
	util.Component("transport").Info("Connected", "mode", ModeWifi, "remote", ep.String())
	return nil
}

func (b *SocketBackend) Disconnect() error {
	return b.detach()
}

// UpdateAddress changes the destination used by the next Connect
func (b *SocketBackend) UpdateAddress(ep Endpoint) error {
	if !ep.IsValid() {
		return ErrInvalidEndpoint
	}
	b.cfgMu.Lock()
	b.endpoint = ep
	b.cfgMu.Unlock()
	return nil
}

func (b *SocketBackend) Describe() string {
	return b.describeSession("tcp")
}

// DatagramBackend sends each frame as one UDP datagram. There is no
// handshake unless Options.UDPHandshake is set.
type DatagramBackend struct {
	sessionHolder

	cfgMu    sync.Mutex
	endpoint Endpoint
	opts     Options
}

func NewDatagramBackend(opts Options) *DatagramBackend {
	return &DatagramBackend{endpoint: opts.Endpoint, opts: opts}
}

func (b *DatagramBackend) Kind() Mode { return ModeUDP }

func (b *DatagramBackend) Connect(ctx context.Context) error {
	b.cfgMu.Lock()
	ep := b.endpoint
	b.cfgMu.Unlock()

	if !ep.IsValid() {
		return ErrNoEndpoint
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", ep.String())
	if err != nil {
		return errors.Wrapf(err, "failed to open udp socket to %s", ep)
	}

	session := wire.NewSession(conn, ep.String())
	if b.opts.UDPHandshake {
		if err := b.verify(session, b.opts.HandshakeTimeout); err != nil {
			return errors.Wrapf(err, "handshake with %s failed", ep)
		}
	} else {
		session.Trust()
		b.attach(session)
	}
	util.Component("transport").Info("Connected", "mode", ModeUDP, "remote", ep.String(), "handshake", b.opts.UDPHandshake)
	return nil
}

func (b *DatagramBackend) Disconnect() error {
	return b.detach()
}

func (b *DatagramBackend) UpdateAddress(ep Endpoint) error {
	if !ep.IsValid() {
		return ErrInvalidEndpoint
	}
	b.cfgMu.Lock()
	b.endpoint = ep
	b.cfgMu.Unlock()
	return nil
}

func (b *DatagramBackend) Describe() string {
	return b.describeSession("udp")
}
