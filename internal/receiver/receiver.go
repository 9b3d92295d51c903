package receiver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/babelcloud/micstream/internal/audio"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/babelcloud/micstream/internal/wire"
	"github.com/pkg/errors"
)

// maxDatagram is the largest UDP payload accepted
const maxDatagram = 64 << 10

// restartWindow is how far a sequence number may fall behind before it is
// treated as a restarted sender rather than a late packet
const restartWindow = 1024

// Config selects how frames are decoded. Spec describes raw frames, which
// carry no metadata of their own.
type Config struct {
	Encoding         wire.Encoding
	Spec             audio.Spec
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Encoding:         wire.EncodingRaw,
		Spec:             audio.DefaultSpec(),
		HandshakeTimeout: wire.DefaultHandshakeTimeout,
	}
}

// Stats counts what a receiver has seen
type Stats struct {
	Sessions  uint64 `json:"sessions"`
	Frames    uint64 `json:"frames"`
	Bytes     uint64 `json:"bytes"`
	Gaps      uint64 `json:"gaps"`
	Reordered uint64 `json:"reordered"`
}

// Receiver is the listening end of a stream. It is the reference peer for
// the socket, adb and datagram media.
type Receiver struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger

	sessions  atomic.Uint64
	frames    atomic.Uint64
	bytes     atomic.Uint64
	gaps      atomic.Uint64
	reordered atomic.Uint64
}

func New(sink Sink, cfg Config) *Receiver {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = wire.DefaultHandshakeTimeout
	}
	return &Receiver{cfg: cfg, sink: sink, logger: util.Component("receiver")}
}

func (r *Receiver) Stats() Stats {
	return Stats{
		Sessions:  r.sessions.Load(),
		Frames:    r.frames.Load(),
		Bytes:     r.bytes.Load(),
		Gaps:      r.gaps.Load(),
		Reordered: r.reordered.Load(),
	}
}

// BindTCP listens on the first free port in [from, to]
func BindTCP(from, to int) (net.Listener, error) {
	if from <= 0 || to < from {
		return nil, errors.Errorf("invalid port range %d..%d", from, to)
	}
	var lastErr error
	for port := from; port <= to; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "no free port in %d..%d", from, to)
}

// ListenTCP binds the first free port in range and serves until ctx ends
func (r *Receiver) ListenTCP(ctx context.Context, from, to int) error {
	ln, err := BindTCP(from, to)
	if err != nil {
		return err
	}
	return r.ServeTCP(ctx, ln)
}

// ServeTCP accepts one sender at a time until ctx ends. The listener is closed on return.
func (r *Receiver) ServeTCP(ctx context.Context, ln net.Listener) error {
	r.logger.Info("Waiting for sender", "addr", ln.Addr().String(), "encoding", r.cfg.Encoding)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		if err := r.serveConn(ctx, conn); err != nil {
			r.logger.Warn("Sender session ended", "remote", conn.RemoteAddr().String(), "error", err)
		}
	}
}

func (r *Receiver) serveConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	if err := wire.AnswerHandshake(conn, r.cfg.HandshakeTimeout); err != nil {
		return errors.Wrap(err, "handshake failed")
	}
	r.sessions.Add(1)
	r.logger.Info("Sender connected", "remote", remote)

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				r.logger.Info("Sender disconnected", "remote", remote, "frames", r.frames.Load())
				return nil
			}
			return err
		}
		p, err := r.decode(frame)
		if err != nil {
			return err
		}
		if err := r.deliver(p, len(frame)); err != nil {
			return err
		}
	}
}

func (r *Receiver) decode(frame []byte) (audio.Packet, error) {
	if r.cfg.Encoding == wire.EncodingProto {
		return wire.DecodeAudioPacket(frame)
	}
	return audio.Packet{
		Data:       frame,
		SampleRate: r.cfg.Spec.SampleRate,
		Format:     r.cfg.Spec.Format,
		Channels:   r.cfg.Spec.Channels,
		Captured:   time.Now(),
	}, nil
}

func (r *Receiver) deliver(p audio.Packet, size int) error {
	r.frames.Add(1)
	r.bytes.Add(uint64(size))
	if err := r.sink.WritePacket(p); err != nil {
		return errors.Wrap(err, "sink rejected packet")
	}
	return nil
}

// ListenUDP binds port and serves datagrams until ctx ends
func (r *Receiver) ListenUDP(ctx context.Context, port int) error {
	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on udp port %d", port)
	}
	return r.ServeUDP(ctx, pc)
}

// ServeUDP reads one frame per datagram. Datagram senders always use the
// sequenced encoding; late packets are counted and dropped, missing ones
// counted as gaps.
func (r *Receiver) ServeUDP(ctx context.Context, pc net.PacketConn) error {
	r.logger.Info("Waiting for datagrams", "addr", pc.LocalAddr().String())

	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()
	defer pc.Close()

	var (
		expected uint32
		started  bool
	)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read failed")
		}

		datagram := buf[:n]
		if bytes.Equal(datagram, []byte(wire.CheckString)) {
			pc.WriteTo([]byte(wire.AckString), from)
			r.logger.Info("Answered datagram handshake", "remote", from.String())
			continue
		}

		payload, err := wire.SplitFrame(datagram)
		if err != nil {
			r.logger.Debug("Dropping malformed datagram", "remote", from.String(), "error", err)
			continue
		}
		seq, p, err := wire.DecodeOrdered(payload)
		if err != nil {
			r.logger.Debug("Dropping undecodable datagram", "remote", from.String(), "error", err)
			continue
		}

		switch {
		case !started:
			started = true
			r.sessions.Add(1)
			r.logger.Info("Datagram sender active", "remote", from.String(), "seq", seq)
		case seq == expected:
		case seq > expected:
			r.gaps.Add(uint64(seq - expected))
		case expected-seq > restartWindow:
			r.sessions.Add(1)
			r.logger.Info("Datagram sender restarted", "remote", from.String(), "seq", seq)
		default:
			r.reordered.Add(1)
			continue
		}
		expected = seq + 1

		p.Data = append([]byte(nil), p.Data...)
		if err := r.deliver(p, n); err != nil {
			return err
		}
	}
}
