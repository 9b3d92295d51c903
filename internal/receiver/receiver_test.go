package receiver

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/micstream/internal/audio"
	"github.com/babelcloud/micstream/internal/transport"
	"github.com/babelcloud/micstream/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectSink keeps every packet it is given
type collectSink struct {
	mu      sync.Mutex
	packets []audio.Packet
	closed  bool
}

func (s *collectSink) WritePacket(p audio.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, p)
	return nil
}

func (s *collectSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *collectSink) snapshot() []audio.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Packet(nil), s.packets...)
}

func endpointOf(t *testing.T, addr net.Addr) transport.Endpoint {
	t.Helper()
	host, port, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	if host == "::" || host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	ep, err := transport.ParseEndpoint(host, port)
	require.NoError(t, err)
	return ep
}

func TestBindTCPSkipsBusyPorts(t *testing.T) {
	busy, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	ln, err := BindTCP(port, port+20)
	require.NoError(t, err)
	defer ln.Close()
	assert.NotEqual(t, port, ln.Addr().(*net.TCPAddr).Port)

	_, err = BindTCP(port, port)
	assert.Error(t, err)
	_, err = BindTCP(10, 5)
	assert.Error(t, err)
}

func TestServeTCPWithSocketBackend(t *testing.T) {
	tests := []struct {
		name     string
		encoding wire.Encoding
	}{
		{name: "raw", encoding: wire.EncodingRaw},
		{name: "proto", encoding: wire.EncodingProto},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &collectSink{}
			cfg := DefaultConfig()
			cfg.Encoding = tt.encoding
			cfg.Spec.SampleRate = 48000
			r := New(sink, cfg)

			ln, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			ctx, cancel := context.WithCancel(context.Background())
			served := make(chan error, 1)
			go func() { served <- r.ServeTCP(ctx, ln) }()

			opts := transport.DefaultOptions()
			opts.Endpoint = endpointOf(t, ln.Addr())
			backend := transport.NewSocketBackend(opts)
			require.NoError(t, backend.Connect(context.Background()))

			encoder := wire.NewEncoder(tt.encoding, false)
			sent := audio.Packet{Data: []byte{1, 2, 3, 4}, SampleRate: 48000, Format: audio.FormatI16, Channels: 1}
			require.NoError(t, backend.SendFrame(encoder.Encode(sent)))
			require.NoError(t, backend.SendFrame(encoder.Encode(sent)))

			require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
			got := sink.snapshot()[0]
			assert.Equal(t, sent.Data, got.Data)
			assert.Equal(t, 48000, got.SampleRate)
			assert.Equal(t, audio.FormatI16, got.Format)
			assert.Equal(t, uint64(1), r.Stats().Sessions)

			require.NoError(t, backend.Disconnect())
			cancel()
			assert.NoError(t, <-served)
		})
	}
}

func TestServeTCPRejectsBadHandshake(t *testing.T) {
	sink := &collectSink{}
	r := New(sink, DefaultConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.ServeTCP(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("NotTheCheckStr!"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 32))
	assert.Error(t, err, "receiver hangs up instead of acknowledging")
	assert.Zero(t, r.Stats().Sessions)
}

func TestServeUDPTracksSequence(t *testing.T) {
	sink := &collectSink{}
	r := New(sink, DefaultConfig())

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.ServeUDP(ctx, pc) }()

	conn, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	// optional handshake
	_, err = conn.Write([]byte(wire.CheckString))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack := make([]byte, 32)
	n, err := conn.Read(ack)
	require.NoError(t, err)
	assert.Equal(t, wire.AckString, string(ack[:n]))

	enc := &wire.OrderedEncoder{}
	frames := make([][]byte, 5)
	for i := range frames {
		p := audio.Packet{Data: []byte{byte(i)}, SampleRate: 16000, Format: audio.FormatI16, Channels: 1}
		frames[i], err = wire.AppendFrame(nil, enc.Encode(p))
		require.NoError(t, err)
	}

	// 0, 1, 3 (gap of one), 2 (late, dropped), 4
	for _, i := range []int{0, 1, 3, 2, 4} {
		_, err := conn.Write(frames[i])
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	conn.Write([]byte("garbage"))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 4 }, 2*time.Second, 10*time.Millisecond)
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Gaps)
	assert.Equal(t, uint64(1), stats.Reordered)
	assert.Equal(t, uint64(4), stats.Frames)

	var order []byte
	for _, p := range sink.snapshot() {
		order = append(order, p.Data[0])
	}
	assert.Equal(t, []byte{0, 1, 3, 4}, order)

	cancel()
	assert.NoError(t, <-served)
}

func TestServeUDPWithDatagramBackend(t *testing.T) {
	sink := &collectSink{}
	r := New(sink, DefaultConfig())

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.ServeUDP(ctx, pc)

	opts := transport.DefaultOptions()
	opts.UDPHandshake = true
	opts.Endpoint, err = transport.ParseEndpoint("127.0.0.1", strconv.Itoa(pc.LocalAddr().(*net.UDPAddr).Port))
	require.NoError(t, err)
	backend := transport.NewDatagramBackend(opts)
	require.NoError(t, backend.Connect(context.Background()))
	defer backend.Disconnect()

	enc := wire.NewEncoder(wire.EncodingRaw, true)
	for i := 0; i < 3; i++ {
		require.NoError(t, backend.SendFrame(enc.Encode(audio.Packet{
			Data: []byte{9, 9}, SampleRate: 16000, Format: audio.FormatI16, Channels: 1,
		})))
	}
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, r.Stats().Gaps)
}

func TestWriterSink(t *testing.T) {
	var out bytes.Buffer
	sink := NewWriterSink(&out)
	require.NoError(t, sink.WritePacket(audio.Packet{Data: []byte("ab")}))
	require.NoError(t, sink.WritePacket(audio.Packet{Data: []byte("cd")}))
	assert.Equal(t, "abcd", out.String())
	assert.NoError(t, sink.Close())
}
