package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/babelcloud/micstream/internal/audio"
	"github.com/babelcloud/micstream/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend records what the selector asks of it
type fakeBackend struct {
	kind       Mode
	connectErr error
	sendErr    error

	mu           sync.Mutex
	connected    bool
	disconnected int
	frames       [][]byte
	alive        atomic.Bool
}

func (f *fakeBackend) sealed()    {}
func (f *fakeBackend) Kind() Mode { return f.kind }

func (f *fakeBackend) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.alive.Store(true)
	return nil
}

func (f *fakeBackend) Disconnect() error {
	f.mu.Lock()
	f.disconnected++
	f.mu.Unlock()
	f.alive.Store(false)
	return nil
}

func (f *fakeBackend) SendFrame(payload []byte) error {
	if f.sendErr != nil {
		f.alive.Store(false)
		return f.sendErr
	}
	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), payload...))
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) IsAlive() bool    { return f.alive.Load() }
func (f *fakeBackend) Describe() string { return "fake " + f.kind.String() }

func (f *fakeBackend) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func newTestSelector(mode Mode, backends ...*fakeBackend) *Selector {
	s := NewSelector(DefaultOptions(), mode, wire.EncodingRaw)
	s.order = nil
	s.factories = map[Mode]Factory{}
	for _, b := range backends {
		b := b
		s.order = append(s.order, b.kind)
		s.SetFactory(b.kind, func(Options) Backend { return b })
	}
	return s
}

func TestSelectorFallsThroughToFirstWorkingBackend(t *testing.T) {
	a := &fakeBackend{kind: ModeBluetooth, connectErr: errors.New("radio off")}
	b := &fakeBackend{kind: ModeWifi, connectErr: errors.New("connection refused")}
	c := &fakeBackend{kind: ModeUSB}
	s := newTestSelector(ModeAuto, a, b, c)

	mode, err := s.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeUSB, mode)
	assert.Equal(t, ModeUSB, s.Selected())
	assert.True(t, s.IsAlive())
	assert.Equal(t, "USB: fake USB", s.Describe())
}

func TestSelectorCombinesEveryFailure(t *testing.T) {
	a := &fakeBackend{kind: ModeBluetooth, connectErr: errors.New("radio off")}
	b := &fakeBackend{kind: ModeWifi, connectErr: errors.New("connection refused")}
	c := &fakeBackend{kind: ModeUSB, connectErr: errors.New("no cable")}
	s := newTestSelector(ModeAuto, a, b, c)

	_, err := s.Initialize(context.Background())
	require.Error(t, err)

	var selErr *SelectionError
	require.True(t, errors.As(err, &selErr))
	assert.Len(t, selErr.Attempts, 3)
	for _, part := range []string{"BLUETOOTH: radio off", "WIFI: connection refused", "USB: no cable"} {
		assert.Contains(t, err.Error(), part)
	}
	assert.Equal(t, 2, strings.Count(err.Error(), " (AND) "))
	assert.Equal(t, ModeAuto, s.Selected())
	assert.Equal(t, "none", s.Describe())
}

func TestSelectorExplicitModeTriesOnlyThatBackend(t *testing.T) {
	a := &fakeBackend{kind: ModeBluetooth}
	b := &fakeBackend{kind: ModeWifi, connectErr: errors.New("refused")}
	s := newTestSelector(ModeWifi, a, b)

	_, err := s.Initialize(context.Background())
	require.Error(t, err)
	assert.False(t, a.connected, "auto candidates must not be tried when a mode is set")
	assert.Equal(t, []Mode{ModeWifi}, s.Candidates())

	s.SetMode(ModeAuto)
	mode, err := s.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ModeBluetooth, mode)
}

func TestSelectorUnknownModeFails(t *testing.T) {
	s := newTestSelector(ModeADB)
	_, err := s.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSelectorInitializeReplacesActiveBackend(t *testing.T) {
	first := &fakeBackend{kind: ModeWifi}
	s := newTestSelector(ModeWifi, first)
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)

	second := &fakeBackend{kind: ModeWifi}
	s.SetFactory(ModeWifi, func(Options) Backend { return second })
	_, err = s.Initialize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, first.disconnected, "old backend must be shut down before the new one connects")
	assert.True(t, second.IsAlive())

	require.NoError(t, s.Shutdown())
	assert.Equal(t, 1, second.disconnected)
	assert.False(t, s.IsAlive())
	assert.Equal(t, ModeAuto, s.Selected())
	require.NoError(t, s.Shutdown())
}

func TestSelectorNeedsAddressConfiguration(t *testing.T) {
	tests := []struct {
		mode Mode
		want bool
	}{
		{ModeWifi, true},
		{ModeUDP, true},
		{ModeBluetooth, false},
		{ModeUSB, false},
		{ModeADB, false},
		{ModeAuto, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			s := newTestSelector(tt.mode)
			assert.Equal(t, tt.want, s.NeedsAddressConfiguration())
		})
	}
}

func TestSelectorStreamSendsInOrder(t *testing.T) {
	backend := &fakeBackend{kind: ModeWifi}
	s := newTestSelector(ModeWifi, backend)
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)

	buf := audio.NewFrameBuffer(5)
	for i := byte(1); i <= 3; i++ {
		buf.Push(audio.Packet{Data: []byte{i}, SampleRate: 16000, Channels: 1, Format: audio.FormatI16})
	}
	buf.Push(audio.Packet{})

	var stop atomic.Bool
	done := make(chan error)
	go func() { done <- s.Stream(context.Background(), buf, func() bool { return !stop.Load() }) }()

	require.Eventually(t, func() bool { return len(backend.sent()) == 3 }, time.Second, 5*time.Millisecond)
	stop.Store(true)
	require.NoError(t, <-done)

	assert.Equal(t, [][]byte{{1}, {2}, {3}}, backend.sent())
	assert.True(t, backend.IsAlive(), "Stream must not tear the backend down")
	assert.Equal(t, 0, backend.disconnected)
}

func TestSelectorStreamStopsWhenSessionDies(t *testing.T) {
	backend := &fakeBackend{kind: ModeWifi, sendErr: errors.New("broken pipe")}
	s := newTestSelector(ModeWifi, backend)
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)

	buf := audio.NewFrameBuffer(5)
	buf.Push(audio.Packet{Data: []byte{1}})
	err = s.Stream(context.Background(), buf, func() bool { return true })
	assert.ErrorIs(t, err, ErrSessionLost)

	backend.alive.Store(false)
	err = s.Stream(context.Background(), buf, func() bool { return true })
	assert.ErrorIs(t, err, ErrSessionLost)
}

func TestSelectorStreamWithoutBackend(t *testing.T) {
	s := newTestSelector(ModeWifi)
	err := s.Stream(context.Background(), audio.NewFrameBuffer(1), func() bool { return true })
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSelectorStreamUsesOrderedEncodingForDatagrams(t *testing.T) {
	backend := &fakeBackend{kind: ModeUDP}
	s := newTestSelector(ModeUDP, backend)
	_, err := s.Initialize(context.Background())
	require.NoError(t, err)

	buf := audio.NewFrameBuffer(5)
	buf.Push(audio.Packet{Data: []byte{9, 9}, SampleRate: 16000, Channels: 1, Format: audio.FormatI16})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Stream(ctx, buf, func() bool { return true }) }()
	require.Eventually(t, func() bool { return len(backend.sent()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	seq, p, err := wire.DecodeOrdered(backend.sent()[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(0), seq)
	assert.Equal(t, []byte{9, 9}, p.Data)
}

func TestSelectorSetEndpointReachesActiveBackend(t *testing.T) {
	s := NewSelector(DefaultOptions(), ModeWifi, wire.EncodingRaw)
	ep, err := ParseEndpoint("10.0.0.2", "6000")
	require.NoError(t, err)

	s.SetEndpoint(ep)
	assert.Equal(t, ep, s.Endpoint())

	socket := NewSocketBackend(DefaultOptions())
	s.mu.Lock()
	s.active = socket
	s.mu.Unlock()

	next, err := ParseEndpoint("10.0.0.3", "6001")
	require.NoError(t, err)
	s.SetEndpoint(next)
	assert.Equal(t, next, socket.endpoint)
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeAuto, ModeWifi, ModeBluetooth, ModeUSB, ModeUDP, ModeADB} {
		parsed, err := ParseMode(strings.ToLower(m.String()))
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
		assert.True(t, m.Valid())
	}
	_, err := ParseMode("carrier-pigeon")
	assert.Error(t, err)
	assert.False(t, Mode(42).Valid())
}
