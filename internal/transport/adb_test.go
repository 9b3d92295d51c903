package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/micstream/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBridge struct {
	mu       sync.Mutex
	serials  []string
	listErr  error
	forwards map[string]int
	removed  []string
	lost     func()
	stopped  bool
}

func (f *fakeBridge) OnlineSerials() ([]string, error) { return f.serials, f.listErr }

func (f *fakeBridge) Forward(serial string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forwards == nil {
		f.forwards = map[string]int{}
	}
	f.forwards[serial] = port
	return nil
}

func (f *fakeBridge) RemoveForward(serial string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, serial)
	return nil
}

func (f *fakeBridge) WatchOffline(serial string, lost func()) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = lost
	return func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
	}, nil
}

func TestADBBackendPicksDevice(t *testing.T) {
	tests := []struct {
		name    string
		serials []string
		want    string
		listErr error
		wantErr bool
	}{
		{name: "first online", serials: []string{"emulator-5554", "R58M"}, want: "emulator-5554"},
		{name: "configured serial", serials: []string{"emulator-5554", "R58M"}, want: "R58M"},
		{name: "configured serial offline", serials: []string{"emulator-5554"}, wantErr: true},
		{name: "no devices", wantErr: true},
		{name: "adb missing", listErr: ErrUnsupported, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			if tt.name == "configured serial" || tt.name == "configured serial offline" {
				opts.ADBSerial = "R58M"
			}
			b := NewADBBackend(opts)
			b.bridge = &fakeBridge{serials: tt.serials, listErr: tt.listErr}
			got, err := b.pickDevice()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestADBBackendStreamsThroughForward(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	frames := make(chan []byte, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if wire.AnswerHandshake(conn, time.Second) != nil {
			return
		}
		for {
			f, err := wire.ReadFrame(conn)
			if err != nil {
				return
			}
			frames <- f
		}
	}()

	opts := DefaultOptions()
	opts.ADBPort = ln.Addr().(*net.TCPAddr).Port
	bridge := &fakeBridge{serials: []string{"emulator-5554"}}
	b := NewADBBackend(opts)
	b.bridge = bridge

	require.NoError(t, b.Connect(context.Background()))
	assert.Equal(t, opts.ADBPort, bridge.forwards["emulator-5554"])
	assert.Contains(t, b.Describe(), "adb(emulator-5554)")

	require.NoError(t, b.SendFrame([]byte("pcm")))
	assert.Equal(t, []byte("pcm"), <-frames)

	bridge.lost()
	assert.False(t, b.IsAlive(), "device going offline kills the session")
	assert.Error(t, b.SendFrame([]byte("late")))

	require.NoError(t, b.Disconnect())
	assert.Equal(t, []string{"emulator-5554"}, bridge.removed)
	assert.True(t, bridge.stopped)
}

func TestADBBackendConnectFailureRemovesForward(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	opts := DefaultOptions()
	opts.ADBPort = port
	bridge := &fakeBridge{serials: []string{"emulator-5554"}}
	b := NewADBBackend(opts)
	b.bridge = bridge

	err = b.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnsupported))
	assert.Equal(t, []string{"emulator-5554"}, bridge.removed)
}
