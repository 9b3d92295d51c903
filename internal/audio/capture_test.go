package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockSource hands out queued frames and records lifecycle calls
type MockSource struct {
	mu        sync.Mutex
	frames    [][]byte
	err       error
	startErr  error
	recording bool
	started   int
	stopped   int
	released  int
	reads     atomic.Int32
}

func (m *MockSource) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started++
	m.recording = true
	return nil
}

func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	m.recording = false
	return nil
}

func (m *MockSource) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

func (m *MockSource) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

func (m *MockSource) NextFrame(timeout time.Duration) ([]byte, error) {
	m.reads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.frames) == 0 {
		return nil, m.err
	}
	f := m.frames[0]
	m.frames = m.frames[1:]
	return f, nil
}

func testSpec() Spec {
	return Spec{SampleRate: 16000, Channels: 1, Format: FormatI16, FrameDuration: 20 * time.Millisecond}
}

func TestNewCaptureLoopValidation(t *testing.T) {
	buf := NewFrameBuffer(5)

	_, err := NewCaptureLoop(nil, testSpec(), buf)
	assert.ErrorIs(t, err, ErrNoDevice)

	bad := testSpec()
	bad.Channels = 6
	_, err = NewCaptureLoop(&MockSource{}, bad, buf)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	bad = testSpec()
	bad.FrameDuration = time.Microsecond
	_, err = NewCaptureLoop(&MockSource{}, bad, buf)
	assert.ErrorIs(t, err, ErrUnsupportedFormat, "a zero-sized frame is an invalid minimum buffer size")
}

func TestCaptureLoopPushesFramesWithMetadata(t *testing.T) {
	src := &MockSource{frames: [][]byte{{1, 0}, {2, 0}, {3, 0}}}
	buf := NewFrameBuffer(5)
	loop, err := NewCaptureLoop(src, testSpec(), buf, WithRetryDelay(time.Millisecond))
	require.NoError(t, err)

	var stop atomic.Bool
	done := make(chan error)
	go func() { done <- loop.Run(context.Background(), func() bool { return !stop.Load() }) }()

	require.Eventually(t, func() bool { return buf.Len() == 3 }, time.Second, 5*time.Millisecond)
	stop.Store(true)
	require.NoError(t, <-done)

	for i := byte(1); i <= 3; i++ {
		p, ok := buf.Pop()
		require.True(t, ok)
		assert.Equal(t, []byte{i, 0}, p.Data)
		assert.Equal(t, 16000, p.SampleRate)
		assert.Equal(t, FormatI16, p.Format)
		assert.Equal(t, 1, p.Channels)
	}
	assert.Equal(t, uint64(3), loop.FramesCaptured())
	assert.Greater(t, loop.EmptyReads(), uint64(0))

	assert.Equal(t, 1, src.started)
	assert.Equal(t, 1, src.stopped)
	assert.Equal(t, 0, src.released, "Run must not release the device")
	require.NoError(t, loop.Close())
	assert.Equal(t, 1, src.released)
}

func TestCaptureLoopAppliesDenoiser(t *testing.T) {
	src := &MockSource{frames: [][]byte{{5, 5}}}
	buf := NewFrameBuffer(5)
	loop, err := NewCaptureLoop(src, testSpec(), buf,
		WithRetryDelay(time.Millisecond),
		WithDenoiser(DenoiseFunc(func(b []byte) []byte { return []byte{0, 0} })))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- loop.Run(ctx, func() bool { return true }) }()
	require.Eventually(t, func() bool { return buf.Len() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	p, ok := buf.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte{0, 0}, p.Data)
}

func TestCaptureLoopEmptyReadsAreNotErrors(t *testing.T) {
	src := &MockSource{}
	buf := NewFrameBuffer(5)
	loop, err := NewCaptureLoop(src, testSpec(), buf, WithRetryDelay(2*time.Millisecond))
	require.NoError(t, err)

	deadline := time.Now().Add(50 * time.Millisecond)
	err = loop.Run(context.Background(), func() bool { return time.Now().Before(deadline) })
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Len())
	assert.Less(t, int(src.reads.Load()), 50, "empty reads must wait between retries")
}

func TestCaptureLoopSourceFailureEndsRun(t *testing.T) {
	src := &MockSource{err: io.ErrUnexpectedEOF}
	loop, err := NewCaptureLoop(src, testSpec(), NewFrameBuffer(5))
	require.NoError(t, err)

	err = loop.Run(context.Background(), func() bool { return true })
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, 1, src.stopped)
}

func TestCaptureLoopStartFailsSynchronously(t *testing.T) {
	src := &MockSource{startErr: ErrNoDevice}
	loop, err := NewCaptureLoop(src, testSpec(), NewFrameBuffer(5))
	require.NoError(t, err)

	done, err := loop.Start(context.Background(), func() bool { return true })
	assert.Nil(t, done)
	assert.ErrorIs(t, err, ErrNoDevice)

	// the loop is reusable once the source recovers
	src.mu.Lock()
	src.startErr = nil
	src.frames = [][]byte{make([]byte, testSpec().FrameBytes())}
	src.mu.Unlock()

	var stop atomic.Bool
	done, err = loop.Start(context.Background(), func() bool { return !stop.Load() })
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return loop.FramesCaptured() == 1 }, time.Second, 5*time.Millisecond)
	stop.Store(true)
	assert.NoError(t, <-done)
}

func TestReaderSourceFrames(t *testing.T) {
	spec := testSpec()
	data := bytes.Repeat([]byte{1, 2}, spec.FrameBytes()) // two frames
	src, err := NewReaderSource(bytes.NewReader(data), spec, false)
	require.NoError(t, err)

	frame, err := src.NextFrame(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, frame, "no frames before Start")

	require.NoError(t, src.Start())
	for i := 0; i < 2; i++ {
		frame, err := src.NextFrame(time.Second)
		require.NoError(t, err)
		assert.Len(t, frame, spec.FrameBytes())
	}
	_, err = src.NextFrame(time.Second)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, src.Release())
	assert.False(t, src.Recording())
}

func TestToneSourceProducesFullFrames(t *testing.T) {
	for _, f := range []SampleFormat{FormatU8, FormatI16, FormatI24Packed, FormatI32, FormatF32} {
		t.Run(f.String(), func(t *testing.T) {
			spec := testSpec()
			spec.Format = f
			spec.Channels = 2
			src, err := NewToneSource(spec, 440)
			require.NoError(t, err)
			require.NoError(t, src.Start())
			frame, err := src.NextFrame(time.Second)
			require.NoError(t, err)
			assert.Len(t, frame, spec.FrameBytes())
		})
	}

	_, err := NewToneSource(testSpec(), 9000)
	assert.Error(t, err, "tone above nyquist")
}

func TestNoiseGate(t *testing.T) {
	in := []byte{0x05, 0x00, 0x00, 0x10, 0xFB, 0xFF} // 5, 4096, -5
	out := NoiseGate{Threshold: 100}.Denoise(in)
	assert.Equal(t, []byte{0, 0, 0x00, 0x10, 0, 0}, out)
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x10, 0xFB, 0xFF}, in, "input must be untouched")
}

func TestNoiseGateFollowsFormat(t *testing.T) {
	quiet := float32(0.001)
	loud := float32(0.5)
	f32 := binary.LittleEndian.AppendUint32(nil, math.Float32bits(quiet))
	f32 = binary.LittleEndian.AppendUint32(f32, math.Float32bits(loud))

	tests := []struct {
		name   string
		format SampleFormat
		in     []byte
		want   []byte
	}{
		{
			name:   "u8 silences toward midpoint",
			format: FormatU8,
			in:     []byte{129, 200, 127, 10},
			want:   []byte{128, 200, 128, 10},
		},
		{
			name:   "i24 keeps three byte alignment",
			format: FormatI24Packed,
			in:     []byte{0x10, 0x00, 0x00, 0x00, 0x00, 0x40, 0xF0, 0xFF, 0xFF},
			want:   []byte{0, 0, 0, 0x00, 0x00, 0x40, 0, 0, 0},
		},
		{
			name:   "i32",
			format: FormatI32,
			in:     []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x40},
			want:   []byte{0, 0, 0, 0, 0x00, 0x00, 0x00, 0x40},
		},
		{
			name:   "f32 gates whole floats",
			format: FormatF32,
			in:     f32,
			want:   append(make([]byte, 4), f32[4:]...),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, err := NewNoiseGate(tt.format, 300)
			require.NoError(t, err)
			in := append([]byte(nil), tt.in...)
			assert.Equal(t, tt.want, gate.Denoise(in))
			assert.Equal(t, tt.in, in, "input must be untouched")
		})
	}
}

func TestNewNoiseGateRejectsBadThreshold(t *testing.T) {
	_, err := NewNoiseGate(FormatI16, MaxGateThreshold+1)
	assert.Error(t, err)
	_, err = NewNoiseGate(FormatI16, -1)
	assert.Error(t, err)
	_, err = NewNoiseGate(SampleFormat(42), 300)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	gate, err := NewNoiseGate(FormatI16, MaxGateThreshold)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0xFF, 0x7F}, gate.Denoise([]byte{0x00, 0x40, 0xFF, 0x7F}))
}

func TestSampleFormats(t *testing.T) {
	for _, f := range []SampleFormat{FormatU8, FormatI16, FormatI24Packed, FormatI32, FormatF32} {
		parsed, err := ParseSampleFormat(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, parsed)

		back, err := FormatFromAndroidEncoding(f.AndroidEncoding())
		require.NoError(t, err)
		assert.Equal(t, f, back)
	}
	_, err := ParseSampleFormat("opus")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Equal(t, 640, testSpec().FrameBytes())
}

func TestOpenSourceRejectsUnknownKind(t *testing.T) {
	_, err := OpenSource(SourceConfig{Kind: "webcam", Spec: testSpec()})
	assert.Error(t, err)

	_, err = OpenSource(SourceConfig{Kind: "command", Command: []string{"definitely-not-a-recorder-binary"}, Spec: testSpec()})
	assert.ErrorIs(t, err, ErrNoDevice)

	src, err := OpenSource(SourceConfig{Kind: "tone", Spec: testSpec()})
	require.NoError(t, err)
	assert.IsType(t, &ToneSource{}, src)
}
