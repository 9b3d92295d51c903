package audio

import (
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ReaderSource replays raw PCM from a reader such as a file or stdin.
// With realtime set, frames are released at the capture cadence.
type ReaderSource struct {
	r        io.Reader
	spec     Spec
	realtime bool

	mu        sync.Mutex
	pump      *framePump
	recording atomic.Bool
	released  bool
}

func NewReaderSource(r io.Reader, spec Spec, realtime bool) (*ReaderSource, error) {
	if r == nil {
		return nil, errors.Wrap(ErrNoDevice, "nil reader")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &ReaderSource{r: r, spec: spec, realtime: realtime}, nil
}

func (s *ReaderSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errors.New("audio source already released")
	}
	if s.pump == nil {
		var pace time.Duration
		if s.realtime {
			pace = s.spec.FrameDuration
		}
		s.pump = startFramePump(s.r, s.spec.FrameBytes(), pace)
	}
	s.recording.Store(true)
	return nil
}

// Stop pauses delivery; the underlying reader keeps its position
func (s *ReaderSource) Stop() error {
	s.recording.Store(false)
	return nil
}

func (s *ReaderSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording.Store(false)
	s.released = true
	if s.pump != nil {
		s.pump.stop()
		s.pump = nil
	}
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *ReaderSource) Recording() bool {
	return s.recording.Load()
}

func (s *ReaderSource) NextFrame(timeout time.Duration) ([]byte, error) {
	if !s.recording.Load() {
		return nil, nil
	}
	s.mu.Lock()
	pump := s.pump
	s.mu.Unlock()
	if pump == nil {
		return nil, nil
	}
	return pump.next(timeout)
}

// ToneSource synthesizes a sine wave, useful when no microphone is attached
type ToneSource struct {
	spec      Spec
	frequency float64

	mu        sync.Mutex
	phase     float64
	next      time.Time
	recording bool
	released  bool
}

func NewToneSource(spec Spec, frequency float64) (*ToneSource, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if frequency <= 0 || frequency >= float64(spec.SampleRate)/2 {
		return nil, errors.Errorf("tone frequency %.1f out of range for %d Hz", frequency, spec.SampleRate)
	}
	return &ToneSource{spec: spec, frequency: frequency}, nil
}

func (s *ToneSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errors.New("audio source already released")
	}
	s.recording = true
	s.next = time.Now()
	return nil
}

func (s *ToneSource) Stop() error {
	s.mu.Lock()
	s.recording = false
	s.mu.Unlock()
	return nil
}

func (s *ToneSource) Release() error {
	s.mu.Lock()
	s.recording = false
	s.released = true
	s.mu.Unlock()
	return nil
}

func (s *ToneSource) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

func (s *ToneSource) NextFrame(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return nil, nil
	}
	wait := time.Until(s.next)
	s.mu.Unlock()

	if wait > timeout {
		time.Sleep(timeout)
		return nil, nil
	}
	if wait > 0 {
		time.Sleep(wait)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	frame := s.render()
	s.next = s.next.Add(s.spec.FrameDuration)
	return frame, nil
}

func (s *ToneSource) render() []byte {
	width := s.spec.Format.BytesPerSample()
	samples := s.spec.FrameBytes() / (width * s.spec.Channels)
	frame := make([]byte, 0, s.spec.FrameBytes())
	step := 2 * math.Pi * s.frequency / float64(s.spec.SampleRate)

	for i := 0; i < samples; i++ {
		v := 0.5 * math.Sin(s.phase)
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
		for c := 0; c < s.spec.Channels; c++ {
			frame = appendSample(frame, s.spec.Format, v)
		}
	}
	return frame
}

// appendSample encodes v in [-1, 1] as one little-endian sample
func appendSample(b []byte, f SampleFormat, v float64) []byte {
	switch f {
	case FormatU8:
		return append(b, byte(128+int(v*127)))
	case FormatI16:
		s := int16(v * math.MaxInt16)
		return append(b, byte(s), byte(s>>8))
	case FormatI24Packed:
		s := int32(v * 8388607)
		return append(b, byte(s), byte(s>>8), byte(s>>16))
	case FormatI32:
		s := int32(v * math.MaxInt32)
		return append(b, byte(s), byte(s>>8), byte(s>>16), byte(s>>24))
	case FormatF32:
		bits := math.Float32bits(float32(v))
		return append(b, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	return b
}
