package audio

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SampleFormat identifies the PCM sample encoding of a frame
type SampleFormat int

const (
	FormatU8 SampleFormat = iota + 1
	FormatI16
	FormatI24Packed
	FormatI32
	FormatF32
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrNoDevice          = errors.New("no audio input device")
)

// BytesPerSample returns the width of one sample of one channel
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatU8:
		return 1
	case FormatI16:
		return 2
	case FormatI24Packed:
		return 3
	case FormatI32, FormatF32:
		return 4
	default:
		return 0
	}
}

func (f SampleFormat) String() string {
	switch f {
	case FormatU8:
		return "u8"
	case FormatI16:
		return "i16"
	case FormatI24Packed:
		return "i24"
	case FormatI32:
		return "i32"
	case FormatF32:
		return "f32"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// AndroidEncoding maps the format to the AudioFormat.ENCODING_* id receivers expect
func (f SampleFormat) AndroidEncoding() int32 {
	switch f {
	case FormatU8:
		return 3
	case FormatI16:
		return 2
	case FormatI24Packed:
		return 21
	case FormatI32:
		return 22
	case FormatF32:
		return 4
	default:
		return 0
	}
}

// FormatFromAndroidEncoding is the inverse of AndroidEncoding
func FormatFromAndroidEncoding(id int32) (SampleFormat, error) {
	for _, f := range []SampleFormat{FormatU8, FormatI16, FormatI24Packed, FormatI32, FormatF32} {
		if f.AndroidEncoding() == id {
			return f, nil
		}
	}
	return 0, errors.Wrapf(ErrUnsupportedFormat, "encoding id %d", id)
}

// ParseSampleFormat accepts the short names used in configuration
func ParseSampleFormat(s string) (SampleFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "u8":
		return FormatU8, nil
	case "i16", "s16", "s16le":
		return FormatI16, nil
	case "i24", "s24", "s24_3le":
		return FormatI24Packed, nil
	case "i32", "s32", "s32le":
		return FormatI32, nil
	case "f32", "float", "float32le":
		return FormatF32, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedFormat, "%q", s)
}

// Packet is one captured frame plus the metadata needed to play it back.
// Packets are created once by the capture loop and handed to exactly one sender.
type Packet struct {
	Data       []byte
	SampleRate int
	Format     SampleFormat
	Channels   int
	Captured   time.Time
}

// Spec describes what the capture device is asked to produce
type Spec struct {
	SampleRate    int
	Channels      int
	Format        SampleFormat
	FrameDuration time.Duration
}

// DefaultSpec matches the sender's default 16 kHz mono 16-bit capture
func DefaultSpec() Spec {
	return Spec{
		SampleRate:    16000,
		Channels:      1,
		Format:        FormatI16,
		FrameDuration: 20 * time.Millisecond,
	}
}

// Validate rejects combinations no capture device can produce
func (s Spec) Validate() error {
	if s.SampleRate < 8000 || s.SampleRate > 192000 {
		return errors.Wrapf(ErrUnsupportedFormat, "sample rate %d", s.SampleRate)
	}
	if s.Channels != 1 && s.Channels != 2 {
		return errors.Wrapf(ErrUnsupportedFormat, "channel count %d", s.Channels)
	}
	if s.Format.BytesPerSample() == 0 {
		return errors.Wrapf(ErrUnsupportedFormat, "sample format %s", s.Format)
	}
	if s.FrameBytes() <= 0 {
		return errors.Wrapf(ErrUnsupportedFormat, "invalid minimum buffer size for %s", s)
	}
	return nil
}

// FrameBytes is the size of one frame of FrameDuration, rounded down to whole samples
func (s Spec) FrameBytes() int {
	samples := int(int64(s.SampleRate) * int64(s.FrameDuration) / int64(time.Second))
	return samples * s.Channels * s.Format.BytesPerSample()
}

func (s Spec) String() string {
	return fmt.Sprintf("%dHz/%dch/%s/%s", s.SampleRate, s.Channels, s.Format, s.FrameDuration)
}
