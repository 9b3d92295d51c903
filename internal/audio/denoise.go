package audio

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// MaxGateThreshold is the largest gate threshold, on the 16-bit sample scale
const MaxGateThreshold = math.MaxInt16

// Denoiser cleans one frame. Output has the same length as the input and
// the input is never modified.
type Denoiser interface {
	Denoise(frame []byte) []byte
}

// DenoiseFunc adapts a plain function to Denoiser
type DenoiseFunc func([]byte) []byte

func (f DenoiseFunc) Denoise(frame []byte) []byte { return f(frame) }

// NoiseGate silences samples whose magnitude is below Threshold. Threshold is
// expressed on the 16-bit scale and applied proportionally to wider formats.
type NoiseGate struct {
	Format    SampleFormat
	Threshold int
}

// NewNoiseGate checks the threshold range and that the format is known
func NewNoiseGate(format SampleFormat, threshold int) (NoiseGate, error) {
	if format.BytesPerSample() == 0 {
		return NoiseGate{}, errors.Wrapf(ErrUnsupportedFormat, "noise gate for %s", format)
	}
	if threshold < 0 || threshold > MaxGateThreshold {
		return NoiseGate{}, errors.Errorf("denoise threshold %d out of range 0..%d", threshold, MaxGateThreshold)
	}
	return NoiseGate{Format: format, Threshold: threshold}, nil
}

func (g NoiseGate) Denoise(frame []byte) []byte {
	out := make([]byte, len(frame))
	copy(out, frame)

	format := g.Format
	if format == 0 {
		format = FormatI16
	}
	size := format.BytesPerSample()
	if size == 0 || g.Threshold <= 0 {
		return out
	}
	limit := float64(g.Threshold) / 32768

	for i := 0; i+size <= len(out); i += size {
		sample := out[i : i+size]
		if math.Abs(normalizedSample(format, sample)) < limit {
			silence(format, sample)
		}
	}
	return out
}

// normalizedSample decodes one little-endian sample to [-1, 1]
func normalizedSample(f SampleFormat, b []byte) float64 {
	switch f {
	case FormatU8:
		return (float64(b[0]) - 128) / 128
	case FormatI16:
		return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
	case FormatI24Packed:
		v := int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16)
		v = v << 8 >> 8
		return float64(v) / (1 << 23)
	case FormatI32:
		return float64(int32(binary.LittleEndian.Uint32(b))) / (1 << 31)
	case FormatF32:
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		if math.IsNaN(v) {
			return 0
		}
		return v
	}
	return 1
}

func silence(f SampleFormat, b []byte) {
	if f == FormatU8 {
		b[0] = 128
		return
	}
	clear(b)
}
