package receiver

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/babelcloud/micstream/internal/audio"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/pkg/errors"
)

// WebMRecorder stores PCM packets in a single-track WebM container. The
// track is created from the first packet; later packets must match it.
type WebMRecorder struct {
	mu          sync.Mutex
	writer      io.Writer
	audioWriter webm.BlockWriteCloser
	logger      *slog.Logger

	format   audio.SampleFormat
	rate     int
	channels int
	samples  uint64
	failed   error
}

func NewWebMRecorder(w io.Writer) *WebMRecorder {
	return &WebMRecorder{
		writer: w,
		logger: util.Component("webm"),
	}
}

// writerCloser stops forwarding writes after the first failure
type writerCloser struct {
	writer io.Writer
	logger *slog.Logger
	closed bool
}

func (wc *writerCloser) Write(p []byte) (n int, err error) {
	if wc.closed {
		return 0, io.ErrClosedPipe
	}

	n, err = wc.writer.Write(p)
	if err != nil {
		wc.logger.Warn("Write error detected, marking writer as closed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"data_size", len(p),
			"bytes_written", n)
		wc.closed = true
	}
	return n, err
}

func (wc *writerCloser) Close() error {
	wc.closed = true
	return nil
}

func pcmCodecID(f audio.SampleFormat) string {
	if f == audio.FormatF32 {
		return "A_PCM/FLOAT/IEEE"
	}
	return "A_PCM/INT/LIT"
}

func (r *WebMRecorder) writeHeader(p audio.Packet) error {
	writers, err := webm.NewSimpleBlockWriter(&writerCloser{writer: r.writer, logger: r.logger}, []webm.TrackEntry{
		{
			Name:        "Microphone",
			TrackNumber: 1,
			TrackUID:    1,
			CodecID:     pcmCodecID(p.Format),
			TrackType:   2, // Audio track type
			Audio: &webm.Audio{
				SamplingFrequency: float64(p.SampleRate),
				Channels:          uint64(p.Channels),
			},
		},
	}, mkvcore.WithOnFatalHandler(func(err error) {
		r.logger.Warn("WebM writer failed", "error", err)
		r.failed = err
	}))
	if err != nil {
		return errors.Wrap(err, "failed to create webm writer")
	}

	r.audioWriter = writers[0]
	r.format, r.rate, r.channels = p.Format, p.SampleRate, p.Channels
	r.logger.Info("Recording started", "codec", pcmCodecID(p.Format), "rate", p.SampleRate, "channels", p.Channels, "format", p.Format)
	return nil
}

func (r *WebMRecorder) WritePacket(p audio.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed != nil {
		return r.failed
	}
	if len(p.Data) == 0 {
		return nil
	}
	if p.SampleRate <= 0 || p.Channels <= 0 {
		return errors.Wrap(audio.ErrUnsupportedFormat, "packet without sample rate or channel count")
	}

	if r.audioWriter == nil {
		if err := r.writeHeader(p); err != nil {
			return err
		}
	} else if p.Format != r.format || p.SampleRate != r.rate || p.Channels != r.channels {
		return errors.Wrapf(audio.ErrUnsupportedFormat, "stream changed from %s/%dHz/%dch to %s/%dHz/%dch",
			r.format, r.rate, r.channels, p.Format, p.SampleRate, p.Channels)
	}

	ts := time.Duration(r.samples) * time.Second / time.Duration(r.rate)
	if _, err := r.audioWriter.Write(true, ts.Milliseconds(), p.Data); err != nil {
		return errors.Wrap(err, "failed to write audio block")
	}
	r.samples += uint64(len(p.Data) / (p.Format.BytesPerSample() * p.Channels))
	return nil
}

// Duration is the amount of audio recorded so far
func (r *WebMRecorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rate == 0 {
		return 0
	}
	return time.Duration(r.samples) * time.Second / time.Duration(r.rate)
}

// Close finalizes the container and closes the underlying writer if it is a Closer
func (r *WebMRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.audioWriter != nil {
		err = r.audioWriter.Close()
		r.audioWriter = nil
		r.logger.Info("Recording finalized", "samples", r.samples)
	}
	if c, ok := r.writer.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
