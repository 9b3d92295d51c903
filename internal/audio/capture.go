package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/micstream/internal/util"
	"github.com/pkg/errors"
)

const (
	// DefaultRetryDelay is how long the loop waits after an empty read
	DefaultRetryDelay = 20 * time.Millisecond
	defaultReadWait   = 100 * time.Millisecond
)

// CaptureLoop moves frames from a Source into a FrameBuffer
type CaptureLoop struct {
	src        Source
	spec       Spec
	buf        *FrameBuffer
	denoiser   Denoiser
	retryDelay time.Duration
	readWait   time.Duration
	logger     *slog.Logger

	runMu      sync.Mutex
	captured   atomic.Uint64
	emptyReads atomic.Uint64
}

type CaptureOption func(*CaptureLoop)

// WithDenoiser runs d on every frame before it is buffered
func WithDenoiser(d Denoiser) CaptureOption {
	return func(c *CaptureLoop) { c.denoiser = d }
}

func WithRetryDelay(d time.Duration) CaptureOption {
	return func(c *CaptureLoop) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// NewCaptureLoop fails when the source is missing or the spec cannot be captured
func NewCaptureLoop(src Source, spec Spec, buf *FrameBuffer, opts ...CaptureOption) (*CaptureLoop, error) {
	if src == nil {
		return nil, ErrNoDevice
	}
	if buf == nil {
		return nil, errors.New("capture loop needs a frame buffer")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	c := &CaptureLoop{
		src:        src,
		spec:       spec,
		buf:        buf,
		retryDelay: DefaultRetryDelay,
		readWait:   defaultReadWait,
		logger:     util.GetLogger().With("component", "capture"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run captures until keepGoing reports false or ctx ends. The source is
// stopped on return but not released.
func (c *CaptureLoop) Run(ctx context.Context, keepGoing func() bool) error {
	done, err := c.Start(ctx, keepGoing)
	if err != nil {
		return err
	}
	return <-done
}

// Start starts the source on the calling goroutine and runs the loop on a
// new one. The channel receives the loop result when it exits.
func (c *CaptureLoop) Start(ctx context.Context, keepGoing func() bool) (<-chan error, error) {
	c.runMu.Lock()
	if err := c.src.Start(); err != nil {
		c.runMu.Unlock()
		return nil, errors.Wrap(err, "failed to start audio source")
	}

	done := make(chan error, 1)
	go func() {
		defer c.runMu.Unlock()
		done <- c.loop(ctx, keepGoing)
	}()
	return done, nil
}

func (c *CaptureLoop) loop(ctx context.Context, keepGoing func() bool) error {
	defer func() {
		if err := c.src.Stop(); err != nil {
			c.logger.Warn("Failed to stop audio source", "error", err)
		}
	}()

	c.logger.Info("Capture started", "spec", c.spec.String())
	defer c.logger.Info("Capture stopped", "frames", c.captured.Load(), "empty_reads", c.emptyReads.Load())

	for keepGoing() {
		if ctx.Err() != nil {
			return nil
		}

		var frame []byte
		if c.src.Recording() {
			var err error
			frame, err = c.src.NextFrame(c.readWait)
			if err != nil {
				return errors.Wrap(err, "audio source read failed")
			}
		}

		if len(frame) == 0 {
			c.emptyReads.Add(1)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		if c.denoiser != nil {
			frame = c.denoiser.Denoise(frame)
		}

		if c.buf.Push(Packet{
			Data:       frame,
			SampleRate: c.spec.SampleRate,
			Format:     c.spec.Format,
			Channels:   c.spec.Channels,
			Captured:   time.Now(),
		}) {
			c.logger.Debug("Buffer full, dropped oldest frame", "dropped", c.buf.Dropped())
		}
		c.captured.Add(1)
	}
	return nil
}

// Close releases the device; call it only after Run has returned
func (c *CaptureLoop) Close() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.src.Release()
}

func (c *CaptureLoop) Spec() Spec {
	return c.spec
}

func (c *CaptureLoop) FramesCaptured() uint64 {
	return c.captured.Load()
}

func (c *CaptureLoop) EmptyReads() uint64 {
	return c.emptyReads.Load()
}
