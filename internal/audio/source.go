package audio

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Source is the capture device. NextFrame returns nil, nil when no frame
// was ready within timeout; that is not an error.
type Source interface {
	Start() error
	Stop() error
	Release() error
	Recording() bool
	NextFrame(timeout time.Duration) ([]byte, error)
}

// SourceConfig selects and parameterizes a Source
type SourceConfig struct {
	Kind    string // command, file, tone
	Command []string
	File    string
	Spec    Spec
}

// OpenSource builds the Source named by cfg.Kind. Construction fails if the
// spec is invalid or the device cannot be used.
func OpenSource(cfg SourceConfig) (Source, error) {
	if err := cfg.Spec.Validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Kind) {
	case "", "command":
		argv := cfg.Command
		if len(argv) == 0 {
			argv = DefaultRecorderCommand(cfg.Spec)
		}
		return NewCommandSource(argv, cfg.Spec)
	case "file":
		if cfg.File == "" || cfg.File == "-" {
			return NewReaderSource(os.Stdin, cfg.Spec, true)
		}
		f, err := os.Open(cfg.File)
		if err != nil {
			return nil, errors.Wrapf(ErrNoDevice, "open %s: %v", cfg.File, err)
		}
		return NewReaderSource(f, cfg.Spec, true)
	case "tone":
		return NewToneSource(cfg.Spec, 440)
	}
	return nil, errors.Errorf("unknown audio source %q", cfg.Kind)
}

// framePump reads fixed-size frames from r into a small channel so that
// NextFrame can wait with a timeout on readers that only block.
type framePump struct {
	frames    chan []byte
	done      chan struct{}
	err       atomic.Value
	closeOnce sync.Once
}

func startFramePump(r io.Reader, frameBytes int, pace time.Duration) *framePump {
	p := &framePump{
		frames: make(chan []byte, 4),
		done:   make(chan struct{}),
	}
	go p.run(r, frameBytes, pace)
	return p
}

func (p *framePump) run(r io.Reader, frameBytes int, pace time.Duration) {
	defer close(p.frames)

	var ticker *time.Ticker
	if pace > 0 {
		ticker = time.NewTicker(pace)
		defer ticker.Stop()
	}

	for {
		frame := make([]byte, frameBytes)
		if _, err := io.ReadFull(r, frame); err != nil {
			p.err.Store(err)
			return
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-p.done:
				return
			}
		}
		select {
		case p.frames <- frame:
		case <-p.done:
			return
		}
	}
}

func (p *framePump) next(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame, ok := <-p.frames:
		if !ok {
			return nil, p.failure()
		}
		return frame, nil
	case <-timer.C:
		return nil, nil
	}
}

func (p *framePump) failure() error {
	if err, ok := p.err.Load().(error); ok && err != nil {
		return err
	}
	return io.EOF
}

func (p *framePump) stop() {
	p.closeOnce.Do(func() { close(p.done) })
}
