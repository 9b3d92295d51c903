package transport

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/babelcloud/micstream/internal/audio"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/babelcloud/micstream/internal/wire"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// AutoOrder is the fallback order used when no mode was requested. Datagram
// is left out: opening a UDP socket cannot fail, so it would always win.
var AutoOrder = []Mode{ModeBluetooth, ModeWifi, ModeUSB, ModeADB}

// popWait bounds how long the send loop blocks on an empty buffer
const popWait = 100 * time.Millisecond

// Factory builds a fresh backend for one medium
type Factory func(opts Options) Backend

// DefaultFactories maps every mode to its backend
func DefaultFactories() map[Mode]Factory {
	return map[Mode]Factory{
		ModeWifi:      func(o Options) Backend { return NewSocketBackend(o) },
		ModeUDP:       func(o Options) Backend { return NewDatagramBackend(o) },
		ModeADB:       func(o Options) Backend { return NewADBBackend(o) },
		ModeUSB:       func(o Options) Backend { return NewSerialBackend(o) },
		ModeBluetooth: func(o Options) Backend { return NewRadioBackend(o) },
	}
}

// SelectionError reports that every candidate medium failed
type SelectionError struct {
	Attempts []error
}

func (e *SelectionError) Error() string {
	msgs := make([]string, 0, len(e.Attempts))
	for _, err := range e.Attempts {
		msgs = append(msgs, err.Error())
	}
	return "no transport available: " + strings.Join(msgs, " (AND) ")
}

func (e *SelectionError) Unwrap() []error {
	return e.Attempts
}

// Selector owns the single active backend and the send loop feeding it
type Selector struct {
	mu        sync.Mutex
	factories map[Mode]Factory
	opts      Options
	mode      Mode
	order     []Mode
	encoding  wire.Encoding
	active    Backend
	selected  Mode

	logger *slog.Logger
}

func NewSelector(opts Options, mode Mode, encoding wire.Encoding) *Selector {
	return &Selector{
		factories: DefaultFactories(),
		opts:      opts,
		mode:      mode,
		order:     append([]Mode(nil), AutoOrder...),
		encoding:  encoding,
		selected:  ModeAuto,
		logger:    util.Component("selector"),
	}
}

// SetFactory replaces the backend constructor for one mode
func (s *Selector) SetFactory(m Mode, f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == nil {
		delete(s.factories, m)
		return
	}
	s.factories[m] = f
}

// SetMode sets the preferred medium for the next Initialize
func (s *Selector) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

func (s *Selector) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetEndpoint sets the receiver address for the next Initialize. An active
// backend keeps its session.
func (s *Selector) SetEndpoint(ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Endpoint = ep
	if u, ok := s.active.(AddressUpdater); ok {
		if err := u.UpdateAddress(ep); err != nil {
			s.logger.Debug("Active backend rejected address update", "error", err)
		}
	}
}

func (s *Selector) Endpoint() Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Endpoint
}

// Candidates returns the media Initialize will try, in order
func (s *Selector) Candidates() []Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidatesLocked()
}

func (s *Selector) candidatesLocked() []Mode {
	if s.mode != ModeAuto {
		return []Mode{s.mode}
	}
	return append([]Mode(nil), s.order...)
}

// Initialize tears down any active backend and connects the first medium
// that succeeds. When all fail the returned *SelectionError lists every attempt.
func (s *Selector) Initialize(ctx context.Context) (Mode, error) {
	if err := s.Shutdown(); err != nil {
		s.logger.Warn("Previous backend did not shut down cleanly", "error", err)
	}

	s.mu.Lock()
	candidates := s.candidatesLocked()
	opts := s.opts
	factories := make(map[Mode]Factory, len(s.factories))
	for m, f := range s.factories {
		factories[m] = f
	}
	s.mu.Unlock()

	var failures error
	for _, m := range candidates {
		if ctx.Err() != nil {
			failures = multierr.Append(failures, ctx.Err())
			break
		}

		factory, ok := factories[m]
		if !ok {
			failures = multierr.Append(failures, errors.Wrapf(ErrUnsupported, "%s", m))
			continue
		}

		backend := factory(opts)
		s.logger.Debug("Trying transport", "mode", m)
		if err := backend.Connect(ctx); err != nil {
			s.logger.Info("Transport unavailable", "mode", m, "error", err)
			backend.Disconnect()
			failures = multierr.Append(failures, errors.Wrapf(err, "%s", m))
			continue
		}

		s.mu.Lock()
		s.active = backend
		s.selected = m
		s.mu.Unlock()
		s.logger.Info("Transport selected", "mode", m, "session", backend.Describe())
		return m, nil
	}

	return ModeAuto, &SelectionError{Attempts: multierr.Errors(failures)}
}

// NeedsAddressConfiguration reports whether the medium in use, or the
// requested one if none is active, is addressed by IP endpoint
func (s *Selector) NeedsAddressConfiguration() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.selected
	if s.active == nil {
		m = s.mode
	}
	return m == ModeWifi || m == ModeUDP
}

// Selected returns the connected medium, or ModeAuto when none is
func (s *Selector) Selected() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Selector) Describe() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "none"
	}
	return s.selected.String() + ": " + s.active.Describe()
}

// IsAlive reports whether a connected backend can still send
func (s *Selector) IsAlive() bool {
	s.mu.Lock()
	b := s.active
	s.mu.Unlock()
	return b != nil && b.IsAlive()
}

// Stream drains buf into the active backend until keepGoing reports false,
// ctx ends or the session dies. It never tears the backend down.
func (s *Selector) Stream(ctx context.Context, buf *audio.FrameBuffer, keepGoing func() bool) error {
	s.mu.Lock()
	backend := s.active
	mode := s.selected
	encoder := wire.NewEncoder(s.encoding, mode == ModeUDP)
	s.mu.Unlock()

	if backend == nil {
		return ErrNotConnected
	}

	s.logger.Info("Streaming started", "mode", mode)
	var sent uint64
	defer func() { s.logger.Info("Streaming stopped", "mode", mode, "frames", sent) }()

	for keepGoing() {
		if !backend.IsAlive() {
			return ErrSessionLost
		}

		p, ok := buf.PopWait(ctx, popWait)
		if ctx.Err() != nil {
			return nil
		}
		if !ok || len(p.Data) == 0 {
			continue
		}

		if err := backend.SendFrame(encoder.Encode(p)); err != nil {
			return errors.Wrap(ErrSessionLost, err.Error())
		}
		sent++
	}
	return nil
}

// Shutdown disconnects and forgets the active backend
func (s *Selector) Shutdown() error {
	s.mu.Lock()
	backend := s.active
	s.active = nil
	s.selected = ModeAuto
	s.mu.Unlock()

	if backend == nil {
		return nil
	}
	s.logger.Debug("Shutting down transport", "mode", backend.Kind())
	return backend.Disconnect()
}
