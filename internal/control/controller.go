package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/babelcloud/micstream/internal/audio"
	"github.com/babelcloud/micstream/internal/transport"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// DefaultStopTimeout bounds how long a stop command waits for its loop
const DefaultStopTimeout = 3 * time.Second

// ErrLoopBusy is returned by a start command while the loop from an earlier
// run has not exited yet
var ErrLoopBusy = errors.New("previous loop is still shutting down")

// Link is the transport side driven by the controller; *transport.Selector implements it
type Link interface {
	Initialize(ctx context.Context) (transport.Mode, error)
	Stream(ctx context.Context, buf *audio.FrameBuffer, keepGoing func() bool) error
	Shutdown() error
	Mode() transport.Mode
	SetMode(m transport.Mode)
	Endpoint() transport.Endpoint
	SetEndpoint(ep transport.Endpoint)
	Selected() transport.Mode
	Describe() string
}

// Capturer is the audio side; *audio.CaptureLoop implements it
type Capturer interface {
	Start(ctx context.Context, keepGoing func() bool) (<-chan error, error)
	Close() error
}

// Controller executes control commands. It owns the capture and send
// goroutines; callers only ever go through Handle.
type Controller struct {
	state   State
	buf     *audio.FrameBuffer
	link    Link
	capture Capturer
	events  *EventBus

	stopTimeout time.Duration
	modeCheck   func(transport.Mode) error

	ctx    context.Context
	cancel context.CancelFunc

	streamStartMu sync.Mutex
	audioStartMu  sync.Mutex

	loopMu     sync.Mutex
	streamDone chan struct{}
	audioDone  chan struct{}

	errMu   sync.Mutex
	lastErr string

	logger *slog.Logger
}

type Option func(*Controller)

func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// NewController wires the loops together. capture may be nil when no
// audio device is available; START_AUDIO then fails.
func NewController(link Link, capture Capturer, buf *audio.FrameBuffer, opts ...Option) *Controller {
	if buf == nil {
		buf = audio.NewFrameBuffer(audio.DefaultBufferCapacity)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		buf:         buf,
		link:        link,
		capture:     capture,
		events:      NewEventBus(),
		stopTimeout: DefaultStopTimeout,
		ctx:         ctx,
		cancel:      cancel,
		logger:      util.Component("control"),
	}
	c.state.setMode(link.Mode())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithModeCheck vetoes SET_MODE values the current audio format cannot use
func WithModeCheck(check func(transport.Mode) error) Option {
	return func(c *Controller) {
		c.modeCheck = check
	}
}

func (c *Controller) Events() *EventBus { return c.events }

// State exposes the live flags
func (c *Controller) State() *State { return &c.state }

// Handle runs one command on the caller's goroutine
func (c *Controller) Handle(ctx context.Context, cmd Command) Reply {
	c.logger.Debug("Handling command", "op", cmd.Op)

	var reply Reply
	switch cmd.Op {
	case StartStream:
		reply = c.startStream(ctx)
	case StopStream:
		reply = c.stopStream()
	case StartAudio:
		reply = c.startAudio()
	case StopAudio:
		reply = c.stopAudio()
	case DisconnectStream:
		reply = c.disconnect()
	case SetIPPort:
		reply = c.setEndpoint(cmd.IP, cmd.Port)
	case SetMode:
		reply = c.setMode(cmd.Mode)
	case GetStatus:
		reply = Reply{OK: true}
	default:
		reply = Reply{Error: errors.Errorf("unknown opcode %d", int(cmd.Op)).Error()}
	}

	reply.Op = cmd.Op
	reply.Status = c.Snapshot()
	if cmd.Op != GetStatus && reply.OK {
		c.events.Publish(Event{Type: EventStatus, Reason: cmd.Op.String(), Status: reply.Status})
	}
	return reply
}

func (c *Controller) startStream(ctx context.Context) Reply {
	c.streamStartMu.Lock()
	defer c.streamStartMu.Unlock()
	if !c.state.streamRunning.CompareAndSwap(false, true) {
		return Reply{OK: true, Message: "stream already started"}
	}
	// a send loop abandoned by a timed out stop still owns the link
	if !c.settled(&c.streamDone) {
		c.state.streamRunning.Store(false)
		return Reply{Error: ErrLoopBusy.Error()}
	}
	// the old loop clears the flag on its way out
	c.state.streamRunning.Store(true)
	c.state.streamStopRequested.Store(false)
	c.buf.Reset()

	mode, err := c.link.Initialize(ctx)
	if err != nil {
		c.state.streamRunning.Store(false)
		c.setLastError(err)
		c.logger.Warn("Failed to start stream", "error", err)
		return Reply{Error: err.Error()}
	}

	done := make(chan struct{})
	c.loopMu.Lock()
	c.streamDone = done
	c.loopMu.Unlock()
	go c.runStream(done)

	c.logger.Info("Stream started", "mode", mode)
	return Reply{OK: true, Message: "connected to " + c.link.Describe()}
}

// runStream drives the send loop. It shuts the link down before clearing
// streamRunning so a later START_STREAM never races the teardown.
func (c *Controller) runStream(done chan struct{}) {
	err := c.link.Stream(c.ctx, c.buf, func() bool { return !c.state.streamStopRequested.Load() })
	stopped := c.state.streamStopRequested.Load()

	if shutdownErr := c.link.Shutdown(); shutdownErr != nil {
		c.logger.Debug("Transport shutdown after stream", "error", shutdownErr)
	}
	c.state.streamRunning.Store(false)
	close(done)

	if err != nil && !stopped {
		c.setLastError(err)
		c.logger.Warn("Stream lost", "error", err)
		c.events.Publish(Event{Type: EventStreamLost, Reason: err.Error(), Status: c.Snapshot()})
	}
}

func (c *Controller) stopStream() Reply {
	if !c.state.streamRunning.Load() {
		return Reply{OK: true, Message: "stream not running"}
	}
	c.state.streamStopRequested.Store(true)

	c.loopMu.Lock()
	done := c.streamDone
	c.loopMu.Unlock()
	if !c.wait(done) {
		c.logger.Warn("Send loop did not stop in time", "timeout", c.stopTimeout)
		c.link.Shutdown()
	}
	c.state.streamRunning.Store(false)
	return Reply{OK: true, Message: "stream stopped"}
}

func (c *Controller) startAudio() Reply {
	if c.capture == nil {
		c.setLastError(audio.ErrNoDevice)
		return Reply{Error: audio.ErrNoDevice.Error()}
	}
	c.audioStartMu.Lock()
	defer c.audioStartMu.Unlock()
	if !c.state.audioRunning.CompareAndSwap(false, true) {
		return Reply{OK: true, Message: "audio already started"}
	}
	if !c.settled(&c.audioDone) {
		c.state.audioRunning.Store(false)
		return Reply{Error: ErrLoopBusy.Error()}
	}
	c.state.audioRunning.Store(true)
	c.state.audioStopRequested.Store(false)
	c.buf.Reset()

	result, err := c.capture.Start(c.ctx, func() bool { return !c.state.audioStopRequested.Load() })
	if err != nil {
		c.state.audioRunning.Store(false)
		c.setLastError(err)
		c.logger.Warn("Failed to start audio", "error", err)
		return Reply{Error: err.Error()}
	}

	done := make(chan struct{})
	c.loopMu.Lock()
	c.audioDone = done
	c.loopMu.Unlock()

	go func() {
		err := <-result
		stopped := c.state.audioStopRequested.Load()
		c.state.audioRunning.Store(false)
		close(done)
		if err != nil && !stopped {
			c.setLastError(err)
			c.logger.Warn("Capture failed", "error", err)
			c.events.Publish(Event{Type: EventAudioLost, Reason: err.Error(), Status: c.Snapshot()})
		}
	}()
	return Reply{OK: true, Message: "recording"}
}

func (c *Controller) stopAudio() Reply {
	if !c.state.audioRunning.Load() {
		return Reply{OK: true, Message: "audio not running"}
	}
	c.state.audioStopRequested.Store(true)

	c.loopMu.Lock()
	done := c.audioDone
	c.loopMu.Unlock()
	if !c.wait(done) {
		c.logger.Warn("Capture loop did not stop in time", "timeout", c.stopTimeout)
	}
	c.state.audioRunning.Store(false)
	return Reply{OK: true, Message: "audio stopped"}
}

// disconnect tears the transport down whatever the flags say. A running
// send loop notices the dead session and reports it lost; the reply waits
// for that so a following START_STREAM sees a cleared flag.
func (c *Controller) disconnect() Reply {
	if err := c.link.Shutdown(); err != nil {
		c.logger.Debug("Transport shutdown reported an error", "error", err)
	}
	if !c.state.streamRunning.Load() {
		return Reply{OK: true, Message: "disconnected"}
	}

	c.loopMu.Lock()
	done := c.streamDone
	c.loopMu.Unlock()
	if !c.wait(done) {
		c.logger.Warn("Send loop did not exit after disconnect", "timeout", c.stopTimeout)
	}
	return Reply{OK: true, Message: "disconnected"}
}

func (c *Controller) setEndpoint(ip, port string) Reply {
	ep, err := transport.ParseEndpoint(ip, port)
	if err != nil {
		return Reply{Error: err.Error()}
	}
	c.link.SetEndpoint(ep)
	return Reply{OK: true, Message: "endpoint set to " + ep.String()}
}

func (c *Controller) setMode(name string) Reply {
	m, err := transport.ParseMode(name)
	if err != nil {
		return Reply{Error: err.Error()}
	}
	if c.modeCheck != nil {
		if err := c.modeCheck(m); err != nil {
			return Reply{Error: err.Error()}
		}
	}
	c.state.setMode(m)
	c.link.SetMode(m)
	return Reply{OK: true, Message: "mode set to " + m.String()}
}

// Snapshot reads every flag once; flags may move independently between reads
func (c *Controller) Snapshot() Status {
	c.errMu.Lock()
	lastErr := c.lastErr
	c.errMu.Unlock()

	return Status{
		StreamRunning:       c.state.StreamRunning(),
		StreamStopRequested: c.state.StreamStopRequested(),
		AudioRunning:        c.state.AudioRunning(),
		AudioStopRequested:  c.state.AudioStopRequested(),
		Mode:                c.state.Mode().String(),
		Selected:            c.link.Selected().String(),
		Transport:           c.link.Describe(),
		Endpoint:            c.link.Endpoint().String(),
		Buffered:            c.buf.Len(),
		Dropped:             c.buf.Dropped(),
		LastError:           lastErr,
	}
}

func (c *Controller) setLastError(err error) {
	c.errMu.Lock()
	c.lastErr = err.Error()
	c.errMu.Unlock()
}

// settled waits for the loop behind *done to exit
func (c *Controller) settled(done *chan struct{}) bool {
	c.loopMu.Lock()
	prev := *done
	c.loopMu.Unlock()
	if c.wait(prev) {
		return true
	}
	c.logger.Warn("Previous loop is still running", "timeout", c.stopTimeout)
	return false
}

func (c *Controller) wait(done chan struct{}) bool {
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(c.stopTimeout):
		return false
	}
}

// Close stops both loops, releases the transport and the audio device
func (c *Controller) Close() error {
	c.state.streamStopRequested.Store(true)
	c.state.audioStopRequested.Store(true)
	c.cancel()

	c.loopMu.Lock()
	streamDone, audioDone := c.streamDone, c.audioDone
	c.loopMu.Unlock()
	c.wait(streamDone)
	c.wait(audioDone)

	err := c.link.Shutdown()
	if c.capture != nil {
		err = multierr.Append(err, c.capture.Close())
	}
	c.events.Close()
	return err
}
