package wire

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babelcloud/micstream/internal/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SessionState is the handshake state of one connection
type SessionState int32

const (
	StateUnverified SessionState = iota
	StateVerified
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateVerified:
		return "verified"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotVerified   = errors.New("session not verified")
)

// DefaultWriteTimeout bounds a single frame write on streams that support deadlines
const DefaultWriteTimeout = 2 * time.Second

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Session is one connection to a receiver. Frames may only be sent once the
// handshake has verified the peer; any write failure closes the session.
type Session struct {
	ID     string
	Remote string

	conn         io.ReadWriteCloser
	state        atomic.Int32
	writeMu      sync.Mutex
	closeOnce    sync.Once
	writeTimeout time.Duration

	framesSent atomic.Uint64
	bytesSent  atomic.Uint64
	opened     time.Time

	logger *slog.Logger
}

func NewSession(conn io.ReadWriteCloser, remote string) *Session {
	id := uuid.New().String()
	return &Session{
		ID:           id,
		Remote:       remote,
		conn:         conn,
		writeTimeout: DefaultWriteTimeout,
		opened:       time.Now(),
		logger:       util.Component("wire").With("session", id[:8], "remote", remote),
	}
}

// Verify runs the handshake. On failure the session is closed.
func (s *Session) Verify(timeout time.Duration) error {
	if s.State() != StateUnverified {
		return errors.Errorf("cannot verify session in state %s", s.State())
	}
	if err := Handshake(s.conn, timeout); err != nil {
		s.Close()
		return err
	}
	if !s.state.CompareAndSwap(int32(StateUnverified), int32(StateVerified)) {
		return ErrSessionClosed
	}
	s.logger.Debug("Handshake verified")
	return nil
}

// Trust marks the session verified without a handshake, for media where
// the peer cannot answer (plain datagrams)
func (s *Session) Trust() {
	s.state.CompareAndSwap(int32(StateUnverified), int32(StateVerified))
}

// Send writes payload as one frame
func (s *Session) Send(payload []byte) error {
	switch s.State() {
	case StateClosed:
		return ErrSessionClosed
	case StateUnverified:
		return ErrNotVerified
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if d, ok := s.conn.(writeDeadliner); ok && s.writeTimeout > 0 {
		d.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := WriteFrame(s.conn, payload); err != nil {
		s.logger.Warn("Frame write failed, closing session", "error", err)
		s.Close()
		return errors.Wrap(ErrSessionClosed, err.Error())
	}
	s.framesSent.Add(1)
	s.bytesSent.Add(uint64(len(payload) + frameHeaderSize))
	return nil
}

// Close moves the session to Closed and releases the connection
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		err = s.conn.Close()
		s.logger.Debug("Session closed", "frames", s.framesSent.Load(), "bytes", s.bytesSent.Load())
	})
	return err
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Alive reports whether frames can still be sent
func (s *Session) Alive() bool {
	return s.State() == StateVerified
}

func (s *Session) FramesSent() uint64 { return s.framesSent.Load() }
func (s *Session) BytesSent() uint64  { return s.bytesSent.Load() }

func (s *Session) String() string {
	return fmt.Sprintf("%s [%s] %d frames, %d bytes, up %s",
		s.Remote, s.State(), s.framesSent.Load(), s.bytesSent.Load(), time.Since(s.opened).Truncate(time.Second))
}
