package control

import (
	"sync/atomic"

	"github.com/babelcloud/micstream/internal/transport"
)

// State holds the flags shared by command handlers and the two loops.
// Every field is independently atomic; no command updates two flags as a unit.
type State struct {
	streamRunning       atomic.Bool
	streamStopRequested atomic.Bool
	audioRunning        atomic.Bool
	audioStopRequested  atomic.Bool
	mode                atomic.Int32
}

func (s *State) StreamRunning() bool       { return s.streamRunning.Load() }
func (s *State) StreamStopRequested() bool { return s.streamStopRequested.Load() }
func (s *State) AudioRunning() bool        { return s.audioRunning.Load() }
func (s *State) AudioStopRequested() bool  { return s.audioStopRequested.Load() }

// Mode is the preferred medium for the next stream start
func (s *State) Mode() transport.Mode {
	return transport.Mode(s.mode.Load())
}

func (s *State) setMode(m transport.Mode) {
	s.mode.Store(int32(m))
}
