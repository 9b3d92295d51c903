package audio

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	procgroup "github.com/babelcloud/micstream/internal/proc_group"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/pkg/errors"
)

// CommandSource captures from an external recorder that writes raw PCM to stdout
type CommandSource struct {
	argv []string
	spec Spec

	mu       sync.Mutex
	cmd      *exec.Cmd
	pump     *framePump
	released bool
}

// DefaultRecorderCommand returns the platform recorder invocation for spec
func DefaultRecorderCommand(spec Spec) []string {
	rate := strconv.Itoa(spec.SampleRate)
	channels := strconv.Itoa(spec.Channels)

	switch runtime.GOOS {
	case "darwin", "windows":
		bits, encoding := "16", "signed-integer"
		switch spec.Format {
		case FormatU8:
			bits, encoding = "8", "unsigned-integer"
		case FormatI24Packed:
			bits = "24"
		case FormatI32:
			bits = "32"
		case FormatF32:
			bits, encoding = "32", "floating-point"
		}
		return []string{"sox", "-q", "-d", "-t", "raw", "-b", bits, "-e", encoding, "-r", rate, "-c", channels, "-"}
	default:
		return []string{"arecord", "-q", "-t", "raw", "-f", alsaFormat(spec.Format), "-r", rate, "-c", channels}
	}
}

func alsaFormat(f SampleFormat) string {
	switch f {
	case FormatU8:
		return "U8"
	case FormatI24Packed:
		return "S24_3LE"
	case FormatI32:
		return "S32_LE"
	case FormatF32:
		return "FLOAT_LE"
	default:
		return "S16_LE"
	}
}

// NewCommandSource validates that the recorder exists and the format is usable
func NewCommandSource(argv []string, spec Spec) (*CommandSource, error) {
	if len(argv) == 0 {
		return nil, errors.Wrap(ErrNoDevice, "empty recorder command")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, errors.Wrapf(ErrNoDevice, "recorder %s not available: %v", argv[0], err)
	}
	return &CommandSource{argv: argv, spec: spec}, nil
}

func (s *CommandSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return errors.New("audio source already released")
	}
	if s.cmd != nil {
		return nil
	}

	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	// Keep terminal signals away from the recorder; Stop owns its lifetime
	procgroup.SetProcGrp(cmd)
	cmd.Stderr = recorderLog{name: filepath.Base(s.argv[0])}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to open recorder stdout")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start recorder %s", s.argv[0])
	}

	util.GetLogger().Debug("Recorder started", "argv", s.argv, "pid", cmd.Process.Pid, "spec", s.spec.String())
	s.cmd = cmd
	s.pump = startFramePump(stdout, s.spec.FrameBytes(), 0)
	return nil
}

func (s *CommandSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *CommandSource) stopLocked() error {
	if s.cmd == nil {
		return nil
	}
	s.pump.stop()
	if err := procgroup.KillGroup(s.cmd); err != nil {
		util.GetLogger().Debug("Recorder kill failed", "error", err)
	}
	s.cmd.Wait()
	s.cmd = nil
	s.pump = nil
	return nil
}

func (s *CommandSource) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return s.stopLocked()
}

func (s *CommandSource) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

func (s *CommandSource) NextFrame(timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	pump := s.pump
	s.mu.Unlock()

	if pump == nil {
		return nil, nil
	}
	frame, err := pump.next(timeout)
	if err != nil {
		return nil, errors.Wrap(err, "recorder stream ended")
	}
	return frame, nil
}

func (s *CommandSource) String() string {
	return fmt.Sprintf("command %s (%s)", s.argv[0], s.spec)
}

// recorderLog relays the recorder's stderr into the debug log
type recorderLog struct {
	name string
}

func (w recorderLog) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			util.GetCompatLogger().Debugf("%s: %s", w.name, line)
		}
	}
	return len(p), nil
}
