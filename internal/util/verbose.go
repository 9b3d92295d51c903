package util

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	logger    *slog.Logger
	loggerMu  sync.Mutex
	logOutput io.Writer = os.Stderr
	verbose   bool
)

// InitLogger installs the process-wide slog logger. Debug records are only
// emitted when verbose is set.
func InitLogger(v bool) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	verbose = v
	installLocked()
}

// SetLogOutput redirects every subsequent log record, used by the daemon to
// write into its log file
func SetLogOutput(w io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logOutput = w
	installLocked()
}

func installLocked() {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(logOutput, opts))
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		installLocked()
	}
	return logger
}

// Component returns a child logger tagged with the component name
func Component(name string) *slog.Logger {
	return GetLogger().With("component", name)
}

// IsVerbose reports whether --verbose was passed on the command line or set by InitLogger
func IsVerbose() bool {
	loggerMu.Lock()
	v := verbose
	loggerMu.Unlock()
	if v {
		return true
	}
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return false
}
