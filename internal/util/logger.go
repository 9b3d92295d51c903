package util

import (
	"bytes"
	"fmt"
	"log"
	"log/slog"
)

// Logger offers Printf style helpers on top of slog for code that formats its own messages
type Logger struct {
	slogLogger *slog.Logger
}

// GetCompatLogger returns a Printf style logger backed by the global slog logger
func GetCompatLogger() *Logger {
	return &Logger{
		slogLogger: GetLogger(),
	}
}

func (l *Logger) Printf(format string, v ...interface{}) {
	l.slogLogger.Info(fmt.Sprintf(format, v...))
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	if IsVerbose() {
		l.slogLogger.Debug(fmt.Sprintf(format, v...))
	}
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.slogLogger.Error(fmt.Sprintf(format, v...))
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.slogLogger.Warn(fmt.Sprintf(format, v...))
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.slogLogger.Info(fmt.Sprintf(format, v...))
}

// SetupGlobalLogger routes the standard log package through slog so that
// HTTP server errors land in the same stream as everything else
func SetupGlobalLogger() {
	log.SetFlags(0)
	log.SetOutput(logWriter{})
}

type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	GetLogger().Info(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}
