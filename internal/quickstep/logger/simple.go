package logger

import (
	"io"
	"log"
)

// SimpleLogger writes level-gated lines through the standard library's
// log.Logger. Use it when embedding quickstep in a process that already
// owns its own log destination.
type SimpleLogger struct {
	out   *log.Logger
	level LogLevel
}

// NewSimpleLogger builds a SimpleLogger at the environment-configured level.
func NewSimpleLogger(name string, w io.Writer) *SimpleLogger {
	return NewSimpleLoggerWithLevel(name, w, LogLevelFromEnvironment())
}

// NewSimpleLoggerWithLevel builds a SimpleLogger at an explicit level.
func NewSimpleLoggerWithLevel(name string, w io.Writer, level LogLevel) *SimpleLogger {
	return &SimpleLogger{
		out:   log.New(w, name+" ", log.LstdFlags),
		level: level,
	}
}

func (l *SimpleLogger) Debugf(format string, args ...any) {
	if l.level <= LogDebug {
		l.out.Printf("DEBUG: "+format, args...)
	}
}

func (l *SimpleLogger) Infof(format string, args ...any) {
	if l.level <= LogInfo {
		l.out.Printf("INFO: "+format, args...)
	}
}

func (l *SimpleLogger) Warningf(format string, args ...any) {
	if l.level <= LogWarn {
		l.out.Printf("WARNING: "+format, args...)
	}
}

func (l *SimpleLogger) Errorf(format string, args ...any) {
	if l.level <= LogError {
		l.out.Printf("ERROR: "+format, args...)
	}
}

func (l *SimpleLogger) Close() error { return nil }
