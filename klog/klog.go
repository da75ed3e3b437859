// SPDX-License-Identifier: Unlicense OR MIT

// Package klog is the kernel's leveled logger. Output produced before a sink
// is installed with SetOutput is kept in a ring buffer and replayed once the
// sink becomes available.
package klog

import (
	"fmt"
	"io"
	"sync"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

var (
	mu sync.Mutex

	level = LevelInfo

	// earlyBuffer holds output until SetOutput is called.
	earlyBuffer ringBuffer

	// sink receives all log output. If nil, output goes to earlyBuffer.
	sink io.Writer
)

// SetOutput sets the destination for log output and flushes any output
// buffered so far to it.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	sink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// SetLevel sets the minimum level that gets logged and returns the previous
// one.
func SetLevel(l Level) Level {
	mu.Lock()
	defer mu.Unlock()
	prev := level
	level = l
	return prev
}

// Enabled reports whether messages at level l are logged.
func Enabled(l Level) bool {
	mu.Lock()
	defer mu.Unlock()
	return l >= level
}

// Logger logs messages tagged with a module name.
type Logger struct {
	module string
}

// New returns a Logger for module.
func New(module string) *Logger {
	return &Logger{module: module}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{}) { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{}) { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }

func (l *Logger) logf(lvl Level, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl < level {
		return
	}
	var out io.Writer = &earlyBuffer
	if sink != nil {
		out = sink
	}
	w := PrefixWriter{
		Sink:   out,
		Prefix: []byte(fmt.Sprintf("[%-5s %s] ", lvl, l.module)),
	}
	msg := fmt.Sprintf(format, args...)
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg += "\n"
	}
	io.WriteString(&w, msg)
}
