// Package logger wraps the standard logger with a debug gate so verbose
// output can be redirected away from the TUI.
package logger

import (
	"io"
	"log"
	"os"
)

// Logger wraps standard log with a debug flag.
type Logger struct {
	debug bool
	*log.Logger
}

// New creates a new logger writing to stderr when debug is enabled.
func New(debug bool) *Logger {
	return NewWithWriter(debug, os.Stderr)
}

// NewWithWriter creates a logger writing debug output to w.
func NewWithWriter(debug bool, w io.Writer) *Logger {
	if !debug {
		w = io.Discard
	}
	return &Logger{
		debug:  debug,
		Logger: log.New(w, "", log.LstdFlags),
	}
}

// Printf logs if debug is enabled.
func (l *Logger) Printf(format string, v ...interface{}) {
	if l.debug {
		l.Logger.Printf(format, v...)
	}
}

// Println logs if debug is enabled.
func (l *Logger) Println(v ...interface{}) {
	if l.debug {
		l.Logger.Println(v...)
	}
}

// Fatalf always logs (fatal errors), even with debug off.
func (l *Logger) Fatalf(format string, v ...interface{}) {
	if !l.debug {
		log.New(os.Stderr, "", log.LstdFlags).Fatalf(format, v...)
	}
	l.Logger.Fatalf(format, v...)
}
