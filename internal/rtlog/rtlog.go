// Package rtlog is the loader's logging seam: a thin, leveled wrapper over
// the standard library's log package.
package rtlog

import (
	"log"
	"os"
)

// Logger is the levelled logging interface the loader talks to. Infof and
// Errf are always emitted; Debugf is gated behind verbose mode.
type Logger interface {
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Errf(format string, args ...interface{})
}

type stdLogger struct {
	verbose bool
	l       *log.Logger
}

// New returns the default Logger, which writes to stderr with the standard
// log timestamp prefix. Debugf is a no-op unless verbose is true.
func New(verbose bool) Logger {
	return &stdLogger{verbose: verbose, l: log.New(os.Stderr, "", log.LstdFlags)}
}

func (s *stdLogger) Infof(format string, args ...interface{}) {
	s.l.Printf("info: "+format, args...)
}

func (s *stdLogger) Debugf(format string, args ...interface{}) {
	if !s.verbose {
		return
	}
	s.l.Printf("debug: "+format, args...)
}

func (s *stdLogger) Errf(format string, args ...interface{}) {
	s.l.Printf("err: "+format, args...)
}

// Nop returns a Logger that discards everything, useful for tests.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Errf(string, ...interface{})   {}
