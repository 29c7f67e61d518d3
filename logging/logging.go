// Package logging defines the leveled-logging interface the mesh engine and
// the krtrd command are handed at construction, plus a logrus-backed default
// implementation. No library package in this module writes to stdout or
// calls the standard library's log package directly; their log output goes
// through a Logger so a host application can redirect, filter, or structure
// it as it sees fit. Only the krtrd command prints directly (its keygen
// result and fatal errors).
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the minimal leveled-logging surface KRTR packages depend on.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	// With returns a Logger that prefixes subsequent entries with the
	// given key/value pair, for per-peer or per-component context.
	With(key string, value any) Logger
}

// logrusLogger adapts *logrus.Entry to Logger.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrus builds a Logger backed by logrus, at the given level name
// ("debug", "info", "warn", "error"). An unrecognized level falls back to
// info.
func NewLogrus(level string) Logger {
	l := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

func (l *logrusLogger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) With(key string, value any) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

// Nop is a Logger that discards everything, useful in tests.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any)     {}
func (nopLogger) Infof(string, ...any)      {}
func (nopLogger) Warnf(string, ...any)      {}
func (nopLogger) Errorf(string, ...any)     {}
func (n nopLogger) With(string, any) Logger { return n }
