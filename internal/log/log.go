// Package log defines the small logging seam used throughout coapum, so
// transport, session and observe never depend on a concrete logging
// library directly.
package log

import "github.com/sirupsen/logrus"

// Logger is the minimal surface every package in this module logs
// through. Any *logrus.Logger, *logrus.Entry or equivalent adapter
// satisfies it without further wrapping.
type Logger interface {
	Printf(format string, v ...interface{})
}

// logrusLogger adapts a *logrus.Entry to Logger.
type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger builds the default Logger, logging through base at
// info level with the given fields attached to every line.
func NewLogrusLogger(base *logrus.Logger, fields logrus.Fields) Logger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return &logrusLogger{entry: base.WithFields(fields)}
}

func (l *logrusLogger) Printf(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

// Nop discards everything logged through it.
type Nop struct{}

func (Nop) Printf(string, ...interface{}) {}
