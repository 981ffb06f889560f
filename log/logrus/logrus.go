// Package logrus adapts a *logrus.Entry to cachekv.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/cachekv"
)

var _ cachekv.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New tags every entry with component=cachekv.
func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "cachekv")}
}

func (l Logger) Debug(msg string, f cachekv.Fields) { l.E.WithFields(logrus.Fields(f)).Debug(msg) }
func (l Logger) Info(msg string, f cachekv.Fields)  { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f cachekv.Fields)  { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f cachekv.Fields) { l.E.WithFields(logrus.Fields(f)).Error(msg) }
