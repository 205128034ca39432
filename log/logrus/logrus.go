// Package logrus adapts a logrus entry to tiercache.Logger.
package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/tiercache"
)

var _ tiercache.Logger = LogrusLogger{}

type LogrusLogger struct{ E *logrus.Entry }

// New tags every line with component=name.
func New(l *logrus.Logger, name string) LogrusLogger {
	e := logrus.NewEntry(l)
	if name != "" {
		e = e.WithField("component", name)
	}
	return LogrusLogger{E: e}
}

func (l LogrusLogger) Debug(msg string, f tiercache.Fields) { l.log(logrus.DebugLevel, msg, f) }
func (l LogrusLogger) Info(msg string, f tiercache.Fields)  { l.log(logrus.InfoLevel, msg, f) }
func (l LogrusLogger) Warn(msg string, f tiercache.Fields)  { l.log(logrus.WarnLevel, msg, f) }
func (l LogrusLogger) Error(msg string, f tiercache.Fields) { l.log(logrus.ErrorLevel, msg, f) }

func (l LogrusLogger) log(lvl logrus.Level, msg string, f tiercache.Fields) {
	if !l.E.Logger.IsLevelEnabled(lvl) {
		return
	}
	e := l.E
	if err, ok := f["err"].(error); ok {
		e = e.WithError(err)
		rest := make(logrus.Fields, len(f))
		for k, v := range f {
			if k != "err" {
				rest[k] = v
			}
		}
		e.WithFields(rest).Log(lvl, msg)
		return
	}
	e.WithFields(logrus.Fields(f)).Log(lvl, msg)
}
