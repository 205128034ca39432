// Package zap adapts a *zap.Logger to tiercache.Logger.
package zap

import (
	"sort"

	"github.com/unkn0wn-root/tiercache"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ tiercache.Logger = ZapLogger{}

type ZapLogger struct{ L *zap.Logger }

// New names the logger after the coordinator it will serve, e.g.
// "overlay" or "readwrite". An empty name leaves l unnamed.
func New(l *zap.Logger, name string) ZapLogger {
	if name != "" {
		l = l.Named(name)
	}
	return ZapLogger{L: l}
}

func (z ZapLogger) Debug(msg string, f tiercache.Fields) { z.log(zapcore.DebugLevel, msg, f) }
func (z ZapLogger) Info(msg string, f tiercache.Fields)  { z.log(zapcore.InfoLevel, msg, f) }
func (z ZapLogger) Warn(msg string, f tiercache.Fields)  { z.log(zapcore.WarnLevel, msg, f) }
func (z ZapLogger) Error(msg string, f tiercache.Fields) { z.log(zapcore.ErrorLevel, msg, f) }

func (z ZapLogger) log(lvl zapcore.Level, msg string, f tiercache.Fields) {
	ce := z.L.Check(lvl, msg)
	if ce == nil {
		return
	}
	ce.Write(zf(f)...)
}

func zf(f tiercache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
