package uploadgw

import "go.uber.org/zap"

// Logger is the adapter interface the gateway uses for logging throughout
// the staging store, object-store client, and finalization pipeline.
//
// It accepts simple key/value variadic pairs to keep call sites concise and
// to decouple from any particular structured-logging Field type.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// coreLogger is the minimal interface expected from
// github.com/gostratum/core/logx implementations, letting callers wrap a
// core logger without importing its concrete types at every call site.
type coreLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// WrapCoreLogger wraps a core logger implementation into the gateway's
// Logger interface.
func WrapCoreLogger(l coreLogger) Logger {
	if l == nil {
		return &nopLogger{}
	}
	return &coreLoggerAdapter{l}
}

// NewZapLogger wraps a *zap.Logger (the gateway's default production logger,
// configured from Config.EnableLogging at startup) into the
// gateway's Logger interface.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		return &nopLogger{}
	}
	return &zapLoggerAdapter{l.Sugar()}
}

// NewNopLogger returns a no-op logger implementing Logger.
func NewNopLogger() Logger { return &nopLogger{} }

type coreLoggerAdapter struct{ l coreLogger }

func (z *coreLoggerAdapter) Debug(msg string, args ...any) {
	if z.l != nil {
		z.l.Debug(msg, args...)
	}
}
func (z *coreLoggerAdapter) Info(msg string, args ...any) {
	if z.l != nil {
		z.l.Info(msg, args...)
	}
}
func (z *coreLoggerAdapter) Warn(msg string, args ...any) {
	if z.l != nil {
		z.l.Warn(msg, args...)
	}
}
func (z *coreLoggerAdapter) Error(msg string, args ...any) {
	if z.l != nil {
		z.l.Error(msg, args...)
	}
}

type zapLoggerAdapter struct{ l *zap.SugaredLogger }

func (z *zapLoggerAdapter) Debug(msg string, args ...any) { z.l.Debugw(msg, args...) }
func (z *zapLoggerAdapter) Info(msg string, args ...any)  { z.l.Infow(msg, args...) }
func (z *zapLoggerAdapter) Warn(msg string, args ...any)  { z.l.Warnw(msg, args...) }
func (z *zapLoggerAdapter) Error(msg string, args ...any) { z.l.Errorw(msg, args...) }

type nopLogger struct{}

func (n *nopLogger) Debug(_ string, _ ...any) {}
func (n *nopLogger) Info(_ string, _ ...any)  {}
func (n *nopLogger) Warn(_ string, _ ...any)  {}
func (n *nopLogger) Error(_ string, _ ...any) {}
