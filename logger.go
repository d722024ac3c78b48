package kernel

import "go.uber.org/zap"

// Logger defines the structured logging surface every subsystem in this
// module takes at construction: bus, scheduler, watchdog, memory monitor,
// and the lifecycle manager itself. Variadic key-value pairs keep this
// compatible with slog, logrus, zap, or any other structured backend an
// embedding application already uses.
//
//	logger.Info("module loaded", "moduleId", id, "durationMs", 12)
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Critical(msg string, args ...any)
}

// ZapLogger adapts a *zap.Logger to Logger. Zap has no Trace or Critical
// level; Trace maps to Debug and Critical maps to Error, both tagged with a
// level_hint field so log processors can still distinguish them.
type ZapLogger struct {
	z *zap.SugaredLogger
}

// NewZapLogger wraps z as the default Logger implementation.
func NewZapLogger(z *zap.Logger) *ZapLogger {
	return &ZapLogger{z: z.Sugar()}
}

func (l *ZapLogger) Trace(msg string, args ...any) {
	l.z.Debugw(msg, append(args, "level_hint", "trace")...)
}

func (l *ZapLogger) Debug(msg string, args ...any) { l.z.Debugw(msg, args...) }
func (l *ZapLogger) Info(msg string, args ...any)  { l.z.Infow(msg, args...) }
func (l *ZapLogger) Warn(msg string, args ...any)  { l.z.Warnw(msg, args...) }
func (l *ZapLogger) Error(msg string, args ...any) { l.z.Errorw(msg, args...) }

func (l *ZapLogger) Critical(msg string, args ...any) {
	l.z.Errorw(msg, append(args, "level_hint", "critical")...)
}

// noopLogger discards everything; used as New's default when no Logger is
// supplied.
type noopLogger struct{}

func (noopLogger) Trace(string, ...any)    {}
func (noopLogger) Debug(string, ...any)    {}
func (noopLogger) Info(string, ...any)     {}
func (noopLogger) Warn(string, ...any)     {}
func (noopLogger) Error(string, ...any)    {}
func (noopLogger) Critical(string, ...any) {}
