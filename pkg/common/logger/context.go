package logger

import "context"

// LoggerContext accumulates key/value pairs over the course of an operation
// so that later log lines carry everything learned so far.
type LoggerContext struct {
	base *Logger
	args []any
}

// NewLoggerContext wraps the provided logger.
func NewLoggerContext(l *Logger) *LoggerContext { return &LoggerContext{base: l} }

// Add appends a key/value pair to every subsequent record.
func (lc *LoggerContext) Add(key string, value any) { lc.args = append(lc.args, key, value) }

// Logger returns a Logger carrying the accumulated pairs.
func (lc *LoggerContext) Logger() *Logger { return lc.base.With(lc.args...) }

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelDebug, 3, msg, lc.merge(args)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelInfo, 3, msg, lc.merge(args)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelWarn, 3, msg, lc.merge(args)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelError, 3, msg, lc.merge(args)...)
}

func (lc *LoggerContext) merge(args []any) []any {
	out := make([]any, 0, len(lc.args)+len(args))
	out = append(out, lc.args...)
	return append(out, args...)
}
