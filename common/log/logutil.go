package logutil

import (
	"context"

	"go.uber.org/zap"
)

type ctxKeyType int

const ctxLogKey ctxKeyType = iota

var (
	_globalLogger = newDefaultLogger()
)

// SetLogger replaces the process logger, contexts without their own use it.
func SetLogger(l *zap.Logger) {
	_globalLogger = l
}

// With returns a context whose logger adds fields to every entry, on top
// of what the logger of ctx already adds.
func With(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxLogKey, Logger(ctx).With(fields...))
}

func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
			return l
		}
	}
	return _globalLogger
}

func Sync() error {
	return _globalLogger.Sync()
}

func newDefaultLogger() *zap.Logger {
	lg, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return lg
}
