package util

import (
	"context"

	"go.uber.org/zap"
)

// PubsubLogger adapts a zap logger to pubsub.Logger. The correlation id
// carried by ctx, if any, is added to every entry.
type PubsubLogger struct {
	lg *zap.SugaredLogger
}

func NewPubsubLogger(lg *zap.Logger) *PubsubLogger {
	if lg == nil {
		lg = zap.L()
	}
	return &PubsubLogger{lg: lg.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *PubsubLogger) Debug(ctx context.Context, msg string, kv ...any) {
	l.with(ctx).Debugw(msg, kv...)
}

func (l *PubsubLogger) Info(ctx context.Context, msg string, kv ...any) {
	l.with(ctx).Infow(msg, kv...)
}

func (l *PubsubLogger) Warn(ctx context.Context, msg string, kv ...any) {
	l.with(ctx).Warnw(msg, kv...)
}

func (l *PubsubLogger) Error(ctx context.Context, msg string, kv ...any) {
	l.with(ctx).Errorw(msg, kv...)
}

func (l *PubsubLogger) with(ctx context.Context) *zap.SugaredLogger {
	if ctx == nil {
		return l.lg
	}
	if correlationId, err := CorrelationIdFromCtx(ctx); err == nil {
		return l.lg.With("correlationId", correlationId)
	}
	return l.lg
}
