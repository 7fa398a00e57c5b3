// Package gwlog is the gateway's structured logger, built on
// go.uber.org/zap, with an Op helper that logs a call-in/result-out
// pair around one operation.
package gwlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a *zap.Logger with the field vocabulary this module's
// packages share: file_id, block_id, op, and so on.
type Logger struct {
	z *zap.Logger
}

// New builds a Logger at the given debug level. Level 0 is Info, 1 is
// Debug; anything higher is still Debug (zap has no finer
// stdlib-visible granularity).
func New(debugLevel int) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	if debugLevel > 0 {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// With returns a Logger with the given structured fields attached to
// every subsequent entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes buffered log entries; callers should defer this at
// process shutdown.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Op logs the start of a dispatcher/replication/vacuum/closure call as
// "X called" and returns a function to log its completion as
// "X returned" (or the failure).
func (l *Logger) Op(name string, fields ...zap.Field) func(err error) {
	l.z.Debug(name+" called", fields...)
	return func(err error) {
		if err != nil {
			l.z.Warn(name+" returned error", zap.String("op", name), zap.Error(err))
			return
		}
		l.z.Debug(name + " returned")
	}
}
