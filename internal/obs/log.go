package obs

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	once  sync.Once
	base  *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	if v {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

type Fields map[string]any

func logger() *zap.Logger {
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = level
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		cfg.DisableStacktrace = true
		cfg.Sampling = nil
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

func toZap(f Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func Info(msg string, f Fields)  { logger().Info(msg, toZap(f)...) }
func Warn(msg string, f Fields)  { logger().Warn(msg, toZap(f)...) }
func Error(msg string, f Fields) { logger().Error(msg, toZap(f)...) }
func Debug(msg string, f Fields) {
	if level.Enabled(zapcore.DebugLevel) {
		logger().Debug(msg, toZap(f)...)
	}
}

// Sync flushes buffered log entries; call before exit.
func Sync() { _ = logger().Sync() }
