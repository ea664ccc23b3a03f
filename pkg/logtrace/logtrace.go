// Package logtrace is the node's structured logger. It is a thin layer over
// zap that carries a correlation ID through context.Context.
package logtrace

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Setup builds the process logger. env "dev" selects the human readable
// console encoder; anything else selects JSON.
func Setup(service, env string, lvl slog.Level) {
	var cfg zap.Config
	if env == "dev" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	level.SetLevel(toZapLevel(lvl))
	cfg.Level = level

	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		l = zap.NewNop()
	}
	SetLogger(l.With(zap.String("service", service)))
}

// SetLogger replaces the process logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// SetLevel changes the minimum level of a logger built by Setup.
func SetLevel(lvl slog.Level) {
	level.SetLevel(toZapLevel(lvl))
}

// ParseLevel maps a textual level to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Sync flushes buffered entries.
func Sync() {
	mu.RLock()
	l := logger
	mu.RUnlock()
	_ = l.Sync()
}

// CtxWithCorrelationID stores a correlation ID in the context.
func CtxWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationID returns the correlation ID carried by ctx.
func CorrelationID(ctx context.Context) string {
	return extractCorrelationID(ctx)
}

func extractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return "unknown"
}

func Debug(ctx context.Context, message string, fields Fields) {
	write(ctx, zapcore.DebugLevel, message, fields)
}

func Info(ctx context.Context, message string, fields Fields) {
	write(ctx, zapcore.InfoLevel, message, fields)
}

func Warn(ctx context.Context, message string, fields Fields) {
	write(ctx, zapcore.WarnLevel, message, fields)
}

func Error(ctx context.Context, message string, fields Fields) {
	write(ctx, zapcore.ErrorLevel, message, fields)
}

func write(ctx context.Context, lvl zapcore.Level, message string, fields Fields) {
	mu.RLock()
	l := logger
	mu.RUnlock()

	ce := l.Check(lvl, message)
	if ce == nil {
		return
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String(FieldCorrelationID, extractCorrelationID(ctx)))
	for _, k := range names {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	ce.Write(zf...)
}

func toZapLevel(l slog.Level) zapcore.Level {
	switch {
	case l <= slog.LevelDebug:
		return zapcore.DebugLevel
	case l <= slog.LevelInfo:
		return zapcore.InfoLevel
	case l <= slog.LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
