// Package logger provides the structured, key/value logger used across the
// module. It is a thin layer over zap's SugaredLogger so that packages depend
// on a small interface instead of zap directly.
//
//	log := logger.Default().With("component", "logdb")
//	log.Info("database opened", "path", path, "records", n)
package logger

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a leveled logger taking alternating key/value pairs.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)

	// With returns a child logger that always includes kv.
	With(kv ...any) Logger

	// Sync flushes any buffered log entries.
	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New wraps a zap logger.
func New(z *zap.Logger) Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &zapLogger{s: z.Sugar()}
}

// NewProduction returns a JSON logger at the given level.
func NewProduction(level zapcore.Level) (Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

// MustProduction is like NewProduction at info level but panics on error.
func MustProduction() Logger {
	l, err := NewProduction(zapcore.InfoLevel)
	if err != nil {
		panic(err)
	}
	return l
}

// NewDevelopment returns a human-readable console logger.
func NewDevelopment() (Logger, error) {
	z, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return New(z), nil
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return New(zap.NewNop())
}

// ParseLevel maps "debug", "info", "warn", "error" to a zap level.
// Unknown strings resolve to info.
func ParseLevel(s string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

func (l *zapLogger) With(kv ...any) Logger {
	return &zapLogger{s: l.s.With(kv...)}
}

func (l *zapLogger) Sync() error { return l.s.Sync() }

// ---------------------------------------------------------------------------
// Process-wide default
// ---------------------------------------------------------------------------

var defaultLogger atomic.Pointer[Logger]

func init() {
	l := Nop()
	defaultLogger.Store(&l)
}

// Default returns the process-wide logger. It discards output until
// SetDefault is called.
func Default() Logger {
	return *defaultLogger.Load()
}

// SetDefault replaces the process-wide logger. A nil logger is ignored.
func SetDefault(l Logger) {
	if l == nil {
		return
	}
	defaultLogger.Store(&l)
}

// SyncDefault flushes the process-wide logger, ignoring the error zap
// reports for unsyncable outputs such as terminals.
func SyncDefault() {
	_ = Default().Sync()
}

// Fatal logs at error level on the default logger, flushes, and exits.
func Fatal(msg string, kv ...any) {
	l := Default()
	l.Error(msg, kv...)
	_ = l.Sync()
	os.Exit(1)
}
