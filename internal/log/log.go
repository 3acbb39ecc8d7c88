// Package log provides the structured logger used across the indexer
// runtime, wrapping zap behind a small interface so call sites never
// import zap directly.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging surface every component in this module depends
// on. It never returns an error: logging is best-effort by design (see
// the Host Bridge's log capability, which must never fail the guest).
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a child logger carrying the given fields on every
	// subsequent call, useful for attaching a uid or block height once
	// per executor rather than repeating it at every call site.
	With(fields ...Field) Logger
}

// Field is a single structured key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field; the short name keeps call sites readable:
// logger.Info("committed batch", log.F("uid", uid), log.F("cursor", cursor))
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

type zapLogger struct {
	z *zap.Logger
}

// New builds a Logger writing JSON-encoded records to w (os.Stderr in
// production) at the given level. levelName accepts the usual zap level
// names; an unknown name falls back to info.
func New(w io.Writer, levelName string) Logger {
	if w == nil {
		w = os.Stderr
	}
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), parseLevel(levelName))
	return &zapLogger{z: zap.New(core, zap.AddCaller())}
}

// NewConsole builds a human-readable console logger, suitable for local
// development and the CLI's default output.
func NewConsole(levelName string) Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoder := zapcore.NewConsoleEncoder(cfg)
	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), parseLevel(levelName))
	return &zapLogger{z: zap.New(core)}
}

func parseLevel(levelName string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZapFields(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.z.Info(msg, toZapFields(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, toZapFields(fields)...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.z.Error(msg, toZapFields(fields)...) }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(toZapFields(fields)...)}
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

// Nop returns a Logger that discards everything; useful in tests that
// don't care about log output.
func Nop() Logger {
	return &zapLogger{z: zap.NewNop()}
}
