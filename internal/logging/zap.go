package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.uber.org/zap"
)

// ZapLogger adapts a *zap.SugaredLogger to Logger. Key-value pairs are passed
// through as zap's loosely typed fields.
type ZapLogger struct {
	l *zap.SugaredLogger
}

func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{l: l.Sugar()}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() *ZapLogger {
	return NewZapLogger(zap.NewNop())
}

func (z *ZapLogger) Debug(_ context.Context, msg string, args ...any) {
	z.l.Debugw(msg, args...)
}

func (z *ZapLogger) Info(_ context.Context, msg string, args ...any) {
	z.l.Infow(msg, args...)
}

func (z *ZapLogger) Warn(_ context.Context, msg string, args ...any) {
	z.l.Warnw(msg, args...)
}

func (z *ZapLogger) Error(_ context.Context, msg string, args ...any) {
	z.l.Errorw(msg, args...)
}

func (z *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{l: z.l.With(args...)}
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.l.Sync()
}

// New builds the process logger for the configured format: "json" or "text"
// (slog handlers on w, info level) or "zap" (zap production config, always
// stderr).
func New(format string, w io.Writer) (Logger, error) {
	switch format {
	case "", "json", "text":
		if w == nil {
			w = os.Stdout
		}
		return NewSlogLogger(slog.New(newSlogHandler(format, w, slog.LevelInfo))), nil
	case "zap":
		cfg := zap.NewProductionConfig()
		cfg.Sampling = nil
		l, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return NewZapLogger(l), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
