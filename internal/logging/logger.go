// Package logging is the structured logger used by sealkeeper. Logger has a
// slog implementation (json and text output) and a zap one; New picks by the
// configured log format.
package logging

import "context"

// Logger is a context-aware, structured logger. args are key-value pairs:
//
//	log.Info(ctx, "archive created", "archive_id", id, "threshold", m)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that adds args to every record.
	With(args ...any) Logger
}
