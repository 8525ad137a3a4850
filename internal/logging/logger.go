// Package logging defines the structured-logging interface used across the
// identity host. The only implementation wraps log/slog.
package logging

import "context"

// Logger is a context-aware, structured logger.
//
// The variadic args are interpreted as key–value pairs, e.g.:
//
//	log.Info(ctx, "outbox item delivered", "recipient", r, "attempt", n)
type Logger interface {
	// Debug logs chatty per-item progress.
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs an informational message, including expected rejections.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs unusual but non-fatal conditions such as discarded poison items.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs invariant violations and unexpected failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key–value pairs.
	With(args ...any) Logger
}

// Nop discards everything. Handy in tests and for optional collaborators.
type Nop struct{}

func (Nop) Debug(context.Context, string, ...any) {}
func (Nop) Info(context.Context, string, ...any)  {}
func (Nop) Warn(context.Context, string, ...any)  {}
func (Nop) Error(context.Context, string, ...any) {}
func (n Nop) With(...any) Logger                  { return n }
