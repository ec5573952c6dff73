package log

import (
	"context"
	"log/slog"
	"net/http"
)

type ctxKey struct{}

// NewContext returns ctx carrying logger.
func NewContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func fromContext(ctx context.Context) (*Logger, bool) {
	logger, ok := ctx.Value(ctxKey{}).(*Logger)
	return logger, ok
}

// FromContext returns the request logger, or one over slog.Default tagged
// "unknown" when the request never passed through Middleware.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := fromContext(ctx); ok {
		return logger
	}
	return newLogger(slog.Default(), "unknown")
}

// Middleware puts logger on every request context.
func Middleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), logger)))
		})
	}
}

// RequestIDMiddleware tags the request logger with the id the trace
// middleware assigned. It must run inside Middleware.
func RequestIDMiddleware(extractRequestID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := FromContext(r.Context()).With(FieldRequestID, extractRequestID(r))
			next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), logger)))
		})
	}
}

// StructuredLogger writes the domain events handlers report. Entries go
// through the request logger when ctx has one.
type StructuredLogger struct {
	logger *Logger
}

func NewStructuredLogger(logger *Logger) *StructuredLogger {
	return &StructuredLogger{logger: logger}
}

func (sl *StructuredLogger) from(ctx context.Context, component string) *Logger {
	logger, ok := fromContext(ctx)
	if !ok {
		logger = sl.logger
	}
	return logger.WithComponent(component)
}

func (sl *StructuredLogger) LogExpenseQueued(ctx context.Context, id int64, desc string, amountCents int64, category string, attachments int) {
	fields := NewFields().
		WithExpense(desc, amountCents, category, attachments).
		WithOutbox("expense", id).
		WithOperation(OpEnqueue)
	sl.from(ctx, ComponentExpense).InfoContext(ctx, "Expense queued for sync", fields...)
}

// LogCaptureTransition logs state changes at debug and failed steps at warn.
func (sl *StructuredLogger) LogCaptureTransition(ctx context.Context, widgetID, state string, err error, errorKind string) {
	logger := sl.from(ctx, ComponentCapture)
	fields := NewFields().WithCapture(widgetID, state).WithOperation(OpCapture)
	if err != nil {
		logger.WarnContext(ctx, "Capture step failed", fields.WithError(err).WithErrorKind(errorKind)...)
		return
	}
	logger.DebugContext(ctx, "Capture state changed", fields...)
}

func (sl *StructuredLogger) LogError(ctx context.Context, msg string, err error, component, operation string, fields LogFields) {
	sl.from(ctx, component).ErrorContext(ctx, msg, fields.WithError(err).WithOperation(operation)...)
}
