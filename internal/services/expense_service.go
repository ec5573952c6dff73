package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"pettycash/internal/core"
)

// ExpenseService accepts expense submissions: it validates them, writes them
// to the local outbox and announces them on the message bus.
type ExpenseService struct {
	storage   ExpenseOutbox
	publisher Publisher
}

// NewExpenseService wires the service. publisher may be nil, in which case
// the poller alone drains the outbox.
func NewExpenseService(storage ExpenseOutbox, publisher Publisher) *ExpenseService {
	return &ExpenseService{
		storage:   storage,
		publisher: publisher,
	}
}

// Submit queues e and returns its local outbox id. The submission is durable
// once this returns; delivery to the backend happens asynchronously.
func (s *ExpenseService) Submit(ctx context.Context, e core.Expense) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}

	// Save to SQLite first (fast, reliable)
	id, err := s.storage.EnqueueExpense(ctx, e)
	if err != nil {
		return 0, fmt.Errorf("save expense: %w", err)
	}

	if err := publish(ctx, s.publisher, core.KindExpense, id); err != nil {
		slog.ErrorContext(ctx, "Failed to publish sync message",
			"kind", core.KindExpense, "id", id, "error", err)
		// Don't fail the request - expense is saved locally
	}

	return id, nil
}

func publish(ctx context.Context, p Publisher, kind core.OutboxKind, id int64) error {
	if p == nil {
		slog.DebugContext(ctx, "AMQP client not available, skipping sync message", "kind", kind, "id", id)
		return nil
	}
	return p.PublishOutboxSync(ctx, kind, id)
}

// Close closes storage and publisher when they own resources.
func (s *ExpenseService) Close() error {
	var errs []error

	if c, ok := s.storage.(io.Closer); ok && c != nil {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}

	if c, ok := s.publisher.(io.Closer); ok && c != nil {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("amqp: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close expense service: %w", errors.Join(errs...))
	}

	return nil
}
