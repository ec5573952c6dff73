package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pettycash/internal/amqp"
	"pettycash/internal/core"
	applog "pettycash/internal/log"
	"pettycash/internal/services"
)

type (
	// Processor delivers outbox items to the backend.
	Processor interface {
		ProcessItem(ctx context.Context, kind core.OutboxKind, id int64) error
		ProcessBatch(ctx context.Context) int
	}

	// ClientRefresher reloads the local payee mirror.
	ClientRefresher interface {
		Clients(ctx context.Context) ([]core.Client, error)
	}
)

// startupRounds bounds the catch-up work done before consuming messages.
const startupRounds = 5

// SyncWorker reacts to outbox sync messages from AMQP. The SQLite outbox is
// the source of truth; a lost message only delays delivery until the next
// poll.
type SyncWorker struct {
	processor Processor
	clients   ClientRefresher
}

func NewSyncWorker(processor Processor, clients ClientRefresher) *SyncWorker {
	return &SyncWorker{
		processor: processor,
		clients:   clients,
	}
}

// HandleSyncMessage processes one message. Delivery failures are already
// recorded in the outbox, so the message is acked; only local storage errors
// requeue it.
func (w *SyncWorker) HandleSyncMessage(ctx context.Context, msg *amqp.OutboxSyncMessage) error {
	fields := applog.NewFields().
		WithOutbox(string(msg.Kind), msg.ID).
		WithOperation(applog.OpSync).
		With(applog.FieldComponent, applog.ComponentWorker)
	slog.InfoContext(ctx, "Processing sync message",
		fields.With("queued_for", time.Since(msg.Timestamp).Round(time.Millisecond)).ToSlice()...)

	err := w.processor.ProcessItem(ctx, msg.Kind, msg.ID)
	if errors.Is(err, services.ErrSyncAttempt) {
		slog.WarnContext(ctx, "Sync attempt failed, left to the poller",
			fields.WithError(err).ToSlice()...)
		return nil
	}
	return err
}

// StartupSyncCheck drains items left pending while the worker was down.
func (w *SyncWorker) StartupSyncCheck(ctx context.Context) int {
	total := 0
	for i := 0; i < startupRounds; i++ {
		n := w.processor.ProcessBatch(ctx)
		total += n
		if n == 0 || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		slog.InfoContext(ctx, "Startup sync completed", "synced", total)
	} else {
		slog.InfoContext(ctx, "No pending items synced on startup")
	}
	return total
}

// RefreshClients reloads the payee mirror from the backend.
func (w *SyncWorker) RefreshClients(ctx context.Context) error {
	if w.clients == nil {
		return nil
	}
	clients, err := w.clients.Clients(ctx)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Client book refreshed", "count", len(clients))
	return nil
}
