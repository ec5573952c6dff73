package services

import (
	"context"
	"time"

	"pettycash/internal/core"
	"pettycash/internal/storage"
)

// Ports the services depend on. storage.SQLiteRepository, amqp.Client and
// api.Client satisfy them in production.
type (
	ExpenseOutbox interface {
		EnqueueExpense(ctx context.Context, e core.Expense) (int64, error)
	}

	TransferOutbox interface {
		EnqueueTransfer(ctx context.Context, t core.Transfer) (int64, error)
	}

	// Outbox is the queue side of local storage used by the sync processor.
	Outbox interface {
		PendingItems(ctx context.Context, limit int) ([]storage.OutboxItem, error)
		MarkProcessing(ctx context.Context, kind core.OutboxKind, id int64) (bool, error)
		MarkSynced(ctx context.Context, kind core.OutboxKind, id int64, remoteID string) error
		MarkFailed(ctx context.Context, kind core.OutboxKind, id int64, cause error, maxAttempts int) (core.SyncStatus, error)
		MarkRejected(ctx context.Context, kind core.OutboxKind, id int64, cause error) error
		Retry(ctx context.Context, kind core.OutboxKind, id int64) (bool, error)
		ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error)
		CleanupSynced(ctx context.Context, olderThan time.Duration) (int64, error)
		GetExpense(ctx context.Context, id int64) (core.Expense, error)
		GetTransfer(ctx context.Context, id int64) (core.Transfer, error)
	}

	Publisher interface {
		PublishOutboxSync(ctx context.Context, kind core.OutboxKind, id int64) error
	}

	// Backend receives synced submissions.
	Backend interface {
		SubmitExpense(ctx context.Context, e core.Expense) (string, error)
		CreateTransfer(ctx context.Context, t core.Transfer) (string, error)
	}

	// ClientBook is the local mirror of the payee list.
	ClientBook interface {
		ListClients(ctx context.Context) ([]core.Client, error)
		UpsertClient(ctx context.Context, c core.Client) error
		DeleteClient(ctx context.Context, id string) error
		ReplaceClients(ctx context.Context, clients []core.Client) error
	}

	// ClientDirectory is the backend's authoritative payee list.
	ClientDirectory interface {
		ListClients(ctx context.Context) ([]core.Client, error)
		CreateClient(ctx context.Context, c core.Client) (core.Client, error)
		DeleteClient(ctx context.Context, id string) error
	}
)
