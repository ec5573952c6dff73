package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pettycash/internal/api"
	"pettycash/internal/core"
	"pettycash/internal/storage"
)

// ErrSyncAttempt marks a failed delivery whose retry bookkeeping has been
// recorded in the outbox. Callers need not retry it themselves.
var ErrSyncAttempt = errors.New("sync attempt failed")

// SyncProcessorConfig holds configuration for the sync processor
type SyncProcessorConfig struct {
	// PollInterval is how often to check for pending items (default: 10s)
	PollInterval time.Duration

	// BatchSize is the max number of items to process per poll cycle (default: 10)
	BatchSize int

	// MaxRetries is the maximum attempts before marking as failed (default: 3)
	MaxRetries int

	// StaleAfter is how long an item may stay in processing before it is
	// considered abandoned by a crashed worker (default: 5m)
	StaleAfter time.Duration

	// CleanupInterval is how often to clean up synced items (default: 1h)
	CleanupInterval time.Duration

	// CleanupAge is how old synced items must be before cleanup (default: 24h)
	CleanupAge time.Duration
}

// DefaultSyncProcessorConfig returns sensible defaults
func DefaultSyncProcessorConfig() SyncProcessorConfig {
	return SyncProcessorConfig{
		PollInterval:    10 * time.Second,
		BatchSize:       10,
		MaxRetries:      3,
		StaleAfter:      5 * time.Minute,
		CleanupInterval: 1 * time.Hour,
		CleanupAge:      24 * time.Hour,
	}
}

// SyncProcessor drains the local outbox into the backend.
type SyncProcessor struct {
	storage Outbox
	backend Backend
	config  SyncProcessorConfig

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewSyncProcessor(storage Outbox, backend Backend, config SyncProcessorConfig) *SyncProcessor {
	return &SyncProcessor{
		storage: storage,
		backend: backend,
		config:  config,
	}
}

// Start begins the processing loop. Returns an error if already running.
func (p *SyncProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("sync processor is already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	// Reset any stale processing items from previous crashes
	if _, err := p.storage.ResetStaleProcessing(ctx, p.config.StaleAfter); err != nil {
		slog.WarnContext(ctx, "Failed to reset stale processing items", "error", err)
	}

	go p.runLoop(ctx)

	slog.InfoContext(ctx, "Sync processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize)

	return nil
}

// Stop gracefully stops the processor and waits for completion.
func (p *SyncProcessor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		slog.InfoContext(ctx, "Sync processor stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Sync processor stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	return nil
}

// IsRunning returns whether the processor is currently running
func (p *SyncProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *SyncProcessor) runLoop(ctx context.Context) {
	defer close(p.doneCh)

	pollTicker := time.NewTicker(p.config.PollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(p.config.CleanupInterval)
	defer cleanupTicker.Stop()

	// Process immediately on startup
	p.ProcessBatch(ctx)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			p.ProcessBatch(ctx)
		case <-cleanupTicker.C:
			p.cleanup(ctx)
		}
	}
}

// ProcessBatch handles up to BatchSize pending items and returns how many
// were synced.
func (p *SyncProcessor) ProcessBatch(ctx context.Context) int {
	items, err := p.storage.PendingItems(ctx, p.config.BatchSize)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list pending outbox items", "error", err)
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	slog.DebugContext(ctx, "Processing sync batch", "count", len(items))

	synced := 0
	for _, item := range items {
		if ctx.Err() != nil || p.stopping() {
			return synced
		}
		if err := p.ProcessItem(ctx, item.Kind, item.ID); err == nil {
			synced++
		}
	}
	return synced
}

func (p *SyncProcessor) stopping() bool {
	p.mu.Lock()
	stopCh := p.stopCh
	p.mu.Unlock()
	if stopCh == nil {
		return false
	}
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// ProcessItem claims one outbox item and sends it to the backend. It is safe
// to call concurrently with the poll loop: an item already claimed elsewhere
// is skipped. Delivery failures come back wrapped in ErrSyncAttempt.
func (p *SyncProcessor) ProcessItem(ctx context.Context, kind core.OutboxKind, id int64) error {
	claimed, err := p.storage.MarkProcessing(ctx, kind, id)
	if err != nil {
		return err
	}
	if !claimed {
		slog.DebugContext(ctx, "Outbox item not pending, skipping", "kind", kind, "id", id)
		return nil
	}

	remoteID, err := p.send(ctx, kind, id)
	if errors.Is(err, storage.ErrNotFound) {
		slog.WarnContext(ctx, "Outbox item vanished before sync", "kind", kind, "id", id)
		return nil
	}
	if err != nil {
		p.handleFailure(ctx, kind, id, err)
		return fmt.Errorf("%w: %s %d: %w", ErrSyncAttempt, kind, id, err)
	}

	if err := p.storage.MarkSynced(ctx, kind, id, remoteID); err != nil {
		// The backend has the item; leaving it in processing lets the stale
		// reset retry the bookkeeping, at the cost of a duplicate submission.
		slog.ErrorContext(ctx, "Failed to mark item as synced", "kind", kind, "id", id, "error", err)
		return err
	}
	return nil
}

func (p *SyncProcessor) send(ctx context.Context, kind core.OutboxKind, id int64) (string, error) {
	switch kind {
	case core.KindExpense:
		e, err := p.storage.GetExpense(ctx, id)
		if err != nil {
			return "", err
		}
		return p.backend.SubmitExpense(ctx, e)
	case core.KindTransfer:
		t, err := p.storage.GetTransfer(ctx, id)
		if err != nil {
			return "", err
		}
		return p.backend.CreateTransfer(ctx, t)
	default:
		return "", fmt.Errorf("unknown outbox kind: %s", kind)
	}
}

// handleFailure records a failed attempt. Payloads the backend rejects as
// invalid are parked immediately since resending cannot succeed.
func (p *SyncProcessor) handleFailure(ctx context.Context, kind core.OutboxKind, id int64, cause error) {
	var apiErr *api.APIError
	if errors.As(cause, &apiErr) && apiErr.IsValidation() {
		if err := p.storage.MarkRejected(ctx, kind, id, cause); err != nil {
			slog.ErrorContext(ctx, "Failed to mark item as rejected", "kind", kind, "id", id, "error", err)
		}
		return
	}

	status, err := p.storage.MarkFailed(ctx, kind, id, cause, p.config.MaxRetries)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to record sync attempt", "kind", kind, "id", id, "error", err)
		return
	}
	if status == core.StatusFailed {
		slog.ErrorContext(ctx, "Outbox item failed permanently after max retries",
			"kind", kind,
			"id", id,
			"max_retries", p.config.MaxRetries)
	}
}

func (p *SyncProcessor) cleanup(ctx context.Context) {
	if _, err := p.storage.ResetStaleProcessing(ctx, p.config.StaleAfter); err != nil {
		slog.ErrorContext(ctx, "Failed to reset stale items", "error", err)
	}
	if _, err := p.storage.CleanupSynced(ctx, p.config.CleanupAge); err != nil {
		slog.ErrorContext(ctx, "Failed to cleanup synced items", "error", err)
	}
}

// RetryFailed puts a failed item back into the queue.
func (p *SyncProcessor) RetryFailed(ctx context.Context, kind core.OutboxKind, id int64) error {
	ok, err := p.storage.Retry(ctx, kind, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %d is not in failed state", kind, id)
	}
	return nil
}
