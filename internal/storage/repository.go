package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pettycash/internal/core"

	_ "modernc.org/sqlite"
)

const statusProcessing = "processing"

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrUnknownKind = errors.New("storage: unknown outbox kind")
)

// OutboxItem identifies one queued submission.
type OutboxItem struct {
	Kind      core.OutboxKind
	ID        int64
	Attempts  int
	CreatedAt time.Time
}

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	now     func() time.Time
	schema  uint
}

// DSN returns the connection string for dbPath with the pragmas the outbox
// relies on. modernc strips the query part from plain paths.
func DSN(dbPath string) string {
	return dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := DSN(dbPath)
	schema, err := RunMigrations(dsn)
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serialises writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		now:     time.Now,
		schema:  schema,
	}, nil
}

// SchemaVersion is the migration version the database was opened at.
func (r *SQLiteRepository) SchemaVersion() uint {
	return r.schema
}

// SetClock overrides the time source, for tests.
func (r *SQLiteRepository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) stamp() int64 {
	return r.now().UnixMilli()
}

// EnqueueExpense stores an expense and its attachments in one transaction.
func (r *SQLiteRepository) EnqueueExpense(ctx context.Context, e core.Expense) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := r.queries.WithTx(tx)
	id, err := q.CreateExpense(ctx, CreateExpenseParams{
		Date:        e.Date.String(),
		Description: e.Description,
		AmountCents: e.Amount.Cents,
		Category:    e.Category,
		ClientID:    e.ClientID,
		Now:         r.stamp(),
	})
	if err != nil {
		return 0, fmt.Errorf("create expense: %w", err)
	}

	for i, a := range e.Attachments {
		err := q.CreateAttachment(ctx, CreateAttachmentParams{
			ExpenseID: id,
			Position:  int64(i),
			Name:      a.Name,
			MimeType:  a.MIMEType,
			Data:      a.Data,
		})
		if err != nil {
			return 0, fmt.Errorf("create attachment %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit expense: %w", err)
	}

	slog.InfoContext(ctx, "Expense queued",
		"id", id,
		"amount_cents", e.Amount.Cents,
		"attachments", len(e.Attachments))
	return id, nil
}

// GetExpense loads an expense with its attachment payloads.
func (r *SQLiteRepository) GetExpense(ctx context.Context, id int64) (core.Expense, error) {
	row, err := r.queries.GetExpense(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, fmt.Errorf("expense %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return core.Expense{}, fmt.Errorf("get expense: %w", err)
	}

	atts, err := r.queries.ListAttachments(ctx, id)
	if err != nil {
		return core.Expense{}, fmt.Errorf("list attachments: %w", err)
	}

	e, err := expenseFromRow(row)
	if err != nil {
		return core.Expense{}, err
	}
	for _, a := range atts {
		e.Attachments = append(e.Attachments, core.Attachment{Name: a.Name, MIMEType: a.MimeType, Data: a.Data})
	}
	return e, nil
}

// ListLocalExpenses returns the month's submissions that the backend has not
// confirmed yet. Attachment payloads are not loaded.
func (r *SQLiteRepository) ListLocalExpenses(ctx context.Context, year, month int) ([]core.Expense, error) {
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	rows, err := r.queries.ListUnsyncedExpensesByMonth(ctx, from.Format(time.DateOnly), to.Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("list local expenses: %w", err)
	}

	out := make([]core.Expense, 0, len(rows))
	for _, row := range rows {
		e, err := expenseFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *SQLiteRepository) EnqueueTransfer(ctx context.Context, t core.Transfer) (int64, error) {
	id, err := r.queries.CreateTransfer(ctx, CreateTransferParams{
		Date:        t.Date.String(),
		ClientID:    t.ClientID,
		AmountCents: t.Amount.Cents,
		Direction:   string(t.Direction),
		Reference:   t.Reference,
		Now:         r.stamp(),
	})
	if err != nil {
		return 0, fmt.Errorf("create transfer: %w", err)
	}
	slog.InfoContext(ctx, "Transfer queued", "id", id, "direction", t.Direction, "amount_cents", t.Amount.Cents)
	return id, nil
}

func (r *SQLiteRepository) GetTransfer(ctx context.Context, id int64) (core.Transfer, error) {
	row, err := r.queries.GetTransfer(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transfer{}, fmt.Errorf("transfer %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return core.Transfer{}, fmt.Errorf("get transfer: %w", err)
	}
	return transferFromRow(row)
}

func (r *SQLiteRepository) ListLocalTransfers(ctx context.Context) ([]core.Transfer, error) {
	rows, err := r.queries.ListUnsyncedTransfers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local transfers: %w", err)
	}
	out := make([]core.Transfer, 0, len(rows))
	for _, row := range rows {
		t, err := transferFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// PendingItems returns up to limit queued items, oldest first.
func (r *SQLiteRepository) PendingItems(ctx context.Context, limit int) ([]OutboxItem, error) {
	rows, err := r.queries.ListPending(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	items := make([]OutboxItem, len(rows))
	for i, row := range rows {
		items[i] = OutboxItem{
			Kind:      core.OutboxKind(row.Kind),
			ID:        row.ID,
			Attempts:  int(row.Attempts),
			CreatedAt: time.UnixMilli(row.CreatedAt),
		}
	}
	return items, nil
}

// CountPending counts items queued or in flight.
func (r *SQLiteRepository) CountPending(ctx context.Context) (int, error) {
	n, err := r.queries.CountPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return int(n), nil
}

// MarkProcessing claims a pending item. It returns false when another worker
// got there first or the item is no longer pending.
func (r *SQLiteRepository) MarkProcessing(ctx context.Context, kind core.OutboxKind, id int64) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	n, err := r.queries.ClaimPending(ctx, table, id, r.stamp())
	if err != nil {
		return false, fmt.Errorf("claim %s %d: %w", kind, id, err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) MarkSynced(ctx context.Context, kind core.OutboxKind, id int64, remoteID string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	n, err := r.queries.MarkSynced(ctx, table, id, remoteID, r.stamp())
	if err != nil {
		return fmt.Errorf("mark %s synced: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	slog.InfoContext(ctx, "Outbox item synced", "kind", kind, "id", id, "remote_id", remoteID)
	return nil
}

// MarkFailed records a failed attempt. The item goes back to pending until
// maxAttempts is reached, then stays failed.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, kind core.OutboxKind, id int64, cause error, maxAttempts int) (core.SyncStatus, error) {
	table, err := tableFor(kind)
	if err != nil {
		return "", err
	}
	status, err := r.queries.MarkAttemptFailed(ctx, table, id, errText(cause), int64(maxAttempts), r.stamp())
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("mark %s failed: %w", kind, err)
	}
	slog.WarnContext(ctx, "Outbox item attempt failed", "kind", kind, "id", id, "status", status, "error", cause)
	return core.SyncStatus(status), nil
}

// MarkRejected parks an item the backend refused outright.
func (r *SQLiteRepository) MarkRejected(ctx context.Context, kind core.OutboxKind, id int64, cause error) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	n, err := r.queries.MarkPermanentlyFailed(ctx, table, id, errText(cause), r.stamp())
	if err != nil {
		return fmt.Errorf("mark %s rejected: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	slog.WarnContext(ctx, "Outbox item rejected", "kind", kind, "id", id, "error", cause)
	return nil
}

// Retry moves a failed item back to pending with a fresh attempt budget.
func (r *SQLiteRepository) Retry(ctx context.Context, kind core.OutboxKind, id int64) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	n, err := r.queries.RetryFailed(ctx, table, id, r.stamp())
	if err != nil {
		return false, fmt.Errorf("retry %s %d: %w", kind, id, err)
	}
	return n == 1, nil
}

// ResetStaleProcessing returns items stuck in processing for longer than
// olderThan to the pending queue, e.g. after a worker crash.
func (r *SQLiteRepository) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := r.now()
	before := now.Add(-olderThan).UnixMilli()
	var total int64
	for _, table := range []string{outboxTables[string(core.KindExpense)], outboxTables[string(core.KindTransfer)]} {
		n, err := r.queries.ResetStale(ctx, table, before, now.UnixMilli())
		if err != nil {
			return total, fmt.Errorf("reset stale %s: %w", table, err)
		}
		total += n
	}
	if total > 0 {
		slog.WarnContext(ctx, "Reset stale outbox items", "count", total)
	}
	return total, nil
}

// CleanupSynced deletes synced items older than olderThan. Attachments go
// with their expense through the foreign key cascade.
func (r *SQLiteRepository) CleanupSynced(ctx context.Context, olderThan time.Duration) (int64, error) {
	before := r.now().Add(-olderThan).UnixMilli()
	var total int64
	for _, table := range []string{outboxTables[string(core.KindExpense)], outboxTables[string(core.KindTransfer)]} {
		n, err := r.queries.DeleteSynced(ctx, table, before)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", table, err)
		}
		total += n
	}
	if total > 0 {
		slog.InfoContext(ctx, "Cleaned up synced outbox items", "count", total)
	}
	return total, nil
}

func (r *SQLiteRepository) UpsertClient(ctx context.Context, c core.Client) error {
	if c.ID == "" {
		return errors.New("upsert client: missing id")
	}
	if err := r.queries.UpsertClient(ctx, clientToRow(c, r.stamp())); err != nil {
		return fmt.Errorf("upsert client: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteClient(ctx context.Context, id string) error {
	n, err := r.queries.DeleteClient(ctx, id)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) ListClients(ctx context.Context) ([]core.Client, error) {
	rows, err := r.queries.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	out := make([]core.Client, len(rows))
	for i, row := range rows {
		out[i] = core.Client{ID: row.ID, Name: row.Name, Email: row.Email, Phone: row.Phone, Notes: row.Notes}
	}
	return out, nil
}

// ReplaceClients swaps the local payee book for the backend's copy.
func (r *SQLiteRepository) ReplaceClients(ctx context.Context, clients []core.Client) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	q := r.queries.WithTx(tx)
	if err := q.DeleteAllClients(ctx); err != nil {
		return fmt.Errorf("clear clients: %w", err)
	}
	now := r.stamp()
	for _, c := range clients {
		if err := q.UpsertClient(ctx, clientToRow(c, now)); err != nil {
			return fmt.Errorf("insert client %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func tableFor(kind core.OutboxKind) (string, error) {
	table, ok := outboxTables[string(kind)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return table, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

func syncStatus(s string) core.SyncStatus {
	if s == statusProcessing {
		return core.StatusPending
	}
	return core.SyncStatus(s)
}

func expenseFromRow(row OutboxExpense) (core.Expense, error) {
	date, err := core.ParseDate(row.Date)
	if err != nil {
		return core.Expense{}, fmt.Errorf("expense %d: %w", row.ID, err)
	}
	return core.Expense{
		ID:          row.ID,
		RemoteID:    row.RemoteID,
		Date:        date,
		Description: row.Description,
		Amount:      core.Money{Cents: row.AmountCents},
		Category:    row.Category,
		ClientID:    row.ClientID,
		Status:      syncStatus(row.Status),
		CreatedAt:   time.UnixMilli(row.CreatedAt),
	}, nil
}

func transferFromRow(row OutboxTransfer) (core.Transfer, error) {
	date, err := core.ParseDate(row.Date)
	if err != nil {
		return core.Transfer{}, fmt.Errorf("transfer %d: %w", row.ID, err)
	}
	return core.Transfer{
		ID:        row.ID,
		RemoteID:  row.RemoteID,
		Date:      date,
		ClientID:  row.ClientID,
		Amount:    core.Money{Cents: row.AmountCents},
		Direction: core.Direction(row.Direction),
		Reference: row.Reference,
		Status:    syncStatus(row.Status),
		CreatedAt: time.UnixMilli(row.CreatedAt),
	}, nil
}

func clientToRow(c core.Client, now int64) Client {
	return Client{ID: c.ID, Name: c.Name, Email: c.Email, Phone: c.Phone, Notes: c.Notes, UpdatedAt: now}
}
