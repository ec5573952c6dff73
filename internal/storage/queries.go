package storage

import (
	"context"
	"database/sql"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// Row types mirror the tables one to one.
type (
	OutboxExpense struct {
		ID          int64
		Date        string
		Description string
		AmountCents int64
		Category    string
		ClientID    string
		Status      string
		Attempts    int64
		LastError   string
		RemoteID    string
		CreatedAt   int64
		UpdatedAt   int64
	}

	OutboxAttachment struct {
		ID        int64
		ExpenseID int64
		Position  int64
		Name      string
		MimeType  string
		Data      []byte
	}

	OutboxTransfer struct {
		ID          int64
		Date        string
		ClientID    string
		AmountCents int64
		Direction   string
		Reference   string
		Status      string
		Attempts    int64
		LastError   string
		RemoteID    string
		CreatedAt   int64
		UpdatedAt   int64
	}

	Client struct {
		ID        string
		Name      string
		Email     string
		Phone     string
		Notes     string
		UpdatedAt int64
	}

	PendingRow struct {
		Kind      string
		ID        int64
		Attempts  int64
		CreatedAt int64
	}
)

const createExpense = `
INSERT INTO outbox_expenses (date, description, amount_cents, category, client_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id`

type CreateExpenseParams struct {
	Date        string
	Description string
	AmountCents int64
	Category    string
	ClientID    string
	Now         int64
}

func (q *Queries) CreateExpense(ctx context.Context, arg CreateExpenseParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, createExpense,
		arg.Date, arg.Description, arg.AmountCents, arg.Category, arg.ClientID, arg.Now, arg.Now)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const createAttachment = `
INSERT INTO outbox_attachments (expense_id, position, name, mime_type, data)
VALUES (?, ?, ?, ?, ?)`

type CreateAttachmentParams struct {
	ExpenseID int64
	Position  int64
	Name      string
	MimeType  string
	Data      []byte
}

func (q *Queries) CreateAttachment(ctx context.Context, arg CreateAttachmentParams) error {
	_, err := q.db.ExecContext(ctx, createAttachment, arg.ExpenseID, arg.Position, arg.Name, arg.MimeType, arg.Data)
	return err
}

const expenseColumns = `id, date, description, amount_cents, category, client_id, status, attempts, last_error, remote_id, created_at, updated_at`

func scanExpense(s interface{ Scan(...interface{}) error }) (OutboxExpense, error) {
	var i OutboxExpense
	err := s.Scan(&i.ID, &i.Date, &i.Description, &i.AmountCents, &i.Category, &i.ClientID,
		&i.Status, &i.Attempts, &i.LastError, &i.RemoteID, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

const getExpense = `SELECT ` + expenseColumns + ` FROM outbox_expenses WHERE id = ?`

func (q *Queries) GetExpense(ctx context.Context, id int64) (OutboxExpense, error) {
	return scanExpense(q.db.QueryRowContext(ctx, getExpense, id))
}

const listAttachments = `
SELECT id, expense_id, position, name, mime_type, data
FROM outbox_attachments WHERE expense_id = ? ORDER BY position`

func (q *Queries) ListAttachments(ctx context.Context, expenseID int64) ([]OutboxAttachment, error) {
	rows, err := q.db.QueryContext(ctx, listAttachments, expenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OutboxAttachment
	for rows.Next() {
		var i OutboxAttachment
		if err := rows.Scan(&i.ID, &i.ExpenseID, &i.Position, &i.Name, &i.MimeType, &i.Data); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const listUnsyncedExpensesByMonth = `SELECT ` + expenseColumns + `
FROM outbox_expenses
WHERE status != 'synced' AND date >= ? AND date < ?
ORDER BY date DESC, id DESC`

func (q *Queries) ListUnsyncedExpensesByMonth(ctx context.Context, from, to string) ([]OutboxExpense, error) {
	rows, err := q.db.QueryContext(ctx, listUnsyncedExpensesByMonth, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OutboxExpense
	for rows.Next() {
		i, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const createTransfer = `
INSERT INTO outbox_transfers (date, client_id, amount_cents, direction, reference, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id`

type CreateTransferParams struct {
	Date        string
	ClientID    string
	AmountCents int64
	Direction   string
	Reference   string
	Now         int64
}

func (q *Queries) CreateTransfer(ctx context.Context, arg CreateTransferParams) (int64, error) {
	row := q.db.QueryRowContext(ctx, createTransfer,
		arg.Date, arg.ClientID, arg.AmountCents, arg.Direction, arg.Reference, arg.Now, arg.Now)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const transferColumns = `id, date, client_id, amount_cents, direction, reference, status, attempts, last_error, remote_id, created_at, updated_at`

func scanTransfer(s interface{ Scan(...interface{}) error }) (OutboxTransfer, error) {
	var i OutboxTransfer
	err := s.Scan(&i.ID, &i.Date, &i.ClientID, &i.AmountCents, &i.Direction, &i.Reference,
		&i.Status, &i.Attempts, &i.LastError, &i.RemoteID, &i.CreatedAt, &i.UpdatedAt)
	return i, err
}

const getTransfer = `SELECT ` + transferColumns + ` FROM outbox_transfers WHERE id = ?`

func (q *Queries) GetTransfer(ctx context.Context, id int64) (OutboxTransfer, error) {
	return scanTransfer(q.db.QueryRowContext(ctx, getTransfer, id))
}

const listUnsyncedTransfers = `SELECT ` + transferColumns + `
FROM outbox_transfers WHERE status != 'synced' ORDER BY date DESC, id DESC`

func (q *Queries) ListUnsyncedTransfers(ctx context.Context) ([]OutboxTransfer, error) {
	rows, err := q.db.QueryContext(ctx, listUnsyncedTransfers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []OutboxTransfer
	for rows.Next() {
		i, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const listPending = `
SELECT kind, id, attempts, created_at FROM (
    SELECT 'expense' AS kind, id, attempts, created_at FROM outbox_expenses WHERE status = 'pending'
    UNION ALL
    SELECT 'transfer' AS kind, id, attempts, created_at FROM outbox_transfers WHERE status = 'pending'
)
ORDER BY created_at, kind, id
LIMIT ?`

func (q *Queries) ListPending(ctx context.Context, limit int64) ([]PendingRow, error) {
	rows, err := q.db.QueryContext(ctx, listPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PendingRow
	for rows.Next() {
		var i PendingRow
		if err := rows.Scan(&i.Kind, &i.ID, &i.Attempts, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const countPending = `
SELECT
    (SELECT COUNT(*) FROM outbox_expenses WHERE status IN ('pending', 'processing')) +
    (SELECT COUNT(*) FROM outbox_transfers WHERE status IN ('pending', 'processing'))`

func (q *Queries) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countPending).Scan(&n)
	return n, err
}

// Status transitions are written per table; table names cannot be bound.
var outboxTables = map[string]string{
	"expense":  "outbox_expenses",
	"transfer": "outbox_transfers",
}

func (q *Queries) ClaimPending(ctx context.Context, table string, id, now int64) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`, now, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) MarkSynced(ctx context.Context, table string, id int64, remoteID string, now int64) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = 'synced', remote_id = ?, last_error = '', updated_at = ? WHERE id = ?`,
		remoteID, now, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkAttemptFailed bumps the attempt counter and parks the row as failed
// once maxAttempts is reached. It returns the new status.
func (q *Queries) MarkAttemptFailed(ctx context.Context, table string, id int64, lastError string, maxAttempts, now int64) (string, error) {
	row := q.db.QueryRowContext(ctx, `
UPDATE `+table+`
SET attempts = attempts + 1,
    last_error = ?,
    status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
    updated_at = ?
WHERE id = ?
RETURNING status`, lastError, maxAttempts, now, id)
	var status string
	err := row.Scan(&status)
	return status, err
}

func (q *Queries) MarkPermanentlyFailed(ctx context.Context, table string, id int64, lastError string, now int64) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		lastError, now, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) RetryFailed(ctx context.Context, table string, id, now int64) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = 'pending', attempts = 0, updated_at = ? WHERE id = ? AND status = 'failed'`, now, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) ResetStale(ctx context.Context, table string, before, now int64) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = 'pending', updated_at = ? WHERE status = 'processing' AND updated_at < ?`, now, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteSynced(ctx context.Context, table string, before int64) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE status = 'synced' AND updated_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const upsertClient = `
INSERT INTO clients (id, name, email, phone, notes, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    email = excluded.email,
    phone = excluded.phone,
    notes = excluded.notes,
    updated_at = excluded.updated_at`

func (q *Queries) UpsertClient(ctx context.Context, c Client) error {
	_, err := q.db.ExecContext(ctx, upsertClient, c.ID, c.Name, c.Email, c.Phone, c.Notes, c.UpdatedAt)
	return err
}

const deleteClient = `DELETE FROM clients WHERE id = ?`

func (q *Queries) DeleteClient(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteClient, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const deleteAllClients = `DELETE FROM clients`

func (q *Queries) DeleteAllClients(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, deleteAllClients)
	return err
}

const listClients = `SELECT id, name, email, phone, notes, updated_at FROM clients ORDER BY name COLLATE NOCASE, id`

func (q *Queries) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := q.db.QueryContext(ctx, listClients)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Client
	for rows.Next() {
		var i Client
		if err := rows.Scan(&i.ID, &i.Name, &i.Email, &i.Phone, &i.Notes, &i.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}
