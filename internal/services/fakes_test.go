package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"pettycash/internal/core"
	"pettycash/internal/storage"
)

type outboxRow struct {
	kind     core.OutboxKind
	expense  core.Expense
	transfer core.Transfer
	status   string
	attempts int
	remoteID string
	lastErr  error
}

type key struct {
	kind core.OutboxKind
	id   int64
}

// memOutbox is an in-memory stand-in for storage.SQLiteRepository.
type memOutbox struct {
	mu     sync.Mutex
	nextID int64
	order  []key
	rows   map[key]*outboxRow
	err    error
}

func newMemOutbox() *memOutbox {
	return &memOutbox{rows: make(map[key]*outboxRow)}
}

func (m *memOutbox) add(kind core.OutboxKind, row *outboxRow) int64 {
	m.nextID++
	k := key{kind, m.nextID}
	row.kind = kind
	row.status = "pending"
	m.rows[k] = row
	m.order = append(m.order, k)
	return m.nextID
}

func (m *memOutbox) EnqueueExpense(_ context.Context, e core.Expense) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.add(core.KindExpense, &outboxRow{expense: e}), nil
}

func (m *memOutbox) EnqueueTransfer(_ context.Context, t core.Transfer) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.add(core.KindTransfer, &outboxRow{transfer: t}), nil
}

func (m *memOutbox) row(kind core.OutboxKind, id int64) (*outboxRow, error) {
	r, ok := m.rows[key{kind, id}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return r, nil
}

func (m *memOutbox) status(kind core.OutboxKind, id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, err := m.row(kind, id); err == nil {
		return r.status
	}
	return ""
}

func (m *memOutbox) PendingItems(_ context.Context, limit int) ([]storage.OutboxItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.OutboxItem
	for _, k := range m.order {
		r := m.rows[k]
		if r == nil || r.status != "pending" {
			continue
		}
		out = append(out, storage.OutboxItem{Kind: k.kind, ID: k.id, Attempts: r.attempts})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memOutbox) MarkProcessing(_ context.Context, kind core.OutboxKind, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.row(kind, id)
	if err != nil {
		return false, nil
	}
	if r.status != "pending" {
		return false, nil
	}
	r.status = "processing"
	return true, nil
}

func (m *memOutbox) MarkSynced(_ context.Context, kind core.OutboxKind, id int64, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.row(kind, id)
	if err != nil {
		return err
	}
	r.status = "synced"
	r.remoteID = remoteID
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, kind core.OutboxKind, id int64, cause error, maxAttempts int) (core.SyncStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.row(kind, id)
	if err != nil {
		return "", err
	}
	r.attempts++
	r.lastErr = cause
	r.status = "pending"
	if r.attempts >= maxAttempts {
		r.status = "failed"
	}
	return core.SyncStatus(r.status), nil
}

func (m *memOutbox) MarkRejected(_ context.Context, kind core.OutboxKind, id int64, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.row(kind, id)
	if err != nil {
		return err
	}
	r.attempts++
	r.lastErr = cause
	r.status = "failed"
	return nil
}

func (m *memOutbox) Retry(_ context.Context, kind core.OutboxKind, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.row(kind, id)
	if err != nil || r.status != "failed" {
		return false, nil
	}
	r.status = "pending"
	r.attempts = 0
	return true, nil
}

func (m *memOutbox) ResetStaleProcessing(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (m *memOutbox) CleanupSynced(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (m *memOutbox) GetExpense(_ context.Context, id int64) (core.Expense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.row(core.KindExpense, id)
	if err != nil {
		return core.Expense{}, err
	}
	e := r.expense
	e.ID = id
	return e, nil
}

func (m *memOutbox) GetTransfer(_ context.Context, id int64) (core.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.row(core.KindTransfer, id)
	if err != nil {
		return core.Transfer{}, err
	}
	t := r.transfer
	t.ID = id
	return t, nil
}

type published struct {
	kind core.OutboxKind
	id   int64
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) PublishOutboxSync(_ context.Context, kind core.OutboxKind, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{kind, id})
	return nil
}

type fakeBackend struct {
	mu        sync.Mutex
	expenses  []core.Expense
	transfers []core.Transfer
	err       error
}

func (b *fakeBackend) SubmitExpense(_ context.Context, e core.Expense) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.expenses = append(b.expenses, e)
	return "exp-remote", nil
}

func (b *fakeBackend) CreateTransfer(_ context.Context, t core.Transfer) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.transfers = append(b.transfers, t)
	return "tr-remote", nil
}

type memBook struct {
	clients map[string]core.Client
}

func newMemBook(clients ...core.Client) *memBook {
	b := &memBook{clients: make(map[string]core.Client)}
	for _, c := range clients {
		b.clients[c.ID] = c
	}
	return b
}

func (b *memBook) ListClients(context.Context) ([]core.Client, error) {
	var out []core.Client
	for _, c := range b.clients {
		out = append(out, c)
	}
	return out, nil
}

func (b *memBook) UpsertClient(_ context.Context, c core.Client) error {
	b.clients[c.ID] = c
	return nil
}

func (b *memBook) DeleteClient(_ context.Context, id string) error {
	if _, ok := b.clients[id]; !ok {
		return storage.ErrNotFound
	}
	delete(b.clients, id)
	return nil
}

func (b *memBook) ReplaceClients(_ context.Context, clients []core.Client) error {
	b.clients = make(map[string]core.Client)
	for _, c := range clients {
		b.clients[c.ID] = c
	}
	return nil
}

type fakeDirectory struct {
	clients   []core.Client
	listErr   error
	deleteErr error
	deleted   []string
}

func (d *fakeDirectory) ListClients(context.Context) ([]core.Client, error) {
	return d.clients, d.listErr
}

func (d *fakeDirectory) CreateClient(_ context.Context, c core.Client) (core.Client, error) {
	c.ID = "c-new"
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDirectory) DeleteClient(_ context.Context, id string) error {
	d.deleted = append(d.deleted, id)
	return d.deleteErr
}

var errBackendDown = errors.New("dial tcp: connection refused")
