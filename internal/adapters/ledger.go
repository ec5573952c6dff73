// Package adapters joins the backend's view of the books with the local
// outbox so pages show submissions before they are synced.
package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"pettycash/internal/cache"
	"pettycash/internal/core"
	applog "pettycash/internal/log"
)

type (
	// Remote is the backend read API.
	Remote interface {
		Dashboard(ctx context.Context) (core.Dashboard, error)
		ListExpenses(ctx context.Context, year, month int) ([]core.Expense, error)
		ListTransfers(ctx context.Context) ([]core.Transfer, error)
	}

	// Local is the outbox read side.
	Local interface {
		ListLocalExpenses(ctx context.Context, year, month int) ([]core.Expense, error)
		ListLocalTransfers(ctx context.Context) ([]core.Transfer, error)
		CountPending(ctx context.Context) (int, error)
	}
)

const (
	keyDashboard   = "dashboard"
	keyTransfers   = "transfers"
	prefixExpenses = "expenses:"
	readTimeout    = 7 * time.Second
)

// Ledger serves dashboard and list reads. Backend responses are cached for a
// short TTL; local rows are always read fresh.
type Ledger struct {
	remote  Remote
	local   Local
	timeout time.Duration

	dashboards *cache.LRUCache[core.Dashboard]
	expenses   *cache.LRUCache[[]core.Expense]
	transfers  *cache.LRUCache[[]core.Transfer]
}

func NewLedger(remote Remote, local Local, ttl time.Duration) *Ledger {
	return &Ledger{
		remote:     remote,
		local:      local,
		timeout:    readTimeout,
		dashboards: cache.NewLRUCache[core.Dashboard](1, ttl),
		expenses:   cache.NewLRUCache[[]core.Expense](24, ttl),
		transfers:  cache.NewLRUCache[[]core.Transfer](1, ttl),
	}
}

// RegisterCaches hands the ledger caches to a cleanup manager.
func (l *Ledger) RegisterCaches(m *cache.Manager) {
	m.Register(l.dashboards)
	m.Register(l.expenses)
	m.Register(l.transfers)
}

// CacheEntries reports the number of cached backend responses.
func (l *Ledger) CacheEntries() int {
	return l.dashboards.Size() + l.expenses.Size() + l.transfers.Size()
}

// Dashboard fetches the backend summary and the local pending count in
// parallel. When the backend fails the returned dashboard still carries the
// pending count, alongside the error.
func (l *Ledger) Dashboard(ctx context.Context) (core.Dashboard, error) {
	var (
		remote  core.Dashboard
		pending int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := l.local.CountPending(gctx)
		if err != nil {
			return fmt.Errorf("count pending: %w", err)
		}
		pending = n
		return nil
	})
	remoteErr := make(chan error, 1)
	g.Go(func() error {
		d, err := l.dashboards.GetOrLoad(gctx, keyDashboard, bounded(l.timeout, l.remote.Dashboard))
		remote = d
		remoteErr <- err
		return nil
	})
	if err := g.Wait(); err != nil {
		return core.Dashboard{}, err
	}

	remote.PendingCount = pending
	if err := <-remoteErr; err != nil {
		slog.WarnContext(ctx, "Backend dashboard unavailable",
			applog.FieldComponent, applog.ComponentBackend,
			applog.FieldError, err)
		now := time.Now()
		return core.Dashboard{Year: now.Year(), Month: int(now.Month()), PendingCount: pending},
			fmt.Errorf("backend dashboard: %w", err)
	}
	return remote, nil
}

// Expenses lists the month's expenses, unsynced local ones first. Backend
// errors are returned together with the local rows.
func (l *Ledger) Expenses(ctx context.Context, year, month int) ([]core.Expense, error) {
	local, err := l.local.ListLocalExpenses(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("list local expenses: %w", err)
	}

	key := prefixExpenses + strconv.Itoa(year) + "-" + strconv.Itoa(month)
	remote, err := l.expenses.GetOrLoad(ctx, key, bounded(l.timeout, func(ctx context.Context) ([]core.Expense, error) {
		items, err := l.remote.ListExpenses(ctx, year, month)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(items, func(i, j int) bool { return items[i].Date.After(items[j].Date.Time) })
		return items, nil
	}))

	out := make([]core.Expense, 0, len(local)+len(remote))
	out = append(out, local...)
	out = append(out, remote...)
	if err != nil {
		return out, fmt.Errorf("backend expenses %d-%02d: %w", year, month, err)
	}
	return out, nil
}

// Transfers lists transfers, unsynced local ones first.
func (l *Ledger) Transfers(ctx context.Context) ([]core.Transfer, error) {
	local, err := l.local.ListLocalTransfers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local transfers: %w", err)
	}
	remote, err := l.transfers.GetOrLoad(ctx, keyTransfers, bounded(l.timeout, l.remote.ListTransfers))

	out := make([]core.Transfer, 0, len(local)+len(remote))
	out = append(out, local...)
	out = append(out, remote...)
	if err != nil {
		return out, fmt.Errorf("backend transfers: %w", err)
	}
	return out, nil
}

// InvalidateExpenses drops cached reads affected by a new expense.
func (l *Ledger) InvalidateExpenses(year, month int) {
	l.dashboards.Delete(keyDashboard)
	l.expenses.Delete(prefixExpenses + strconv.Itoa(year) + "-" + strconv.Itoa(month))
}

// InvalidateTransfers drops cached reads affected by a new transfer.
func (l *Ledger) InvalidateTransfers() {
	l.dashboards.Delete(keyDashboard)
	l.transfers.Delete(keyTransfers)
}

// InvalidateAll empties every cache. Cached lists embed client names, so a
// change to the client book invalidates all of them.
func (l *Ledger) InvalidateAll() {
	l.dashboards.Delete(keyDashboard)
	l.transfers.Delete(keyTransfers)
	l.expenses.DeletePrefix(prefixExpenses)
}

// bounded caps a backend read with timeout.
func bounded[T any](timeout time.Duration, f func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return f(ctx)
	}
}
