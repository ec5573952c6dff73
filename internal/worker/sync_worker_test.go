package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pettycash/internal/amqp"
	"pettycash/internal/core"
	"pettycash/internal/services"
)

type fakeProcessor struct {
	itemErr error
	batches []int
	calls   int
	items   []string
}

func (p *fakeProcessor) ProcessItem(_ context.Context, kind core.OutboxKind, id int64) error {
	p.items = append(p.items, fmt.Sprintf("%s/%d", kind, id))
	return p.itemErr
}

func (p *fakeProcessor) ProcessBatch(context.Context) int {
	if p.calls >= len(p.batches) {
		p.calls++
		return 0
	}
	n := p.batches[p.calls]
	p.calls++
	return n
}

type fakeRefresher struct {
	clients []core.Client
	err     error
	calls   int
}

func (r *fakeRefresher) Clients(context.Context) ([]core.Client, error) {
	r.calls++
	return r.clients, r.err
}

func TestHandleSyncMessage(t *testing.T) {
	msg := &amqp.OutboxSyncMessage{Kind: core.KindExpense, ID: 7, Timestamp: time.Now()}

	tests := []struct {
		name    string
		itemErr error
		wantErr bool
	}{
		{"synced", nil, false},
		{"delivery failure is acked", fmt.Errorf("%w: backend down", services.ErrSyncAttempt), false},
		{"storage failure requeues", errors.New("database is locked"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProcessor{itemErr: tt.itemErr}
			w := NewSyncWorker(p, nil)
			err := w.HandleSyncMessage(context.Background(), msg)
			if (err != nil) != tt.wantErr {
				t.Errorf("HandleSyncMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(p.items) != 1 || p.items[0] != "expense/7" {
				t.Errorf("processed = %v", p.items)
			}
		})
	}
}

func TestStartupSyncCheck(t *testing.T) {
	t.Run("drains until empty", func(t *testing.T) {
		p := &fakeProcessor{batches: []int{10, 10, 3}}
		w := NewSyncWorker(p, nil)
		if got := w.StartupSyncCheck(context.Background()); got != 23 {
			t.Errorf("StartupSyncCheck() = %d, want 23", got)
		}
		if p.calls != 4 {
			t.Errorf("ProcessBatch calls = %d, want 4", p.calls)
		}
	})

	t.Run("bounded rounds", func(t *testing.T) {
		p := &fakeProcessor{batches: []int{1, 1, 1, 1, 1, 1, 1, 1}}
		w := NewSyncWorker(p, nil)
		if got := w.StartupSyncCheck(context.Background()); got != startupRounds {
			t.Errorf("StartupSyncCheck() = %d, want %d", got, startupRounds)
		}
	})
}

func TestRefreshClients(t *testing.T) {
	w := NewSyncWorker(&fakeProcessor{}, nil)
	if err := w.RefreshClients(context.Background()); err != nil {
		t.Errorf("RefreshClients without refresher = %v", err)
	}

	r := &fakeRefresher{clients: []core.Client{{ID: "c-1", Name: "Mario"}}}
	w = NewSyncWorker(&fakeProcessor{}, r)
	if err := w.RefreshClients(context.Background()); err != nil || r.calls != 1 {
		t.Errorf("RefreshClients = %v, calls %d", err, r.calls)
	}

	r.err = errors.New("backend down")
	if err := w.RefreshClients(context.Background()); err == nil {
		t.Error("expected refresh error")
	}
}
