package expenseform

import (
	"sync"

	"pettycash/internal/core"
)

// Drafts holds the latest captured receipt per capture widget until the
// surrounding form is submitted. A new capture from the same widget replaces
// the previous one.
type Drafts struct {
	mu       sync.Mutex
	receipts map[string]core.Attachment
}

func NewDrafts() *Drafts {
	return &Drafts{receipts: make(map[string]core.Attachment)}
}

// Put stores the receipt for widgetID.
func (d *Drafts) Put(widgetID string, a core.Attachment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receipts[widgetID] = a
}

// Peek returns the stored receipt without removing it.
func (d *Drafts) Peek(widgetID string) (core.Attachment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.receipts[widgetID]
	return a, ok
}

// Drop discards the stored receipt.
func (d *Drafts) Drop(widgetID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.receipts, widgetID)
}
