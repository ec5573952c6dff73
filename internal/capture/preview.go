package capture

import (
	"sync"

	"github.com/google/uuid"
)

// PreviewStore hands out short-lived references to captured images so the UI
// can render them before submission. Every reference must be revoked when the
// image is superseded or discarded.
type PreviewStore struct {
	mu    sync.RWMutex
	items map[string]*CapturedImage
}

func NewPreviewStore() *PreviewStore {
	return &PreviewStore{items: make(map[string]*CapturedImage)}
}

// Create registers img and returns its reference.
func (p *PreviewStore) Create(img *CapturedImage) string {
	ref := uuid.NewString()
	p.mu.Lock()
	p.items[ref] = img
	p.mu.Unlock()
	return ref
}

// Lookup resolves a reference.
func (p *PreviewStore) Lookup(ref string) (*CapturedImage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	img, ok := p.items[ref]
	return img, ok
}

// Revoke releases a reference. It reports whether the reference was live.
func (p *PreviewStore) Revoke(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[ref]; !ok {
		return false
	}
	delete(p.items, ref)
	return true
}

// Len returns the number of live references.
func (p *PreviewStore) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}
