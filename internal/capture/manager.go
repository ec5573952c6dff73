package capture

import (
	"log/slog"
	"sync"
	"time"
)

// Factory builds the workflow for a capture widget.
type Factory func(widgetID string) *Workflow

// Manager keeps one workflow per capture widget on the page and tears down
// widgets that stopped talking to the server.
type Manager struct {
	factory     Factory
	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	widgets map[string]*widget
	onReap  func(widgetID string)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type widget struct {
	workflow *Workflow
	lastUsed time.Time
}

// NewManager starts a reaper when idleTimeout is positive. Call Close to stop it.
func NewManager(factory Factory, idleTimeout time.Duration) *Manager {
	m := &Manager{
		factory:     factory,
		idleTimeout: idleTimeout,
		now:         time.Now,
		widgets:     make(map[string]*widget),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go m.reapLoop()
	} else {
		close(m.done)
	}
	return m
}

// Get returns the workflow for widgetID, creating it on first use.
func (m *Manager) Get(widgetID string) *Workflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.widgets[widgetID]; ok {
		w.lastUsed = m.now()
		return w.workflow
	}
	wf := m.factory(widgetID)
	m.widgets[widgetID] = &widget{workflow: wf, lastUsed: m.now()}
	return wf
}

// Lookup returns an existing workflow without creating one.
func (m *Manager) Lookup(widgetID string) (*Workflow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.widgets[widgetID]
	if !ok {
		return nil, false
	}
	w.lastUsed = m.now()
	return w.workflow, true
}

// Touch marks a widget as in use without returning it, for long-lived
// requests such as the live preview. It reports whether the widget exists.
func (m *Manager) Touch(widgetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.widgets[widgetID]
	if ok {
		w.lastUsed = m.now()
	}
	return ok
}

// Remove closes and forgets a widget's workflow.
func (m *Manager) Remove(widgetID string) {
	m.mu.Lock()
	w, ok := m.widgets[widgetID]
	delete(m.widgets, widgetID)
	m.mu.Unlock()
	if ok {
		w.workflow.Close()
	}
}

// OnReap registers fn to run for each widget the reaper closes.
func (m *Manager) OnReap(fn func(widgetID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReap = fn
}

// Len returns the number of tracked widgets.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.widgets)
}

// Close stops the reaper and closes every workflow.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done

	m.mu.Lock()
	widgets := m.widgets
	m.widgets = make(map[string]*widget)
	m.mu.Unlock()

	for _, w := range widgets {
		w.workflow.Close()
	}
}

func (m *Manager) reapLoop() {
	defer close(m.done)

	interval := m.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.reap(); n > 0 {
				slog.Info("Closed idle capture widgets", "count", n)
			}
		case <-m.stop:
			return
		}
	}
}

// reap closes widgets idle for longer than idleTimeout.
func (m *Manager) reap() int {
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	stale := make(map[string]*Workflow)
	for id, w := range m.widgets {
		if w.lastUsed.Before(cutoff) {
			stale[id] = w.workflow
			delete(m.widgets, id)
		}
	}
	onReap := m.onReap
	m.mu.Unlock()

	for id, wf := range stale {
		wf.Close()
		if onReap != nil {
			onReap(id)
		}
	}
	return len(stale)
}
