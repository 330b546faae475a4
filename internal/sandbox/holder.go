package sandbox

import (
	"errors"
	"sync"
)

// ErrManagerUnavailable is returned when no manager is configured, typically
// because provider credentials are missing. Operations surface it verbatim.
var ErrManagerUnavailable = errors.New("Sandbox manager not available")

// Holder hands out the current Manager and lets it be replaced atomically
// when provider settings change. The generation number increments on each
// replacement so long-lived consumers can detect that their cached manager
// (and any listeners attached to it) is stale.
type Holder struct {
	mu         sync.RWMutex
	manager    *Manager
	generation uint64
}

// NewHolder wraps the initial manager at generation 1.
func NewHolder(m *Manager) *Holder {
	return &Holder{manager: m, generation: 1}
}

// Get returns the current manager and its generation.
func (h *Holder) Get() (*Manager, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.manager, h.generation
}

// Manager returns just the current manager.
func (h *Holder) Manager() *Manager {
	m, _ := h.Get()
	return m
}

// Replace swaps in a new manager, closes the old one's connections, and bumps
// the generation.
func (h *Holder) Replace(m *Manager) {
	h.mu.Lock()
	old := h.manager
	h.manager = m
	h.generation++
	h.mu.Unlock()

	if old != nil {
		old.Close()
	}
}
