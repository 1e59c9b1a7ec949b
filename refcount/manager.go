// Package refcount tracks how many modules reference the shared guest VM.
//
// A Holder owns at most one Manager at a time. Modules obtain it with
// Create, bump it with Add, drop it with Remove and hand it back with
// Destroy. The count reaching zero is the only signal that the VM can be
// torn down.
package refcount

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrInvalidHandle = errors.New("refcount: invalid manager handle")
	ErrNegativeCount = errors.New("refcount: count would drop below zero")
)

// Manager is a lock-protected module count.
type Manager struct {
	mu        sync.Mutex
	count     int
	destroyed bool
}

// Add increments the count.
func (m *Manager) Add() error {
	return m.incDec(1)
}

// Remove decrements the count.
func (m *Manager) Remove() error {
	return m.incDec(-1)
}

func (m *Manager) incDec(delta int) error {
	if m == nil {
		Logger().Error("manager handle is nil")
		return ErrInvalidHandle
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		Logger().Error("manager handle was already destroyed")
		return ErrInvalidHandle
	}
	if m.count+delta < 0 {
		Logger().Error("remove without matching add", zap.Int("count", m.count))
		return ErrNegativeCount
	}
	m.count += delta
	return nil
}

// Size returns the current count, or 0 for a nil or destroyed manager.
func (m *Manager) Size() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return 0
	}
	return m.count
}

// Holder owns the singleton Manager.
type Holder struct {
	mu       sync.Mutex
	instance *Manager
}

func NewHolder() *Holder {
	return &Holder{}
}

var defaultHolder = NewHolder()

// Default returns the process-wide holder.
func Default() *Holder {
	return defaultHolder
}

// Create returns the live manager, allocating one on first use.
func (h *Holder) Create() *Manager {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.instance == nil {
		h.instance = &Manager{}
	}
	return h.instance
}

// Current returns the live manager without creating one.
func (h *Holder) Current() *Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.instance
}

// Destroy frees m when its count is zero. A manager that is still
// referenced is left alone; the last module to leave destroys it.
func (h *Holder) Destroy(m *Manager) {
	if m == nil {
		Logger().Error("manager handle is nil")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if m != h.instance {
		Logger().Error("manager handle is not owned by this holder")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count != 0 {
		Logger().Info("manager not destroyed, still referenced", zap.Int("count", m.count))
		return
	}
	m.destroyed = true
	h.instance = nil
}
