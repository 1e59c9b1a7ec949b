// Package addr hands out opaque integer addresses for Go values that have to
// travel through a guest runtime and come back, such as module and bus
// references passed to guest constructors.
package addr

import (
	"sync"
	"sync/atomic"
)

// Table maps addresses to values. The zero address is never issued, so a
// guest passing 0 always resolves to nothing.
type Table struct {
	next   atomic.Int64
	mu     sync.RWMutex
	values map[int64]any
}

func NewTable() *Table {
	return &Table{values: make(map[int64]any)}
}

// Register stores v and returns its address. Addresses are never reused.
func (t *Table) Register(v any) int64 {
	id := t.next.Add(1)
	t.mu.Lock()
	t.values[id] = v
	t.mu.Unlock()
	return id
}

func (t *Table) Lookup(id int64) (any, bool) {
	t.mu.RLock()
	v, ok := t.values[id]
	t.mu.RUnlock()
	return v, ok
}

// Remove forgets id. Removing an unknown address is a no-op.
func (t *Table) Remove(id int64) {
	t.mu.Lock()
	delete(t.values, id)
	t.mu.Unlock()
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}
