package addr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLookupRemove(t *testing.T) {
	tbl := NewTable()

	id := tbl.Register("bus")
	require.NotZero(t, id)

	v, ok := tbl.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, "bus", v)

	tbl.Remove(id)
	_, ok = tbl.Lookup(id)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Len())
}

func TestZeroAddressNeverResolves(t *testing.T) {
	tbl := NewTable()
	tbl.Register(1)
	_, ok := tbl.Lookup(0)
	assert.False(t, ok)
}

func TestAddressesAreNotReused(t *testing.T) {
	tbl := NewTable()
	a := tbl.Register("a")
	tbl.Remove(a)
	b := tbl.Register("b")
	assert.NotEqual(t, a, b)
}

func TestConcurrentRegister(t *testing.T) {
	tbl := NewTable()
	const n = 64

	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = tbl.Register(i)
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate address %d", id)
		seen[id] = true
	}
	assert.Equal(t, n, tbl.Len())
}
