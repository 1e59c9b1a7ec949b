package host

import (
	"sync"

	"github.com/caffeineduck/modhost/guest"
	"github.com/caffeineduck/modhost/internal/addr"
)

// domain is the state shared by every Host driving the same launcher. The
// publish native is registered on the VM-wide bus class, so whichever Host
// registered it last must still resolve the addresses of every other Host's
// modules, and VM acquisition must be serialized with teardown across all of
// them.
type domain struct {
	addrs *addr.Table

	// lifecycle serializes VM acquisition with VM teardown so a module being
	// created never attaches to a VM another module is destroying.
	lifecycle sync.Mutex
}

var (
	domainsMu sync.Mutex
	domains   = make(map[guest.Launcher]*domain)
)

// domainFor returns the domain of l, creating it on first use.
func domainFor(l guest.Launcher) *domain {
	domainsMu.Lock()
	defer domainsMu.Unlock()
	d, ok := domains[l]
	if !ok {
		d = &domain{addrs: addr.NewTable()}
		domains[l] = d
	}
	return d
}
