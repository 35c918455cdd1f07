package outbound

import (
	"container/list"
	"sync"
)

// registryMember is the view a Connection exposes to its owning
// Registry for metric scraping. Implemented by *base via the TCP/UDP
// concrete types.
type registryMember interface {
	protocolLabel() string
	addressLabel() string
	drainTraffic() (in, out uint64)
}

// Registry is the per-Worker list of live connections described in
// spec §4.5 and §9: a connection is a member iff it has been created
// and not yet destroyed. Iteration order is unspecified; removal is
// O(1) via the list.Element handle returned by add.
type Registry struct {
	mu    sync.Mutex
	conns *list.List
}

func newRegistry() *Registry {
	return &Registry{conns: list.New()}
}

func (r *Registry) add(m registryMember) *list.Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns.PushBack(m)
}

func (r *Registry) remove(e *list.Element) {
	if e == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns.Remove(e)
}

// Len reports the number of live connections, satisfying the
// "registry count equals live connections" invariant (spec §8.1.6).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns.Len()
}

func (r *Registry) each(f func(registryMember)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for e := r.conns.Front(); e != nil; e = e.Next() {
		f(e.Value.(registryMember))
	}
}
