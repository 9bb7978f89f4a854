package registry

import (
	"sync"
)

// Registry is the in-memory map of live connections plus a per-IP counter
// for the max-connections-per-IP check. Enumeration returns copied slices so
// iteration never holds the lock against mutating operations.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	byIP  map[string]int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		byIP:  make(map[string]int),
	}
}

// Add registers a connection.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	r.byIP[c.IP]++
}

// Remove deregisters a connection. It returns false when the connection was
// already removed, so close paths can run cleanup at most once.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, exists := r.conns[id]
	if !exists {
		return false
	}
	delete(r.conns, id)
	if r.byIP[c.IP] <= 1 {
		delete(r.byIP, c.IP)
	} else {
		r.byIP[c.IP]--
	}
	return true
}

// Get looks up a connection by id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountByIP returns the number of live connections from one IP.
func (r *Registry) CountByIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byIP[ip]
}

// Snapshot returns a copy of all live connections.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Filter returns connections matching the predicate, evaluated outside the
// registry lock.
func (r *Registry) Filter(pred func(*Conn) bool) []*Conn {
	all := r.Snapshot()
	out := make([]*Conn, 0, len(all))
	for _, c := range all {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}
