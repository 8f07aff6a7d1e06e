package driver

import "sync"

// Driver bundles the page-manipulation collaborators for one session.
type Driver struct {
	Input     Input
	Selectors Selectors
}

// Registry caches drivers by session ID. Sessions are torn down explicitly,
// so the cache is explicit too: Dispose must be called when a session ends or
// the entry leaks.
type Registry struct {
	mu      sync.Mutex
	build   func(sessionID string) *Driver
	drivers map[string]*Driver
}

// NewRegistry creates a Registry that builds missing drivers with build.
func NewRegistry(build func(sessionID string) *Driver) *Registry {
	return &Registry{
		build:   build,
		drivers: map[string]*Driver{},
	}
}

// Get returns the driver for sessionID, building and caching it on first use.
func (r *Registry) Get(sessionID string) *Driver {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.drivers[sessionID]; ok {
		return d
	}
	d := r.build(sessionID)
	r.drivers[sessionID] = d
	return d
}

// Dispose drops the driver for sessionID. Safe to call for unknown IDs.
func (r *Registry) Dispose(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.drivers, sessionID)
}

// Len reports how many sessions currently hold a driver.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.drivers)
}
