// Package mastertenant holds the process-wide "master tenant UUID" cell.
// Every worker in internal/procpool runs as a goroutine within one process,
// so a mutex-guarded value plays the role shared memory would play across
// separate OS processes, without needing an actual shared-memory segment.
package mastertenant

import "sync"

// Proxy is written once by the bootstrap service-token renewer and read by
// every Session thereafter to decide "is this user a global admin?".
type Proxy struct {
	mu    sync.RWMutex
	value string
	set   bool
}

// Set stores the master tenant UUID. Only the bootstrap renewer's one-shot
// callback should call this.
func (p *Proxy) Set(tenantUUID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = tenantUUID
	p.set = true
}

// Get returns the master tenant UUID and whether it has been learned yet.
func (p *Proxy) Get() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value, p.set
}

// HasMasterTenant reports whether Set has been called yet.
func (p *Proxy) HasMasterTenant() bool {
	_, ok := p.Get()
	return ok
}
