package llm

import (
	"fmt"
	"sort"
	"sync"
)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]func() Backend)
)

// Register makes a backend available under name. It panics on duplicates,
// like database/sql drivers.
func Register(name string, factory func() Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if factory == nil {
		panic("llm: Register factory is nil")
	}
	if _, dup := backends[name]; dup {
		panic("llm: Register called twice for backend " + name)
	}
	backends[name] = factory
}

// Open returns a new instance of the named backend.
func Open(name string) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (registered: %v)", name, Backends())
	}
	return factory(), nil
}

// Backends lists registered backend names, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
