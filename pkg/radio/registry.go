package radio

import (
	"sort"
	"strings"
	"sync"
)

// Registry tracks the available backends and the single active one. It is
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	active   string
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register adds b under its name. An existing entry is kept unless replace is
// set. The first backend registered becomes active. Returns whether b was
// stored.
func (r *Registry) Register(b Backend, replace bool) bool {
	if b == nil {
		return false
	}
	name := strings.ToLower(b.Name())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[name]; exists && !replace {
		return false
	}
	r.backends[name] = b
	if r.active == "" {
		r.active = name
	}
	return true
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[strings.ToLower(name)]
	return b, ok
}

// Active returns the active backend, or nil.
func (r *Registry) Active() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return nil
	}
	return r.backends[r.active]
}

// SetActive selects a registered backend. Unknown names leave the active
// backend unchanged and return false.
func (r *Registry) SetActive(name string) bool {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		return false
	}
	r.active = name
	return true
}

func (r *Registry) ClearActive() {
	r.mu.Lock()
	r.active = ""
	r.mu.Unlock()
}

// IsReady reports whether an active backend exists and is connected.
func (r *Registry) IsReady() bool {
	b := r.Active()
	return b != nil && b.IsConnected()
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
