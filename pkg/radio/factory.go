package radio

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Factory builds a fresh backend instance.
type Factory func(log *slog.Logger) Backend

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterFactory is called from backend package init() functions.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	factories[strings.ToLower(name)] = f
	factoriesMu.Unlock()
}

// NewBackend builds the backend registered as name.
func NewBackend(name string, log *slog.Logger) (Backend, error) {
	factoriesMu.RLock()
	f, ok := factories[strings.ToLower(name)]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	if log == nil {
		log = slog.Default()
	}
	return f(log), nil
}

// FactoryNames lists the backends that can be built.
func FactoryNames() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
