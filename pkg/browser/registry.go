package browser

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an engine with its default configuration.
type Factory func() (Engine, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// DefaultEngine is used when a workflow does not name one.
const DefaultEngine = "chromedp"

// Register is called from each engine package's init() so Lookup can build
// an engine by the name a workflow file uses.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Lookup builds the engine registered under name ("" means DefaultEngine).
func Lookup(name string) (Engine, error) {
	if name == "" {
		name = DefaultEngine
	}
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no browser engine registered for name: %s", name)
	}
	return factory()
}

// Names lists registered engines.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
