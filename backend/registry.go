package backend

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/gogpu/mux/muxcore"
)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)

	// Priority order for OpenDefault (first device that opens wins).
	// Noop is never chosen by default.
	priority = []string{Vulkan, Software}
)

// Register registers a factory under name. Registering an existing name
// replaces it. Typically called from init().
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = f
}

// Unregister removes a backend. Useful for tests.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered backend names in sorted order.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

func lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Open opens a device with the named backend.
func Open(name string) (muxcore.Device, error) {
	f, ok := lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	dev, err := f()
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	return dev, nil
}

// OpenDefault opens the highest-priority backend that succeeds.
// The returned error joins every failure if none does.
func OpenDefault() (muxcore.Device, string, error) {
	var errs []error
	for _, name := range priority {
		if !IsRegistered(name) {
			continue
		}
		dev, err := Open(name)
		if err == nil {
			return dev, name, nil
		}
		errs = append(errs, err)
	}
	return nil, "", fmt.Errorf("%w: %w", ErrNoBackend, multierr.Combine(errs...))
}
