package backend

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/framegraph"
)

// Factory opens a new device.
type Factory func() (framegraph.Device, error)

// registry holds registered device factories.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
	// Priority order for device selection (first that opens wins).
	// Native > Trace (Trace is the CPU fallback).
	backendPriority = []string{BackendNative, BackendTrace}
)

// Register registers a device factory with the given name.
// This is typically called from init() functions in backend packages.
// If a factory with the same name is already registered, it is replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a factory from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered backend names, sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Open opens a device with the named backend.
func Open(name string) (framegraph.Device, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	dev, err := factory()
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	return dev, nil
}

// explicitOnly lists backends Default never opens.
var explicitOnly = []string{BackendNoop}

// Default opens the best available device based on priority and returns
// it with its backend name. A backend whose factory fails is skipped.
func Default() (string, framegraph.Device, error) {
	registryMu.RLock()
	order := slices.Clone(backendPriority)
	for _, name := range sortedKeys(factories) {
		if !slices.Contains(order, name) && !slices.Contains(explicitOnly, name) {
			order = append(order, name)
		}
	}
	registryMu.RUnlock()

	var errs []error
	for _, name := range order {
		if !IsRegistered(name) {
			continue
		}
		dev, err := Open(name)
		if err == nil {
			return name, dev, nil
		}
		framegraph.Logger().Warn("backend: skipping", "backend", name, "err", err)
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return "", nil, fmt.Errorf("%w: %v", ErrBackendNotAvailable, errs)
	}
	return "", nil, ErrBackendNotAvailable
}

// MustDefault returns the default device or panics.
func MustDefault() framegraph.Device {
	_, dev, err := Default()
	if err != nil {
		panic(err)
	}
	return dev
}

func sortedKeys(m map[string]Factory) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
