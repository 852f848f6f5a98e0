// Package registry holds the in-memory name → handler mapping the dispatcher
// resolves commands against.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const logPrefix = "registry:registry"

// Params is the command parameter mapping.
type Params = map[string]interface{}

// HandlerFunc runs one command. ctx is cancelled when the caller stops
// waiting; handlers that ignore it keep running to completion.
type HandlerFunc func(ctx context.Context, params Params) (interface{}, error)

// DuplicateError is returned when a name is already registered and
// overwrite was not requested.
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s - handler %q already registered (pass overwrite to replace it)", logPrefix, e.Name)
}

// Registry is safe for concurrent use. Registration normally happens once at
// startup; lookups happen on every dispatch.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds fn under name. An existing name is only replaced when
// overwrite is true.
func (r *Registry) Register(name string, fn HandlerFunc, overwrite bool) error {
	if name == "" {
		return fmt.Errorf("%s - handler name must not be empty", logPrefix)
	}
	if fn == nil {
		return fmt.Errorf("%s - handler %q is nil", logPrefix, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		if !overwrite {
			return &DuplicateError{Name: name}
		}
		slog.Info(fmt.Sprintf("%s - Replacing handler %s", logPrefix, name))
	}
	r.handlers[name] = fn
	slog.Debug(fmt.Sprintf("%s - Registered handler %s", logPrefix, name))
	return nil
}

// Unregister removes name. Absent names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the handler for name and whether it exists.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}
