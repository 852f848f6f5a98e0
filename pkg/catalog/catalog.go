// Package catalog is the secondary named-service catalog the dispatcher
// falls back to when a command has no registered handler. Services declare
// their calling convention explicitly and carry a semantic version.
package catalog

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

const logPrefix = "catalog:catalog"

// Catalog is safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	services map[string][]*Service
}

// New creates an empty Catalog.
func New() *Catalog {
	return &Catalog{services: make(map[string][]*Service)}
}

// Add registers a service version.
func (c *Catalog) Add(s *Service) error {
	if s == nil {
		return fmt.Errorf("%s - service is nil", logPrefix)
	}
	if err := s.validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.services[s.Name] {
		if existing.version.Equal(s.version) {
			return fmt.Errorf("%s - service %s@%s already in catalog", logPrefix, s.Name, s.Version)
		}
	}
	c.services[s.Name] = append(c.services[s.Name], s)
	slog.Debug(fmt.Sprintf("%s - Added service %s@%s (%s)", logPrefix, s.Name, s.Version, s.Convention))
	return nil
}

// Remove drops one version of a service, or all versions when version is
// empty.
func (c *Catalog) Remove(name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if version == "" {
		delete(c.services, name)
		return
	}
	kept := c.services[name][:0]
	for _, s := range c.services[name] {
		if s.Version != version {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(c.services, name)
		return
	}
	c.services[name] = kept
}

// Lookup resolves a reference of the form name[@range].
func (c *Catalog) Lookup(ref string) (*Service, bool) {
	parsed, err := ParseServiceRef(ref)
	if err != nil {
		return nil, false
	}

	c.mu.RLock()
	candidates := append([]*Service(nil), c.services[parsed.Name]...)
	c.mu.RUnlock()

	s := selectVersion(candidates, parsed.Range)
	return s, s != nil
}

// List returns service names in sorted order.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Versions returns the registered versions of name, highest first.
func (c *Catalog) Versions(name string) []string {
	c.mu.RLock()
	services := append([]*Service(nil), c.services[name]...)
	c.mu.RUnlock()

	sort.Slice(services, func(i, j int) bool {
		return services[i].version.GreaterThan(services[j].version)
	})
	out := make([]string, len(services))
	for i, s := range services {
		out[i] = s.Version
	}
	return out
}
