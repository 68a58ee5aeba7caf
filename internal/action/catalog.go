package action

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog holds every action definition known to the process. Backends
// register their definitions at bootstrap; lookups are safe for concurrent
// use afterwards.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Definition
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]Definition)}
}

// Register adds a definition. Names are unique across all backends.
func (c *Catalog) Register(def Definition) error {
	return c.RegisterAll(def)
}

// RegisterAll adds defs as one unit: if any definition is invalid or its
// name is taken, none of them is added.
func (c *Catalog) RegisterAll(defs ...Definition) error {
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		if err := def.Check(); err != nil {
			return err
		}
		if seen[def.Name] {
			return fmt.Errorf("action %q declared twice", def.Name)
		}
		seen[def.Name] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, def := range defs {
		if existing, ok := c.entries[def.Name]; ok {
			return fmt.Errorf("action %q already registered by backend %q", def.Name, existing.Backend)
		}
	}
	for _, def := range defs {
		c.entries[def.Name] = def.clone()
	}
	return nil
}

// Lookup returns the definition for name.
func (c *Catalog) Lookup(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.entries[name]
	if !ok {
		return Definition{}, false
	}
	return def.clone(), true
}

// List returns all definitions sorted by name.
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	out := make([]Definition, 0, len(c.entries))
	for _, def := range c.entries {
		out = append(out, def.clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered definitions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
