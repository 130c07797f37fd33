package tool

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Catalog maps "module:function" paths to tool bodies. Builtin and native
// descriptors name their implementation through it.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Impl
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]Impl)}
}

// SplitFunctionPath splits "module:function" into its parts.
func SplitFunctionPath(path string) (module, function string, err error) {
	module, function, ok := strings.Cut(path, ":")
	module = strings.TrimSpace(module)
	function = strings.TrimSpace(function)
	if !ok || module == "" || function == "" {
		return "", "", fmt.Errorf("function path %q must have the form module:function", path)
	}
	return module, function, nil
}

// Register adds impl under path, replacing any previous entry.
func (c *Catalog) Register(path string, impl Impl) error {
	if _, _, err := SplitFunctionPath(path); err != nil {
		return err
	}
	if _, err := impl.Capability(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = impl
	return nil
}

// Lookup returns the implementation registered under path.
func (c *Catalog) Lookup(path string) (Impl, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	impl, ok := c.entries[path]
	if !ok {
		return Impl{}, fmt.Errorf("%s: %w", path, ErrFunctionNotFound)
	}
	return impl, nil
}

// Has reports whether path is registered.
func (c *Catalog) Has(path string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[path]
	return ok
}

// Paths lists registered paths in sorted order.
func (c *Catalog) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
