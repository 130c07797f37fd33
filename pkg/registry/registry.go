// Package registry holds the name to Tool map used by the engine.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyRegistered is returned when a tool name is taken.
	ErrAlreadyRegistered = errors.New("tool already registered")
	// ErrInvalidTool is returned for nil tools or tools without a name.
	ErrInvalidTool = errors.New("invalid tool")
)

// Registry maps tool names to tools. Names are unique.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]tool.Tool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]tool.Tool)}
}

// Register adds t under its name.
func (r *Registry) Register(t tool.Tool) error {
	if t == nil || strings.TrimSpace(t.Name()) == "" {
		return ErrInvalidTool
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("%s: %w", t.Name(), ErrAlreadyRegistered)
	}
	r.tools[t.Name()] = t

	log.Info().Str("tool", t.Name()).Str("capability", t.Capability().String()).Msg("Tool registered")
	return nil
}

// Unregister removes a tool and returns it, if present.
func (r *Registry) Unregister(name string) (tool.Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	delete(r.tools, name)

	log.Info().Str("tool", name).Msg("Tool unregistered")
	return t, true
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools returns registered tools ordered by name.
func (r *Registry) Tools() []tool.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]tool.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Replace swaps the whole tool set at once and returns the previous tools.
func (r *Registry) Replace(tools []tool.Tool) ([]tool.Tool, error) {
	next := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		if t == nil || strings.TrimSpace(t.Name()) == "" {
			return nil, ErrInvalidTool
		}
		if _, dup := next[t.Name()]; dup {
			return nil, fmt.Errorf("%s: %w", t.Name(), ErrAlreadyRegistered)
		}
		next[t.Name()] = t
	}

	r.mu.Lock()
	previous := make([]tool.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		previous = append(previous, t)
	}
	r.tools = next
	r.mu.Unlock()

	log.Info().Int("tools", len(next)).Int("replaced", len(previous)).Msg("Registry rebuilt")
	return previous, nil
}
