// Package manager builds tools from descriptors, keeps them in a registry and
// hands out per-session instances of stateful tools.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/harun/toolrun/internal/metrics"
	"github.com/harun/toolrun/pkg/registry"
	"github.com/harun/toolrun/pkg/statestore"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog/log"
)

// Manager owns the registered tools and their session state.
type Manager struct {
	factory  *Factory
	registry *registry.Registry
	store    *statestore.Store
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]map[string]*tool.Stateful // tool name -> session id
}

// New creates a manager. store may be nil, in which case an in-memory store
// is created; m may be nil.
func New(factory *Factory, store *statestore.Store, m *metrics.Metrics) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("tool factory is required")
	}
	if store == nil {
		store = statestore.New(statestore.Config{}, m)
	}
	return &Manager{
		factory:  factory,
		registry: registry.New(),
		store:    store,
		metrics:  m,
		sessions: make(map[string]map[string]*tool.Stateful),
	}, nil
}

// Store returns the state store backing stateful tools.
func (m *Manager) Store() *statestore.Store {
	return m.store
}

// Initialize builds and registers every enabled descriptor. Descriptors that
// fail validation or building are skipped and reported in the returned error.
func (m *Manager) Initialize(ctx context.Context, descs []tool.Descriptor) error {
	tools, errs := m.buildAll(ctx, descs)
	for _, t := range tools {
		if err := m.registry.Register(t); err != nil {
			closeTool(t)
			errs = append(errs, err)
		}
	}
	m.metrics.SetToolsRegistered(m.registry.Count())

	log.Info().
		Int("descriptors", len(descs)).
		Int("registered", m.registry.Count()).
		Int("failed", len(errs)).
		Msg("Tools initialized")
	return errors.Join(errs...)
}

// ReloadTools replaces the whole tool set. Previous tools are closed, their
// session contexts cleaned up and shared MCP connections reset.
func (m *Manager) ReloadTools(ctx context.Context, descs []tool.Descriptor) error {
	if err := m.factory.ResetConnections(); err != nil {
		log.Warn().Err(err).Msg("Failed to close MCP connections")
	}

	tools, errs := m.buildAll(ctx, descs)
	previous, err := m.registry.Replace(tools)
	if err != nil {
		for _, t := range tools {
			closeTool(t)
		}
		return fmt.Errorf("reload tools: %w", err)
	}

	m.dropSessions(func(string) bool { return true })
	for _, t := range previous {
		closeTool(t)
	}
	m.metrics.SetToolsRegistered(m.registry.Count())

	log.Info().
		Int("registered", len(tools)).
		Int("closed", len(previous)).
		Int("failed", len(errs)).
		Msg("Tools reloaded")
	return errors.Join(errs...)
}

// buildAll builds the enabled descriptors, dropping repeated names.
func (m *Manager) buildAll(ctx context.Context, descs []tool.Descriptor) ([]tool.Tool, []error) {
	var (
		tools []tool.Tool
		errs  []error
	)
	seen := make(map[string]bool, len(descs))

	for _, desc := range descs {
		if !desc.IsEnabled() {
			log.Debug().Str("tool", desc.Name).Msg("Skipping disabled tool")
			continue
		}
		if seen[desc.Name] {
			errs = append(errs, fmt.Errorf("%s: %w", desc.Name, registry.ErrAlreadyRegistered))
			continue
		}
		seen[desc.Name] = true

		t, err := m.factory.Build(ctx, desc)
		if err != nil {
			log.Warn().Err(err).Str("tool", desc.Name).Str("type", string(desc.Type)).Msg("Failed to build tool")
			errs = append(errs, err)
			continue
		}
		tools = append(tools, t)
	}
	return tools, errs
}

// RegisterTool adds an already built tool.
func (m *Manager) RegisterTool(t tool.Tool) error {
	if err := m.registry.Register(t); err != nil {
		return err
	}
	m.metrics.SetToolsRegistered(m.registry.Count())
	return nil
}

// UnregisterTool removes a tool, closes it and cleans up its session
// contexts. It reports whether the tool was registered.
func (m *Manager) UnregisterTool(name string) bool {
	t, ok := m.registry.Unregister(name)
	if !ok {
		return false
	}
	m.dropSessions(func(toolName string) bool { return toolName == name })
	closeTool(t)
	m.metrics.SetToolsRegistered(m.registry.Count())
	return true
}

// GetTool returns the named tool. Stateful tools are returned as the
// session's own instance with its state context initialized.
func (m *Manager) GetTool(name, sessionID string) (tool.Tool, error) {
	t, ok := m.registry.Get(name)
	if !ok {
		return nil, &tool.NotFoundError{Name: name}
	}
	if !t.Descriptor().Stateful {
		return t, nil
	}
	st := m.stateful(name, sessionID, t)
	st.InitializeContext(sessionID)
	return st, nil
}

func (m *Manager) stateful(name, sessionID string, t tool.Tool) *tool.Stateful {
	m.mu.RLock()
	st, ok := m.sessions[name][sessionID]
	m.mu.RUnlock()
	if ok {
		return st
	}

	created := tool.NewStateful(t, m.store)

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[name][sessionID]; ok {
		return st
	}
	if m.sessions[name] == nil {
		m.sessions[name] = make(map[string]*tool.Stateful)
	}
	m.sessions[name][sessionID] = created
	return created
}

// CloseSession cleans up the state contexts a session holds across all
// stateful tools.
func (m *Manager) CloseSession(sessionID string) int {
	var dropped []*tool.Stateful

	m.mu.Lock()
	for name, bySession := range m.sessions {
		if st, ok := bySession[sessionID]; ok {
			dropped = append(dropped, st)
			delete(bySession, sessionID)
		}
		if len(bySession) == 0 {
			delete(m.sessions, name)
		}
	}
	m.mu.Unlock()

	for _, st := range dropped {
		st.CleanupContext()
	}
	if len(dropped) > 0 {
		log.Debug().Str("session_id", sessionID).Int("contexts", len(dropped)).Msg("Session state cleaned up")
	}
	return len(dropped)
}

func (m *Manager) dropSessions(match func(toolName string) bool) {
	var dropped []*tool.Stateful

	m.mu.Lock()
	for name, bySession := range m.sessions {
		if !match(name) {
			continue
		}
		for _, st := range bySession {
			dropped = append(dropped, st)
		}
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	for _, st := range dropped {
		st.CleanupContext()
	}
}

// ListTools returns the descriptors of registered tools ordered by name.
func (m *Manager) ListTools() []tool.Descriptor {
	tools := m.registry.Tools()
	descs := make([]tool.Descriptor, 0, len(tools))
	for _, t := range tools {
		descs = append(descs, t.Descriptor())
	}
	return descs
}

// Count returns the number of registered tools.
func (m *Manager) Count() int {
	return m.registry.Count()
}

// ValidateDescriptors checks descriptors without building them.
func (m *Manager) ValidateDescriptors(descs []tool.Descriptor) map[string]ValidationResult {
	return m.factory.Validator().ValidateAll(descs)
}

// RefreshSchemas refetches the schema of every dynamic-schema tool. Tools
// whose refresh fails keep their current schema.
func (m *Manager) RefreshSchemas(ctx context.Context) error {
	var errs []error
	refreshed := 0
	for _, t := range m.registry.Tools() {
		if !t.Descriptor().DynamicSchema {
			continue
		}
		syncer, ok := t.(tool.SchemaSyncer)
		if !ok {
			continue
		}
		if err := syncer.SyncSchema(ctx); err != nil {
			log.Warn().Err(err).Str("tool", t.Name()).Msg("Failed to refresh tool schema")
			errs = append(errs, err)
			continue
		}
		refreshed++
	}
	log.Info().Int("refreshed", refreshed).Int("failed", len(errs)).Msg("Tool schemas refreshed")
	return errors.Join(errs...)
}

// Close unregisters and closes every tool, cleans up session state and
// closes shared connections.
func (m *Manager) Close() error {
	previous, err := m.registry.Replace(nil)
	if err != nil {
		return err
	}
	m.dropSessions(func(string) bool { return true })
	for _, t := range previous {
		closeTool(t)
	}
	m.metrics.SetToolsRegistered(0)
	return m.factory.Close()
}

func closeTool(t tool.Tool) {
	c, ok := t.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Warn().Err(err).Str("tool", t.Name()).Msg("Failed to close tool")
	}
}
