package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/harun/toolrun/pkg/bridge"
	"github.com/rs/zerolog/log"
)

// Capability records which execution paths a tool implements natively.
type Capability int

const (
	// SyncOnly tools implement the blocking path; the suspending path runs it
	// on the worker pool.
	SyncOnly Capability = iota + 1
	// AsyncOnly tools implement the suspending path; the blocking path drives
	// it on an isolated scheduler.
	AsyncOnly
	// Hybrid tools implement both paths and are never cross-wired.
	Hybrid
)

func (c Capability) String() string {
	switch c {
	case SyncOnly:
		return "sync_only"
	case AsyncOnly:
		return "async_only"
	case Hybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// SyncFunc is a blocking tool body.
type SyncFunc func(ctx context.Context, args map[string]any) (any, error)

// AsyncFunc is a suspending tool body. It must return without blocking.
type AsyncFunc func(ctx context.Context, args map[string]any) *bridge.Future[any]

// Impl holds the bodies a tool author provides. At least one must be set.
type Impl struct {
	Sync  SyncFunc
	Async AsyncFunc
}

// Capability derives the capability tag from the bodies present.
func (i Impl) Capability() (Capability, error) {
	switch {
	case i.Sync != nil && i.Async != nil:
		return Hybrid, nil
	case i.Sync != nil:
		return SyncOnly, nil
	case i.Async != nil:
		return AsyncOnly, nil
	default:
		return 0, errors.New("tool implements neither a sync nor an async body")
	}
}

// Tool is a named, schema-described callable with blocking and suspending
// entry points that produce the same result for the same arguments.
type Tool interface {
	Name() string
	Descriptor() Descriptor
	Schema() Schema
	ValidateParameters(args map[string]any) error
	Capability() Capability
	Execute(ctx context.Context, args map[string]any) (any, error)
	ExecuteAsync(ctx context.Context, args map[string]any) *bridge.Future[any]
}

// Base is the standard Tool built from a descriptor and an Impl.
type Base struct {
	impl       Impl
	capability Capability
	bridge     *bridge.Bridge
	closer     io.Closer
	source     SchemaSource

	mu        sync.RWMutex
	desc      Descriptor
	validator *ParamValidator
}

// Option configures a Base.
type Option func(*Base)

// WithCloser releases c when the tool is closed.
func WithCloser(c io.Closer) Option {
	return func(b *Base) {
		b.closer = c
	}
}

// SchemaSource fetches the current parameters schema of a dynamic-schema tool.
type SchemaSource func(ctx context.Context) (Schema, error)

// WithSchemaSource lets SyncSchema refresh the schema from src.
func WithSchemaSource(src SchemaSource) Option {
	return func(b *Base) {
		b.source = src
	}
}

// SchemaSyncer is implemented by tools whose schema can change after build.
type SchemaSyncer interface {
	SyncSchema(ctx context.Context) error
}

// New builds a tool. The bridge is required for sync-only tools, whose
// suspending path runs on its worker pool.
func New(desc Descriptor, impl Impl, br *bridge.Bridge, opts ...Option) (*Base, error) {
	capability, err := impl.Capability()
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", desc.Name, err)
	}
	if capability == SyncOnly && br == nil {
		return nil, fmt.Errorf("tool %s: sync-only tools need a bridge", desc.Name)
	}

	validator, err := CompileSchema(desc.Parameters)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", desc.Name, err)
	}

	log.Debug().
		Str("tool", desc.Name).
		Str("type", string(desc.Type)).
		Str("capability", capability.String()).
		Msg("Tool built")

	b := &Base{
		impl:       impl,
		capability: capability,
		bridge:     br,
		desc:       desc,
		validator:  validator,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Base) Name() string {
	return b.desc.Name
}

func (b *Base) Descriptor() Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.desc
}

func (b *Base) Schema() Schema {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.desc.Parameters
}

func (b *Base) Capability() Capability {
	return b.capability
}

// ValidateParameters checks required presence and declared types, reporting
// the first violation.
func (b *Base) ValidateParameters(args map[string]any) error {
	b.mu.RLock()
	validator := b.validator
	b.mu.RUnlock()
	return validator.Validate(args)
}

// RefreshSchema swaps in a new parameters schema.
func (b *Base) RefreshSchema(s Schema) error {
	validator, err := CompileSchema(s)
	if err != nil {
		return fmt.Errorf("tool %s: %w", b.desc.Name, err)
	}

	b.mu.Lock()
	b.desc.Parameters = s
	b.validator = validator
	b.mu.Unlock()

	log.Info().Str("tool", b.desc.Name).Int("properties", len(s.Properties)).Msg("Tool schema refreshed")
	return nil
}

// SyncSchema refreshes the schema from the tool's schema source. Tools
// without a source keep their schema.
func (b *Base) SyncSchema(ctx context.Context) error {
	if b.source == nil {
		return nil
	}
	s, err := b.source(ctx)
	if err != nil {
		return fmt.Errorf("tool %s: fetch schema: %w", b.desc.Name, err)
	}
	return b.RefreshSchema(s)
}

// Execute runs the tool and blocks until it finishes. Async-only tools are
// driven on an isolated scheduler and fail with bridge.ErrNestedScheduler
// when ctx already runs under one.
func (b *Base) Execute(ctx context.Context, args map[string]any) (any, error) {
	if b.impl.Sync != nil {
		return b.impl.Sync(ctx, args)
	}
	return bridge.RunAsync(ctx, func(ctx context.Context) *bridge.Future[any] {
		return b.impl.Async(ctx, args)
	})
}

// ExecuteAsync starts the tool and returns without blocking. Sync-only tools
// run on the bridge worker pool.
func (b *Base) ExecuteAsync(ctx context.Context, args map[string]any) *bridge.Future[any] {
	if b.impl.Async != nil {
		return b.impl.Async(ctx, args)
	}
	return b.bridge.Submit(ctx, func(ctx context.Context) (any, error) {
		return b.impl.Sync(ctx, args)
	})
}

// Close releases resources held by the implementation, if any.
func (b *Base) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}
