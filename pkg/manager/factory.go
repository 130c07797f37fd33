package manager

import (
	"context"
	"fmt"
	"net/http"

	"github.com/harun/toolrun/pkg/adapters"
	"github.com/harun/toolrun/pkg/bridge"
	"github.com/harun/toolrun/pkg/tool"
)

// Factory turns validated descriptors into tools.
type Factory struct {
	catalog   *tool.Catalog
	bridge    *bridge.Bridge
	client    *http.Client
	mcp       *adapters.MCPPool
	validator *Validator
}

// NewFactory creates a factory. catalog resolves builtin and native
// function paths; br runs sync tool bodies; client serves REST tools; pool
// shares MCP connections.
func NewFactory(catalog *tool.Catalog, br *bridge.Bridge, client *http.Client, pool *adapters.MCPPool) *Factory {
	if catalog == nil {
		catalog = tool.NewCatalog()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if pool == nil {
		pool = adapters.NewMCPPool(nil)
	}
	return &Factory{
		catalog:   catalog,
		bridge:    br,
		client:    client,
		mcp:       pool,
		validator: NewValidator(catalog),
	}
}

// Validator returns the validator the factory checks descriptors with.
func (f *Factory) Validator() *Validator {
	return f.validator
}

// Build validates desc and builds the tool it describes. Invalid
// descriptors fail with a *tool.ConfigurationError.
func (f *Factory) Build(ctx context.Context, desc tool.Descriptor) (tool.Tool, error) {
	if r := f.validator.Validate(desc); !r.Valid() {
		return nil, &tool.ConfigurationError{Tool: desc.Name, Reason: r.Err().Error()}
	}

	var (
		t   *tool.Base
		err error
	)
	switch desc.Type {
	case tool.TypeBuiltin, tool.TypeNative:
		impl, lookupErr := f.catalog.Lookup(desc.FunctionPath)
		if lookupErr != nil {
			return nil, lookupErr
		}
		t, err = tool.New(desc, impl, f.bridge)
	case tool.TypeREST:
		t, err = adapters.NewRESTTool(desc, f.client)
	case tool.TypeMCP:
		t, err = adapters.NewMCPTool(ctx, desc, f.mcp)
	default:
		err = fmt.Errorf("tool %s: unsupported tool type %q", desc.Name, desc.Type)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ResetConnections closes shared MCP connections. Tools dial again on their
// next call.
func (f *Factory) ResetConnections() error {
	return f.mcp.Reset()
}

// Close closes shared MCP connections for good.
func (f *Factory) Close() error {
	return f.mcp.Close()
}
