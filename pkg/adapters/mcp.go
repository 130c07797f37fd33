package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/harun/toolrun/pkg/bridge"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog/log"
)

// ClientName and ClientVersion identify the engine to MCP servers.
const (
	ClientName    = "toolrun"
	ClientVersion = "0.1.0"
)

// ErrClientClosed is returned by calls on a closed MCP client.
var ErrClientClosed = errors.New("mcp client closed")

// MCPTool is a tool advertised by an MCP server.
type MCPTool struct {
	Name        string
	Description string
	Schema      tool.Schema
}

// MCPClient talks to one MCP server.
type MCPClient interface {
	ListTools(ctx context.Context) ([]MCPTool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	Close() error
}

// DialFunc connects to an MCP server.
type DialFunc func(ctx context.Context, serverURL string) (MCPClient, error)

// DialMCP connects over streamable HTTP for http(s) URLs and over WebSocket
// for ws(s) URLs.
func DialMCP(ctx context.Context, serverURL string) (MCPClient, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse mcp server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return DialHTTP(ctx, serverURL)
	case "ws", "wss":
		return DialWebSocket(ctx, serverURL)
	}
	return nil, fmt.Errorf("unsupported mcp server scheme %q", u.Scheme)
}

// MCPPool shares one client per server URL between the tools that use it.
type MCPPool struct {
	dial DialFunc

	mu      sync.Mutex
	clients map[string]MCPClient
}

// NewMCPPool creates a pool. A nil dial uses DialMCP.
func NewMCPPool(dial DialFunc) *MCPPool {
	if dial == nil {
		dial = DialMCP
	}
	return &MCPPool{dial: dial, clients: make(map[string]MCPClient)}
}

// Client returns the client for serverURL, connecting on first use.
// Concurrent first calls may both dial; the loser's client is closed.
func (p *MCPPool) Client(ctx context.Context, serverURL string) (MCPClient, error) {
	p.mu.Lock()
	if p.clients == nil {
		p.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c, ok := p.clients[serverURL]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.dial(ctx, serverURL)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients == nil {
		_ = c.Close()
		return nil, ErrClientClosed
	}
	if existing, ok := p.clients[serverURL]; ok {
		_ = c.Close()
		return existing, nil
	}
	p.clients[serverURL] = c
	log.Info().Str("server", serverURL).Msg("MCP client connected")
	return c, nil
}

// Drop closes and forgets the client for serverURL so the next call
// reconnects.
func (p *MCPPool) Drop(serverURL string) {
	p.mu.Lock()
	c, ok := p.clients[serverURL]
	delete(p.clients, serverURL)
	p.mu.Unlock()

	if ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("server", serverURL).Msg("Failed to close MCP client")
		}
	}
}

// Size returns the number of open clients.
func (p *MCPPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Reset closes every client and keeps the pool usable. Tools reconnect on
// their next call.
func (p *MCPPool) Reset() error {
	p.mu.Lock()
	if p.clients == nil {
		p.mu.Unlock()
		return ErrClientClosed
	}
	clients := p.clients
	p.clients = make(map[string]MCPClient)
	p.mu.Unlock()

	return closeClients(clients)
}

// Close closes every client. The pool cannot be used afterwards.
func (p *MCPPool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = nil
	p.mu.Unlock()

	return closeClients(clients)
}

func closeClients(clients map[string]MCPClient) error {
	var errs []error
	for serverURL, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", serverURL, err))
		}
	}
	return errors.Join(errs...)
}

// NewMCPTool builds an async-only tool calling desc.RemoteName() on the
// server at desc.MCPServerURL. Dynamic-schema tools fetch their schema from
// the server before being returned.
func NewMCPTool(ctx context.Context, desc tool.Descriptor, pool *MCPPool) (*tool.Base, error) {
	u, err := url.Parse(desc.MCPServerURL)
	if err != nil || u.Host == "" {
		return nil, &tool.ConfigurationError{Tool: desc.Name, Reason: fmt.Sprintf("mcp_server_url %q is invalid", desc.MCPServerURL)}
	}

	call := func(ctx context.Context, args map[string]any) *bridge.Future[any] {
		return bridge.Spawn(ctx, func(ctx context.Context) (any, error) {
			c, err := pool.Client(ctx, desc.MCPServerURL)
			if err != nil {
				return nil, fmt.Errorf("connect %s: %w", desc.MCPServerURL, err)
			}
			out, err := c.CallTool(ctx, desc.RemoteName(), args)
			if errors.Is(err, ErrClientClosed) {
				pool.Drop(desc.MCPServerURL)
			}
			return out, err
		})
	}

	var opts []tool.Option
	if desc.DynamicSchema {
		opts = append(opts, tool.WithSchemaSource(func(ctx context.Context) (tool.Schema, error) {
			return remoteSchema(ctx, pool, desc)
		}))
	}

	t, err := tool.New(desc, tool.Impl{Async: call}, nil, opts...)
	if err != nil {
		return nil, err
	}
	if desc.DynamicSchema {
		if err := t.SyncSchema(ctx); err != nil {
			log.Warn().Err(err).Str("tool", desc.Name).Msg("Keeping configured schema, remote schema unavailable")
		}
	}
	return t, nil
}

func remoteSchema(ctx context.Context, pool *MCPPool, desc tool.Descriptor) (tool.Schema, error) {
	c, err := pool.Client(ctx, desc.MCPServerURL)
	if err != nil {
		return tool.Schema{}, err
	}
	tools, err := c.ListTools(ctx)
	if err != nil {
		return tool.Schema{}, err
	}
	for _, t := range tools {
		if t.Name == desc.RemoteName() {
			return t.Schema, nil
		}
	}
	return tool.Schema{}, fmt.Errorf("server %s does not offer tool %s", desc.MCPServerURL, desc.RemoteName())
}
