package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/toolrun/pkg/tool"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"
)

// HTTPClient is an MCP client over the streamable HTTP transport.
type HTTPClient struct {
	url string
	c   *client.Client
}

// DialHTTP connects to a streamable HTTP MCP server and runs the initialize
// handshake.
func DialHTTP(ctx context.Context, serverURL string) (*HTTPClient, error) {
	c, err := client.NewStreamableHttpClient(serverURL)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: ClientName, Version: ClientVersion}

	res, err := c.Initialize(ctx, req)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp session: %w", err)
	}

	log.Debug().
		Str("server", serverURL).
		Str("server_name", res.ServerInfo.Name).
		Str("protocol", res.ProtocolVersion).
		Msg("MCP session initialized")

	return &HTTPClient{url: serverURL, c: c}, nil
}

// ListTools returns the tools the server advertises.
func (h *HTTPClient) ListTools(ctx context.Context) ([]MCPTool, error) {
	res, err := h.c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	tools := make([]MCPTool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, MCPTool{
			Name:        t.Name,
			Description: t.Description,
			Schema: tool.SchemaFromMap(map[string]any{
				"type":       t.InputSchema.Type,
				"properties": t.InputSchema.Properties,
				"required":   t.InputSchema.Required,
			}),
		})
	}
	return tools, nil
}

// CallTool invokes name and converts the result.
func (h *HTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := h.c.CallTool(ctx, req)
	if err != nil {
		return nil, &tool.ExecutionError{Tool: name, Err: err}
	}

	var texts []string
	for _, content := range res.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			texts = append(texts, c.Text)
		case *mcp.TextContent:
			texts = append(texts, c.Text)
		}
	}
	return callOutput(name, res.IsError, res.StructuredContent, texts)
}

// Close ends the session.
func (h *HTTPClient) Close() error {
	return h.c.Close()
}

// callOutput picks structured content when present, otherwise the joined
// text blocks. Error results become a *tool.ExecutionError.
func callOutput(name string, isError bool, structured any, texts []string) (any, error) {
	text := strings.Join(texts, "\n")
	if isError {
		if text == "" {
			text = "remote tool reported an error"
		}
		return nil, &tool.ExecutionError{Tool: name, Err: errors.New(text)}
	}
	if structured != nil {
		return structured, nil
	}
	return text, nil
}
