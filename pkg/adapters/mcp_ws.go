package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog/log"
)

const (
	wsProtocolVersion = "2025-03-26"
	wsWriteTimeout    = 10 * time.Second
)

// JSON-RPC 2.0 envelopes.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      *int64 `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("mcp error (%d): %s", e.Code, e.Message)
}

// WebSocketClient is an MCP client speaking JSON-RPC over one WebSocket
// connection. Responses are matched to requests by ID.
type WebSocketClient struct {
	url  string
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcResponse
	closed  bool
	done    chan struct{}
}

// DialWebSocket connects to a WebSocket MCP server and runs the initialize
// handshake.
func DialWebSocket(ctx context.Context, serverURL string) (*WebSocketClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}

	c := &WebSocketClient{
		url:     serverURL,
		conn:    conn,
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go c.listen()

	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *WebSocketClient) listen() {
	defer c.shutdown()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("server", c.url).Msg("MCP websocket read ended")
			}
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Error().Err(err).Str("server", c.url).Msg("Failed to unmarshal MCP response")
			continue
		}
		if resp.ID == nil {
			// Server notifications are not used.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		if ok {
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- &resp
		}
	}
}

// shutdown fails every pending call once the connection is gone.
func (c *WebSocketClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.pending = map[int64]chan *rpcResponse{}
}

func (c *WebSocketClient) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": wsProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    ClientName,
			"version": ClientVersion,
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize mcp session: %w", err)
	}
	return c.notify("notifications/initialized", nil)
}

func (c *WebSocketClient) write(msg rpcRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WebSocketClient) notify(method string, params any) error {
	return c.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *WebSocketClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: &id}); err != nil {
		forget()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

// ListTools returns the tools the server advertises.
func (c *WebSocketClient) ListTools(ctx context.Context) ([]MCPTool, error) {
	raw, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	var listResult struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listResult); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}

	tools := make([]MCPTool, 0, len(listResult.Tools))
	for _, t := range listResult.Tools {
		tools = append(tools, MCPTool{
			Name:        t.Name,
			Description: t.Description,
			Schema:      tool.SchemaFromMap(t.InputSchema),
		})
	}
	return tools, nil
}

// CallTool invokes name and converts the result.
func (c *WebSocketClient) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	raw, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, &tool.ExecutionError{Tool: name, Err: err}
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StructuredContent any  `json:"structuredContent"`
		IsError           bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call: %w", err)
	}

	var texts []string
	for _, content := range result.Content {
		if content.Type == "text" {
			texts = append(texts, content.Text)
		}
	}
	return callOutput(name, result.IsError, result.StructuredContent, texts)
}

// Close closes the connection. Pending calls fail with ErrClientClosed.
func (c *WebSocketClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.shutdown()
	return err
}
