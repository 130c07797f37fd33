// Package adapters builds tools backed by remote services: REST endpoints
// and MCP servers.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/harun/toolrun/pkg/bridge"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/rs/zerolog/log"
)

const (
	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 10 << 20
	maxErrorBody     = 512
	defaultAPIHeader = "X-API-Key"
)

// StatusError is a non-2xx response from a REST tool.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("http %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int {
	return e.Code
}

// REST calls an HTTP endpoint described by a rest descriptor.
type REST struct {
	desc   tool.Descriptor
	client *http.Client
}

// NewREST validates desc and returns its caller. A nil client uses one with
// the descriptor timeout.
func NewREST(desc tool.Descriptor, client *http.Client) (*REST, error) {
	u, err := url.Parse(desc.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &tool.ConfigurationError{Tool: desc.Name, Reason: fmt.Sprintf("api_url %q is not an http(s) URL", desc.APIURL)}
	}
	if client == nil {
		client = &http.Client{Timeout: desc.Timeout}
	}
	return &REST{desc: desc, client: client}, nil
}

// NewRESTTool builds an async-only tool over an HTTP endpoint.
func NewRESTTool(desc tool.Descriptor, client *http.Client) (*tool.Base, error) {
	r, err := NewREST(desc, client)
	if err != nil {
		return nil, err
	}
	return tool.New(desc, tool.Impl{Async: r.Async}, nil)
}

// Async runs Call on the active scheduler.
func (r *REST) Async(ctx context.Context, args map[string]any) *bridge.Future[any] {
	return bridge.Spawn(ctx, func(ctx context.Context) (any, error) {
		return r.Call(ctx, args)
	})
}

// Call sends one request. GET and DELETE carry the arguments as query
// parameters; other methods send them as a JSON body.
func (r *REST) Call(ctx context.Context, args map[string]any) (any, error) {
	req, err := r.newRequest(ctx, args)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, r.desc.APIURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	log.Debug().
		Str("tool", r.desc.Name).
		Str("method", req.Method).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("REST tool call completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: msg}
	}
	return decodeBody(resp.Header.Get("Content-Type"), body), nil
}

func (r *REST) newRequest(ctx context.Context, args map[string]any) (*http.Request, error) {
	method := r.desc.HTTPMethod()

	var body io.Reader
	target := r.desc.APIURL
	if method == http.MethodGet || method == http.MethodDelete {
		u, err := url.Parse(target)
		if err != nil {
			return nil, &tool.ConfigurationError{Tool: r.desc.Name, Reason: err.Error()}
		}
		q := u.Query()
		for k, v := range args {
			q.Set(k, queryValue(v))
		}
		u.RawQuery = q.Encode()
		target = u.String()
	} else {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, &tool.ValidationError{Reason: fmt.Sprintf("arguments are not JSON encodable: %v", err)}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &tool.ConfigurationError{Tool: r.desc.Name, Reason: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.desc.Headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}
	if err := r.authorize(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *REST) authorize(req *http.Request) error {
	auth := r.desc.Auth
	if auth == nil || auth.Type == "" {
		return nil
	}

	missing := func(field string) error {
		return &tool.ConfigurationError{Tool: r.desc.Name, Reason: fmt.Sprintf("auth %s: %s is empty", auth.Type, field)}
	}

	switch strings.ToLower(auth.Type) {
	case "bearer":
		token := os.ExpandEnv(auth.Token)
		if token == "" {
			return missing("token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "api_key":
		token := os.ExpandEnv(auth.Token)
		if token == "" {
			return missing("token")
		}
		header := auth.Header
		if header == "" {
			header = defaultAPIHeader
		}
		req.Header.Set(header, token)
	case "basic":
		user := os.ExpandEnv(auth.Username)
		if user == "" {
			return missing("username")
		}
		req.SetBasicAuth(user, os.ExpandEnv(auth.Password))
	default:
		return &tool.ConfigurationError{Tool: r.desc.Name, Reason: fmt.Sprintf("unsupported auth type %q", auth.Type)}
	}
	return nil
}

func queryValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err == nil {
			return string(data)
		}
	}
	return fmt.Sprint(v)
}

// decodeBody returns JSON bodies decoded and anything else as text.
func decodeBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var out any
		if err := json.Unmarshal(body, &out); err == nil {
			return out
		}
	}
	return string(body)
}
