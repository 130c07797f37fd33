package tool

import (
	"strings"
	"time"
)

// Type selects how a descriptor is turned into a Tool.
type Type string

const (
	TypeBuiltin Type = "builtin"
	TypeNative  Type = "native"
	TypeREST    Type = "rest"
	TypeMCP     Type = "mcp"
)

// Types lists every supported tool type.
var Types = []Type{TypeBuiltin, TypeNative, TypeREST, TypeMCP}

// Auth describes how a REST tool authenticates. Secret values may reference
// environment variables as ${NAME}.
type Auth struct {
	Type     string `json:"type" mapstructure:"type" yaml:"type"` // bearer, api_key or basic
	Token    string `json:"token,omitempty" mapstructure:"token" yaml:"token,omitempty"`
	Header   string `json:"header,omitempty" mapstructure:"header" yaml:"header,omitempty"`
	Username string `json:"username,omitempty" mapstructure:"username" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" mapstructure:"password" yaml:"password,omitempty"`
}

// Descriptor is the configuration a Tool is built from. It is immutable once
// the tool is built, except for the schema of dynamic-schema tools.
type Descriptor struct {
	Name        string        `json:"name" mapstructure:"name" yaml:"name" validate:"required"`
	Description string        `json:"description" mapstructure:"description" yaml:"description" validate:"required"`
	Parameters  Schema        `json:"parameters_schema" mapstructure:"parameters_schema" yaml:"parameters_schema"`
	Type        Type          `json:"tool_type" mapstructure:"tool_type" yaml:"tool_type" validate:"required"`
	Enabled     *bool         `json:"enabled,omitempty" mapstructure:"enabled" yaml:"enabled,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty" mapstructure:"timeout" yaml:"timeout,omitempty"`
	Stateful    bool          `json:"stateful,omitempty" mapstructure:"stateful" yaml:"stateful,omitempty"`
	Version     string        `json:"version,omitempty" mapstructure:"version" yaml:"version,omitempty"`

	// builtin and native
	FunctionPath string `json:"function_path,omitempty" mapstructure:"function_path" yaml:"function_path,omitempty"`

	// rest
	APIURL  string            `json:"api_url,omitempty" mapstructure:"api_url" yaml:"api_url,omitempty"`
	Method  string            `json:"method,omitempty" mapstructure:"method" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers" yaml:"headers,omitempty"`
	Auth    *Auth             `json:"auth,omitempty" mapstructure:"auth" yaml:"auth,omitempty"`

	// mcp
	MCPServerURL  string `json:"mcp_server_url,omitempty" mapstructure:"mcp_server_url" yaml:"mcp_server_url,omitempty"`
	MCPToolName   string `json:"mcp_tool_name,omitempty" mapstructure:"mcp_tool_name" yaml:"mcp_tool_name,omitempty"`
	DynamicSchema bool   `json:"dynamic_schema,omitempty" mapstructure:"dynamic_schema" yaml:"dynamic_schema,omitempty"`
}

// IsEnabled reports whether the tool should be registered. Tools are enabled
// unless explicitly disabled.
func (d Descriptor) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// RemoteName is the tool name to call on an MCP server.
func (d Descriptor) RemoteName() string {
	if d.MCPToolName != "" {
		return d.MCPToolName
	}
	return d.Name
}

// HTTPMethod returns the upper-cased REST method, POST when unset.
func (d Descriptor) HTTPMethod() string {
	if d.Method == "" {
		return "POST"
	}
	return strings.ToUpper(d.Method)
}

// Enable returns a pointer for Descriptor.Enabled.
func Enable(v bool) *bool {
	return &v
}
