package manager

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/harun/toolrun/pkg/tool"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Status summarizes a descriptor's validation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Issue is one finding about a descriptor field.
type Issue struct {
	Severity Severity `json:"severity" yaml:"severity"`
	Field    string   `json:"field" yaml:"field"`
	Message  string   `json:"message" yaml:"message"`
}

// ValidationResult is the report for one descriptor. Issues keep the order
// in which the checks found them.
type ValidationResult struct {
	ToolName     string  `json:"tool_name" yaml:"tool_name"`
	ToolType     string  `json:"tool_type" yaml:"tool_type"`
	Status       Status  `json:"status" yaml:"status"`
	Issues       []Issue `json:"issues" yaml:"issues"`
	ErrorCount   int     `json:"error_count" yaml:"error_count"`
	WarningCount int     `json:"warning_count" yaml:"warning_count"`
}

// Valid reports whether the descriptor can be built.
func (r ValidationResult) Valid() bool {
	return r.ErrorCount == 0
}

// Err returns the error issues joined, or nil.
func (r ValidationResult) Err() error {
	var errs []error
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			errs = append(errs, fmt.Errorf("%s: %s", issue.Field, issue.Message))
		}
	}
	return errors.Join(errs...)
}

func (r *ValidationResult) add(severity Severity, field, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Severity: severity, Field: field, Message: fmt.Sprintf(format, args...)})
	if severity == SeverityError {
		r.ErrorCount++
	} else {
		r.WarningCount++
	}
}

func (r *ValidationResult) finish() {
	switch {
	case r.ErrorCount > 0:
		r.Status = StatusError
	case r.WarningCount > 0:
		r.Status = StatusWarning
	default:
		r.Status = StatusSuccess
	}
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
}

var (
	toolNameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	envRefRegex   = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	restMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}
	authTypes   = []string{"bearer", "api_key", "basic"}
)

// Validator checks descriptors before tools are built from them.
type Validator struct {
	validate *validator.Validate
	catalog  *tool.Catalog
}

// NewValidator creates a validator. When catalog is not nil, builtin and
// native function paths must resolve in it.
func NewValidator(catalog *tool.Catalog) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v, catalog: catalog}
}

// ValidateAll validates every descriptor, keyed by tool name. Unnamed
// descriptors are keyed by position; repeated names are reported on the
// first descriptor carrying the name.
func (v *Validator) ValidateAll(descs []tool.Descriptor) map[string]ValidationResult {
	results := make(map[string]ValidationResult, len(descs))
	for i, desc := range descs {
		key := desc.Name
		if strings.TrimSpace(key) == "" {
			key = fmt.Sprintf("descriptor[%d]", i)
		}
		if existing, dup := results[key]; dup {
			existing.add(SeverityError, "name", "tool name %q is declared more than once", key)
			existing.finish()
			results[key] = existing
			continue
		}
		results[key] = v.Validate(desc)
	}
	return results
}

// Validate checks one descriptor.
func (v *Validator) Validate(desc tool.Descriptor) ValidationResult {
	r := ValidationResult{ToolName: desc.Name, ToolType: string(desc.Type)}
	v.check(&r, desc)
	r.finish()
	return r
}

func (v *Validator) check(r *ValidationResult, desc tool.Descriptor) {
	if err := v.validate.Struct(desc); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				if fe.Tag() == "required" {
					r.add(SeverityError, fe.Field(), "is required")
					continue
				}
				r.add(SeverityError, fe.Field(), "failed %q check", fe.Tag())
			}
		} else {
			r.add(SeverityError, "", "%v", err)
		}
	}

	if desc.Name != "" && !toolNameRegex.MatchString(desc.Name) {
		r.add(SeverityError, "name", "must contain only letters, digits, '_', '.' or '-'")
	}
	if desc.Type != "" && !slices.Contains(tool.Types, desc.Type) {
		r.add(SeverityError, "tool_type", "unsupported tool type %q", desc.Type)
	}
	if desc.Timeout < 0 {
		r.add(SeverityError, "timeout", "must not be negative")
	}
	if !desc.IsEnabled() {
		r.add(SeverityWarning, "enabled", "tool is disabled and will not be registered")
	}

	v.checkVersion(r, desc)
	v.checkSchema(r, desc)

	switch desc.Type {
	case tool.TypeBuiltin, tool.TypeNative:
		v.checkFunctionPath(r, desc)
		if desc.APIURL != "" || desc.MCPServerURL != "" {
			r.add(SeverityWarning, "tool_type", "%s tools ignore api_url and mcp_server_url", desc.Type)
		}
	case tool.TypeREST:
		v.checkREST(r, desc)
	case tool.TypeMCP:
		v.checkMCP(r, desc)
	}
}

func (v *Validator) checkVersion(r *ValidationResult, desc tool.Descriptor) {
	if desc.Version == "" {
		return
	}
	ver, err := semver.NewVersion(desc.Version)
	if err != nil {
		r.add(SeverityError, "version", "invalid version %s: %v", desc.Version, err)
		return
	}
	if ver.Prerelease() != "" {
		r.add(SeverityWarning, "version", "pre-release version %s", ver)
	}
}

func (v *Validator) checkSchema(r *ValidationResult, desc tool.Descriptor) {
	s := desc.Parameters
	if s.IsZero() {
		if desc.Type == tool.TypeMCP && desc.DynamicSchema {
			r.add(SeverityWarning, "parameters_schema", "empty until fetched from the server")
			return
		}
		r.add(SeverityError, "parameters_schema", "is required")
		return
	}
	if s.Type != "" && s.Type != "object" {
		r.add(SeverityError, "parameters_schema.type", "must be \"object\", got %q", s.Type)
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			r.add(SeverityWarning, "parameters_schema.required", "%q is required but has no property definition", name)
		}
	}
	if _, err := tool.CompileSchema(s); err != nil {
		r.add(SeverityError, "parameters_schema", "%v", err)
	}
}

func (v *Validator) checkFunctionPath(r *ValidationResult, desc tool.Descriptor) {
	if desc.FunctionPath == "" {
		r.add(SeverityError, "function_path", "is required for %s tools", desc.Type)
		return
	}
	if _, _, err := tool.SplitFunctionPath(desc.FunctionPath); err != nil {
		r.add(SeverityError, "function_path", "%v", err)
		return
	}
	if v.catalog != nil && !v.catalog.Has(desc.FunctionPath) {
		r.add(SeverityError, "function_path", "%s is not registered", desc.FunctionPath)
	}
}

func (v *Validator) checkREST(r *ValidationResult, desc tool.Descriptor) {
	if desc.APIURL == "" {
		r.add(SeverityError, "api_url", "is required for rest tools")
	} else if u, err := url.Parse(desc.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		r.add(SeverityError, "api_url", "must be an http(s) URL")
	} else if u.Scheme == "http" && desc.Auth != nil {
		r.add(SeverityWarning, "api_url", "credentials are sent over plain http")
	}

	if !slices.Contains(restMethods, desc.HTTPMethod()) {
		r.add(SeverityError, "method", "unsupported method %q", desc.Method)
	}

	for name, value := range desc.Headers {
		v.checkEnvRefs(r, "headers."+name, value)
	}

	if desc.Auth == nil {
		return
	}
	if !slices.Contains(authTypes, desc.Auth.Type) {
		r.add(SeverityError, "auth.type", "unsupported auth type %q", desc.Auth.Type)
		return
	}
	switch desc.Auth.Type {
	case "bearer", "api_key":
		if desc.Auth.Token == "" {
			r.add(SeverityError, "auth.token", "is required for %s auth", desc.Auth.Type)
		}
		v.checkEnvRefs(r, "auth.token", desc.Auth.Token)
	case "basic":
		if desc.Auth.Username == "" {
			r.add(SeverityError, "auth.username", "is required for basic auth")
		}
		v.checkEnvRefs(r, "auth.username", desc.Auth.Username)
		v.checkEnvRefs(r, "auth.password", desc.Auth.Password)
	}
}

func (v *Validator) checkMCP(r *ValidationResult, desc tool.Descriptor) {
	if desc.MCPServerURL == "" {
		r.add(SeverityError, "mcp_server_url", "is required for mcp tools")
		return
	}
	u, err := url.Parse(desc.MCPServerURL)
	if err != nil || u.Host == "" {
		r.add(SeverityError, "mcp_server_url", "is not a valid URL")
		return
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		r.add(SeverityError, "mcp_server_url", "unsupported scheme %q", u.Scheme)
	}
}

func (v *Validator) checkEnvRefs(r *ValidationResult, field, value string) {
	for _, m := range envRefRegex.FindAllStringSubmatch(value, -1) {
		if _, ok := os.LookupEnv(m[1]); !ok {
			r.add(SeverityWarning, field, "environment variable %s is not set", m[1])
		}
	}
}
