// Package builtins provides the tools shipped with the engine. They are
// registered in a tool.Catalog under the "builtin" module and referenced by
// descriptors through function_path.
package builtins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/toolrun/pkg/bridge"
	"github.com/harun/toolrun/pkg/statestore"
	"github.com/harun/toolrun/pkg/tool"
)

// Module is the function path prefix of every builtin.
const Module = "builtin"

const defaultMaxReadBytes = 200000

// Options configures the builtins.
type Options struct {
	// WorkspaceRoot confines the file tools. File tools fail when unset.
	WorkspaceRoot string
	MaxReadBytes  int64
}

type entry struct {
	name        string
	description string
	impl        tool.Impl
	schema      tool.Schema
	stateful    bool
}

// Register adds every builtin to c.
func Register(c *tool.Catalog, opts Options) error {
	if c == nil {
		return errors.New("catalog is required")
	}
	entries, err := build(opts)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := c.Register(Module+":"+e.name, e.impl); err != nil {
			return fmt.Errorf("failed to register builtin %s: %w", e.name, err)
		}
	}
	return nil
}

// Descriptors returns a ready-to-use descriptor for every builtin.
func Descriptors() []tool.Descriptor {
	entries, err := build(Options{})
	if err != nil {
		return nil
	}
	descs := make([]tool.Descriptor, 0, len(entries))
	for _, e := range entries {
		descs = append(descs, tool.Descriptor{
			Name:         e.name,
			Description:  e.description,
			Parameters:   e.schema,
			Type:         tool.TypeBuiltin,
			Stateful:     e.stateful,
			FunctionPath: Module + ":" + e.name,
		})
	}
	return descs
}

func build(opts Options) ([]entry, error) {
	if opts.MaxReadBytes <= 0 {
		opts.MaxReadBytes = defaultMaxReadBytes
	}

	echoImpl, echoSchema, err := tool.Typed(echo)
	if err != nil {
		return nil, err
	}
	readImpl, readSchema, err := tool.Typed(readFile(opts))
	if err != nil {
		return nil, err
	}
	writeImpl, writeSchema, err := tool.Typed(writeFile(opts))
	if err != nil {
		return nil, err
	}
	counterImpl, counterSchema, err := tool.Typed(counter)
	if err != nil {
		return nil, err
	}
	sleepSchema, err := tool.ReflectSchema[sleepInput]()
	if err != nil {
		return nil, err
	}
	timeSchema, err := tool.ReflectSchema[timeInput]()
	if err != nil {
		return nil, err
	}

	return []entry{
		{name: "echo", description: "Return the given text unchanged.", impl: echoImpl, schema: echoSchema},
		{name: "read_file", description: "Read a file from the workspace.", impl: readImpl, schema: readSchema},
		{name: "write_file", description: "Write content to a file in the workspace.", impl: writeImpl, schema: writeSchema},
		{
			name:        "current_time",
			description: "Return the current time, optionally in a given IANA time zone.",
			impl:        tool.Impl{Sync: currentTime, Async: currentTimeAsync},
			schema:      timeSchema,
		},
		{
			name:        "sleep",
			description: "Wait for the given number of milliseconds.",
			impl:        tool.Impl{Async: sleep},
			schema:      sleepSchema,
		},
		{
			name:        "counter",
			description: "Increment a per-session counter kept in tool state.",
			impl:        counterImpl,
			schema:      counterSchema,
			stateful:    true,
		},
	}, nil
}

type echoInput struct {
	Text string `json:"text" jsonschema:"description=Text to return"`
}

func echo(ctx context.Context, in echoInput) (string, error) {
	return in.Text, nil
}

type readInput struct {
	Path     string `json:"path" jsonschema:"description=Relative file path"`
	MaxBytes int64  `json:"max_bytes,omitempty" jsonschema:"description=Maximum bytes to read"`
}

type readOutput struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	Bytes     int    `json:"bytes"`
}

func readFile(opts Options) func(context.Context, readInput) (readOutput, error) {
	return func(ctx context.Context, in readInput) (readOutput, error) {
		target, err := resolvePathInWorkspace(opts.WorkspaceRoot, in.Path)
		if err != nil {
			return readOutput{}, err
		}
		limit := opts.MaxReadBytes
		if in.MaxBytes > 0 && in.MaxBytes < limit {
			limit = in.MaxBytes
		}
		data, truncated, err := readFileWithLimit(target, limit)
		if err != nil {
			return readOutput{}, err
		}
		return readOutput{Path: in.Path, Content: string(data), Truncated: truncated, Bytes: len(data)}, nil
	}
}

type writeInput struct {
	Path    string `json:"path" jsonschema:"description=Relative file path"`
	Content string `json:"content" jsonschema:"description=File content"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of replacing"`
}

type writeOutput struct {
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	Append bool   `json:"append"`
}

func writeFile(opts Options) func(context.Context, writeInput) (writeOutput, error) {
	return func(ctx context.Context, in writeInput) (writeOutput, error) {
		target, err := resolvePathInWorkspace(opts.WorkspaceRoot, in.Path)
		if err != nil {
			return writeOutput{}, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return writeOutput{}, err
		}

		flag := os.O_CREATE | os.O_WRONLY
		if in.Append {
			flag |= os.O_APPEND
		} else {
			flag |= os.O_TRUNC
		}
		f, err := os.OpenFile(target, flag, 0644)
		if err != nil {
			return writeOutput{}, err
		}
		if _, err := f.WriteString(in.Content); err != nil {
			f.Close()
			return writeOutput{}, err
		}
		if err := f.Close(); err != nil {
			return writeOutput{}, err
		}
		return writeOutput{Path: in.Path, Bytes: len(in.Content), Append: in.Append}, nil
	}
}

type timeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone such as Europe/Berlin"`
}

func currentTime(ctx context.Context, args map[string]any) (any, error) {
	in, err := tool.DecodeArgs[timeInput](args)
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if in.Timezone != "" {
		loc, err = time.LoadLocation(in.Timezone)
		if err != nil {
			return nil, &tool.ValidationError{Field: "timezone", Reason: err.Error()}
		}
	}
	now := time.Now().In(loc)
	return map[string]any{
		"time":     now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
	}, nil
}

func currentTimeAsync(ctx context.Context, args map[string]any) *bridge.Future[any] {
	out, err := currentTime(ctx, args)
	return bridge.Resolved(out, err)
}

type sleepInput struct {
	DurationMS int `json:"duration_ms" jsonschema:"description=Milliseconds to wait,minimum=0"`
}

func sleep(ctx context.Context, args map[string]any) *bridge.Future[any] {
	return bridge.Spawn(ctx, func(ctx context.Context) (any, error) {
		in, err := tool.DecodeArgs[sleepInput](args)
		if err != nil {
			return nil, err
		}
		d := time.Duration(in.DurationMS) * time.Millisecond
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return map[string]any{"slept_ms": in.DurationMS}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

type counterInput struct {
	Step int `json:"step,omitempty" jsonschema:"description=Amount to add (default 1)"`
}

func counter(ctx context.Context, in counterInput) (map[string]any, error) {
	st, ok := tool.StatefulFrom(ctx)
	if !ok {
		return nil, &tool.ConfigurationError{Tool: "counter", Reason: "counter must be configured as stateful"}
	}
	if in.Step == 0 {
		in.Step = 1
	}

	business, _ := st.GetState(statestore.KindBusiness)
	data, _ := business.Data["data"].(map[string]any)
	value, _ := data["counter"].(int)
	value += in.Step

	st.UpdateState(statestore.KindBusiness, map[string]any{"data": map[string]any{"counter": value}})
	st.AppendHistory(map[string]any{"step": in.Step, "value": value})
	return map[string]any{"value": value, "session_id": st.SessionID()}, nil
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	if strings.TrimSpace(workspaceRoot) == "" {
		return "", &tool.ConfigurationError{Tool: "file", Reason: "workspace root is not configured"}
	}
	workspaceRoot = filepath.Clean(workspaceRoot)

	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", &tool.ValidationError{Field: "path", Reason: "path is required"}
	}
	if strings.Contains(pathValue, "://") {
		return "", &tool.ValidationError{Field: "path", Reason: "path must be a local file"}
	}
	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(workspaceRoot, candidate)
	if err != nil {
		return "", err
	}
	if rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..") {
		return candidate, nil
	}
	return "", fmt.Errorf("path %q is outside workspace root: %w", pathValue, os.ErrPermission)
}
