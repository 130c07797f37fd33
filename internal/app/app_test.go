package app

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/toolrun/internal/config"
	"github.com/harun/toolrun/pkg/builtins"
	"github.com/harun/toolrun/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func descriptor(t *testing.T, name string) tool.Descriptor {
	t.Helper()
	for _, d := range builtins.Descriptors() {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("no builtin %s", name)
	return tool.Descriptor{}
}

func newApp(t *testing.T, tools ...tool.Descriptor) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	cfg.Tools = tools

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestNew_RegistersConfiguredTools(t *testing.T) {
	a := newApp(t, descriptor(t, "echo"), descriptor(t, "current_time"))

	assert.Equal(t, 2, a.Manager().Count())
	assert.NotNil(t, a.Metrics())
	assert.True(t, a.Catalog().Has("builtin:echo"))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Engine.MaxConcurrent = 0

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNew_SkipsBrokenDescriptors(t *testing.T) {
	broken := descriptor(t, "echo")
	broken.Name = "broken"
	broken.FunctionPath = "builtin:missing"

	a := newApp(t, descriptor(t, "echo"), broken)
	assert.Equal(t, 1, a.Manager().Count())
}

func TestApp_ExecutesThroughExecutor(t *testing.T) {
	a := newApp(t, descriptor(t, "echo"))

	r := a.Executor().Execute(context.Background(), tool.Call{
		Name:      "echo",
		Arguments: map[string]any{"text": "hi"},
	})
	require.True(t, r.Success, r.Error)
}

func TestApp_Reload(t *testing.T) {
	a := newApp(t, descriptor(t, "echo"))

	cfg := config.DefaultConfig()
	cfg.Tools = []tool.Descriptor{descriptor(t, "current_time"), descriptor(t, "sleep")}
	require.NoError(t, a.Reload(context.Background(), cfg))

	names := []string{}
	for _, d := range a.Manager().ListTools() {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"current_time", "sleep"}, names)
}

func TestApp_WatchReloadsTools(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tools: []\n"), 0644))

	a := newApp(t)
	require.NoError(t, a.Watch(config.NewLoader(path)))
	assert.Error(t, a.Watch(config.NewLoader(path)))

	doc := `tools:
  - name: echo
    description: Echo text back
    tool_type: builtin
    function_path: builtin:echo
    parameters_schema:
      type: object
      properties:
        text:
          type: string
      required: [text]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	assert.Eventually(t, func() bool {
		return a.Manager().Count() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	cfg := config.DefaultConfig()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))
	assert.Error(t, a.Reload(context.Background(), cfg))
}

func TestApp_AuditsExecutions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.log")
	cfg.Tools = []tool.Descriptor{descriptor(t, "echo")}

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	a.Executor().Execute(context.Background(), tool.Call{
		Name:      "echo",
		Arguments: map[string]any{"text": "hi"},
		SessionID: "s1",
	})
	require.NoError(t, a.Reload(context.Background(), cfg))
	require.NoError(t, a.Close(context.Background()))

	data, err := os.ReadFile(cfg.Audit.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"execute:echo"`)
	assert.Contains(t, string(data), `"action":"reload_tools"`)
}

func TestApp_CloseDrainsRunningSyncTools(t *testing.T) {
	var finished atomic.Bool
	catalog := tool.NewCatalog()
	require.NoError(t, catalog.Register("native:slow", tool.Impl{
		Sync: func(ctx context.Context, args map[string]any) (any, error) {
			time.Sleep(100 * time.Millisecond)
			finished.Store(true)
			return "done", nil
		},
	}))

	cfg := config.DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	cfg.Tools = []tool.Descriptor{{
		Name:         "slow",
		Description:  "Sleeps briefly",
		Type:         tool.TypeNative,
		FunctionPath: "native:slow",
		Parameters:   tool.Schema{Type: "object"},
	}}
	a, err := New(context.Background(), cfg, WithCatalog(catalog))
	require.NoError(t, err)

	go a.Executor().Execute(context.Background(), tool.Call{Name: "slow"})
	require.Eventually(t, func() bool { return a.bridge.Stats().Running == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close(context.Background()))
	assert.True(t, finished.Load())
}
