package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_concurrent: 2\n"), 0644))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(NewLoader(path), 20*time.Millisecond, func(cfg *Config) {
		changes <- cfg
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_concurrent: 7\n"), 0644))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Engine.MaxConcurrent == 7 {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatcher_SkipsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toolrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_concurrent: 2\n"), 0644))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(NewLoader(path), 20*time.Millisecond, func(cfg *Config) {
		changes <- cfg
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_concurrent: 0\n"), 0644))

	select {
	case <-changes:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewWatcher_RequiresCallback(t *testing.T) {
	_, err := NewWatcher(NewLoader("x.yaml"), 0, nil)
	assert.Error(t, err)
}
