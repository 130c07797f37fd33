package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/toolrun/pkg/tool"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. TOOLRUN_ENGINE_MAX_CONCURRENT.
const EnvPrefix = "TOOLRUN"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader. An empty path uses DefaultPath.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// DefaultPath returns ~/.toolrun/toolrun.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "toolrun.yaml"
	}
	return filepath.Join(home, ".toolrun", "toolrun.yaml")
}

// Path returns the config file path
func (l *Loader) Path() string {
	if l.configPath != "" {
		return l.configPath
	}
	return DefaultPath()
}

// Load reads the config file over the defaults and applies environment
// overrides. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	path := l.Path()
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := setDefaults(v, cfg); err != nil {
		return nil, err
	}

	_, statErr := os.Stat(path)
	exists := statErr == nil
	if exists {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("failed to stat config file: %w", statErr)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if exists {
		tools, err := readTools(path)
		if err != nil {
			return nil, err
		}
		cfg.Tools = tools
	}
	return cfg, nil
}

// readTools decodes the tools section straight from the file: viper
// lower-cases map keys, which would corrupt parameter names in schemas.
func readTools(path string) ([]tool.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var doc struct {
		Tools []tool.Descriptor `yaml:"tools"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse tools: %w", err)
	}
	if doc.Tools == nil {
		doc.Tools = []tool.Descriptor{}
	}
	return doc.Tools, nil
}

// setDefaults registers every scalar default with viper so AutomaticEnv
// can override keys the file does not mention.
func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	delete(tree, "tools")

	var walk func(prefix string, node map[string]any)
	walk = func(prefix string, node map[string]any) {
		for key, value := range node {
			if child, ok := value.(map[string]any); ok && len(child) > 0 {
				walk(prefix+key+".", child)
				continue
			}
			v.SetDefault(prefix+key, value)
		}
	}
	walk("", tree)
	return nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
