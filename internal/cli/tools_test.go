package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const toolsConfig = `
logging:
  level: error
workspace:
  root: $WORKSPACE
tools:
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
  - name: ghost
    description: Points nowhere
    tool_type: builtin
    function_path: builtin:ghost
    parameters_schema:
      type: object
`

func TestToolsList(t *testing.T) {
	out, err := run(t, "tools", "list", "--config", writeConfig(t, toolsConfig))
	require.NoError(t, err)

	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "ghost")
}

func TestToolsValidate(t *testing.T) {
	out, err := run(t, "tools", "validate", "--config", writeConfig(t, toolsConfig))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 tools are invalid")

	var report validationReport
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Valid)
	require.Len(t, report.Tools, 2)
	assert.Equal(t, "echo", report.Tools[0].ToolName)
	assert.Equal(t, "ghost", report.Tools[1].ToolName)
	assert.NotZero(t, report.Tools[1].ErrorCount)
}

func TestToolsBuiltins(t *testing.T) {
	out, err := run(t, "tools", "builtins")
	require.NoError(t, err)

	var doc struct {
		Tools []map[string]any `yaml:"tools"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))

	names := []string{}
	for _, d := range doc.Tools {
		names = append(names, d["name"].(string))
	}
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "read_file")
}
