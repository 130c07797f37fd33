package tool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetInput struct {
	Name  string `json:"name" jsonschema:"description=Who to greet"`
	Times int    `json:"times,omitempty"`
}

func TestTyped(t *testing.T) {
	impl, schema, err := Typed(func(ctx context.Context, in greetInput) (string, error) {
		return fmt.Sprintf("hello %s x%d", in.Name, in.Times), nil
	})
	require.NoError(t, err)

	assert.Equal(t, "object", schema.Type)
	assert.Contains(t, schema.Properties, "name")
	assert.Contains(t, schema.Properties, "times")
	assert.Contains(t, schema.Required, "name")
	assert.NotContains(t, schema.Required, "times")

	desc := Descriptor{Name: "greet", Description: "Greets", Type: TypeNative, Parameters: schema}
	tl, err := New(desc, impl, newBridge(t))
	require.NoError(t, err)

	out, err := tl.Execute(context.Background(), map[string]any{"name": "ada", "times": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, "hello ada x2", out)

	assert.Error(t, tl.ValidateParameters(map[string]any{"times": 1}))
}

func TestDecodeArgs_WeakTypes(t *testing.T) {
	in, err := DecodeArgs[greetInput](map[string]any{"name": "bob", "times": "3"})
	require.NoError(t, err)
	assert.Equal(t, 3, in.Times)

	_, err = DecodeArgs[greetInput](map[string]any{"times": map[string]any{"a": 1}})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
