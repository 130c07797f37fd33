package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/invopop/jsonschema"
)

// Typed adapts a typed Go function into a sync tool body and derives its
// parameters schema from I. Arguments are decoded into I using its json tags.
func Typed[I, O any](fn func(ctx context.Context, in I) (O, error)) (Impl, Schema, error) {
	schema, err := ReflectSchema[I]()
	if err != nil {
		return Impl{}, Schema{}, err
	}

	impl := Impl{
		Sync: func(ctx context.Context, args map[string]any) (any, error) {
			in, err := DecodeArgs[I](args)
			if err != nil {
				return nil, err
			}
			return fn(ctx, in)
		},
	}
	return impl, schema, nil
}

// ReflectSchema builds a parameters schema from the fields of struct type I.
func ReflectSchema[I any]() (Schema, error) {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	reflected := r.Reflect(new(I))

	raw, err := json.Marshal(reflected)
	if err != nil {
		return Schema{}, fmt.Errorf("marshal reflected schema: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Schema{}, fmt.Errorf("unmarshal reflected schema: %w", err)
	}
	return SchemaFromMap(doc), nil
}

// DecodeArgs decodes an argument map into a struct using json tags.
func DecodeArgs[I any](args map[string]any) (I, error) {
	var in I
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &in,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return in, err
	}
	if err := decoder.Decode(args); err != nil {
		return in, &ValidationError{Reason: err.Error()}
	}
	return in, nil
}
