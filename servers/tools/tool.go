// Package tools serves the tools/* methods: a catalogue of tools whose parameters are
// described by JSON schemas reflected from Go types, and their execution.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/invopop/jsonschema"

	mcp "github.com/TangGee/go-mcp-sse"
)

// ErrInvalidArguments is wrapped by the errors of tool arguments that do not match the
// tool's parameter schema.
var ErrInvalidArguments = errors.New("invalid arguments")

// Descriptor is a tool as listed by tools/list.
type Descriptor struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Tool pairs a Descriptor with the function executing it.
type Tool struct {
	Descriptor
	schema *jsonschema.Schema
	run    func(ctx context.Context, sess *mcp.Session, args json.RawMessage) (any, error)
}

// NewTool creates a Tool whose arguments decode into A. The parameter schema is reflected
// from A: fields without omitempty are required, unknown fields are rejected.
func NewTool[A any](
	id, name, description string,
	fn func(ctx context.Context, sess *mcp.Session, args A) (any, error),
) Tool {
	schema := reflectSchema[A]()

	params, err := json.Marshal(schema)
	if err != nil {
		// Reflected schemas only hold plain values.
		panic(fmt.Sprintf("failed to marshal schema of tool %s: %v", id, err))
	}

	return Tool{
		Descriptor: Descriptor{
			ID:          id,
			Name:        name,
			Description: description,
			Parameters:  params,
		},
		schema: schema,
		run: func(ctx context.Context, sess *mcp.Session, raw json.RawMessage) (any, error) {
			var args A
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&args); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
			return fn(ctx, sess, args)
		},
	}
}

func reflectSchema[A any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(A))
	s.Version = ""
	return s
}

// validate checks the required members and enum values of raw against the schema.
func (t Tool) validate(raw json.RawMessage) error {
	var args map[string]json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Errorf("%w: arguments must be an object", ErrInvalidArguments)
	}

	for _, name := range t.schema.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("%w: %s is required", ErrInvalidArguments, name)
		}
	}

	if t.schema.Properties == nil {
		return nil
	}
	for name, value := range args {
		prop, ok := t.schema.Properties.Get(name)
		if !ok || len(prop.Enum) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
		}
		if !slices.Contains(prop.Enum, v) {
			return fmt.Errorf("%w: %s must be one of %v, got %v", ErrInvalidArguments, name, prop.Enum, v)
		}
	}
	return nil
}

// Execute validates args and runs the tool.
func (t Tool) Execute(ctx context.Context, sess *mcp.Session, args json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage("{}")
	}
	if err := t.validate(args); err != nil {
		return nil, err
	}
	return t.run(ctx, sess, args)
}
