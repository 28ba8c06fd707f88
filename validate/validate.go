// Package validate checks tool arguments against the tool's input schema.
//
// The gateway depends only on the Validator interface; the JSON Schema
// implementation compiles each schema once and reuses it for every call.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Args are arguments that satisfy a tool's input schema.
type Args map[string]any

// Validator validates raw tool arguments against a schema.
type Validator interface {
	Validate(schema json.RawMessage, args json.RawMessage) (Args, error)
}

// FieldError is one failed constraint. Field is empty for failures that
// concern the argument object as a whole.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Error reports caller-supplied arguments that do not satisfy the schema.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Field == "" {
			parts = append(parts, f.Message)
			continue
		}
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid arguments: " + strings.Join(parts, "; ")
}

// ErrSchema is returned when a schema cannot be compiled. It indicates a
// catalogue defect rather than bad input.
var ErrSchema = errors.New("invalid input schema")

// JSONSchema is a Validator backed by github.com/google/jsonschema-go.
type JSONSchema struct {
	mu       sync.Mutex
	compiled map[string]*compiledSchema
}

type compiledSchema struct {
	root       *jsonschema.Resolved
	properties map[string]*jsonschema.Resolved
	required   []string
}

// NewJSONSchema returns an empty JSONSchema validator.
func NewJSONSchema() *JSONSchema {
	return &JSONSchema{compiled: make(map[string]*compiledSchema)}
}

// Validate decodes args, checks them against schema and returns the decoded
// object. An empty schema accepts any object; empty args are treated as {}.
func (v *JSONSchema) Validate(schema json.RawMessage, args json.RawMessage) (Args, error) {
	var instance any = map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &instance); err != nil {
			return nil, &Error{Fields: []FieldError{{Message: "arguments are not valid JSON: " + err.Error()}}}
		}
	}
	obj, ok := instance.(map[string]any)
	if !ok {
		return nil, &Error{Fields: []FieldError{{Message: "arguments must be a JSON object"}}}
	}

	if len(schema) == 0 {
		return Args(obj), nil
	}

	cs, err := v.compile(schema)
	if err != nil {
		return nil, err
	}
	if err := cs.root.Validate(instance); err != nil {
		return nil, &Error{Fields: cs.explain(obj, err)}
	}
	return Args(obj), nil
}

func (v *JSONSchema) compile(schema json.RawMessage) (*compiledSchema, error) {
	key := string(schema)

	v.mu.Lock()
	defer v.mu.Unlock()
	if cs, ok := v.compiled[key]; ok {
		return cs, nil
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	root, err := s.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}

	cs := &compiledSchema{root: root, properties: map[string]*jsonschema.Resolved{}, required: slices.Clone(s.Required)}
	for name, prop := range s.Properties {
		if rp, ok := resolveDetached(prop); ok {
			cs.properties[name] = rp
		}
	}
	v.compiled[key] = cs
	return cs, nil
}

// resolveDetached resolves a copy of a property schema on its own. Properties
// that reference definitions elsewhere in the document do not resolve this way;
// failures on those fall back to the root error.
func resolveDetached(prop *jsonschema.Schema) (*jsonschema.Resolved, bool) {
	if prop == nil {
		return nil, false
	}
	b, err := json.Marshal(prop)
	if err != nil {
		return nil, false
	}
	var detached jsonschema.Schema
	if err := json.Unmarshal(b, &detached); err != nil {
		return nil, false
	}
	rp, err := detached.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return nil, false
	}
	return rp, true
}

// explain turns a validation failure into per-field errors.
func (cs *compiledSchema) explain(obj map[string]any, rootErr error) []FieldError {
	var fields []FieldError
	for _, name := range cs.required {
		if _, ok := obj[name]; !ok {
			fields = append(fields, FieldError{Field: name, Message: "is required"})
		}
	}

	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		rp, ok := cs.properties[name]
		if !ok {
			continue
		}
		if err := rp.Validate(obj[name]); err != nil {
			fields = append(fields, FieldError{Field: name, Message: err.Error()})
		}
	}

	if len(fields) == 0 {
		fields = append(fields, FieldError{Message: rootErr.Error()})
	}
	return fields
}
