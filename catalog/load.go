package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// New builds a validated catalogue from tools and schemes.
func New(tools []Tool, schemes map[string]SecurityScheme) (*Catalog, error) {
	c := &Catalog{Tools: tools, SecuritySchemes: schemes}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads a catalogue file. Files ending in .yaml or .yml are parsed as
// YAML, everything else as JSON.
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(b)
	default:
		return ParseJSON(b)
	}
}

// ParseJSON decodes and validates a JSON catalogue. Unknown fields are
// rejected so that typos in placement rules surface at start-up.
func ParseJSON(b []byte) (*Catalog, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseYAML decodes a YAML catalogue by converting it to JSON first, so that
// input schemas keep their JSON form.
func ParseYAML(b []byte) (*Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	j, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert catalog to json: %w", err)
	}
	return ParseJSON(j)
}

// FileSchema returns the JSON Schema describing the catalogue file format.
func FileSchema() ([]byte, error) {
	r := &jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(&Catalog{})
	s.Title = "MCP REST gateway tool catalogue"
	return json.MarshalIndent(s, "", "  ")
}
