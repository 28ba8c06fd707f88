// Package catalog describes the tools the gateway exposes and the security
// schemes they reference. A Catalog is loaded once at start-up and is read-only
// afterwards; every session shares the same instance.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Location is where an execution parameter is placed on the outbound request.
type Location string

const (
	LocationPath   Location = "path"
	LocationQuery  Location = "query"
	LocationHeader Location = "header"
)

// RequestBodyArg is the reserved argument name that carries the literal
// request body.
const RequestBodyArg = "requestBody"

// Parameter is the placement rule for one tool argument.
type Parameter struct {
	Name string   `json:"name" jsonschema:"minLength=1"`
	In   Location `json:"in" jsonschema:"enum=path,enum=query,enum=header"`
}

// Requirement maps security scheme names to the scopes requested from each.
// All schemes in a Requirement must be applied together.
type Requirement map[string][]string

// SchemeNames returns the scheme names of r in sorted order.
func (r Requirement) SchemeNames() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Tool is the declarative description of one callable operation.
type Tool struct {
	Name                   string          `json:"name" jsonschema:"minLength=1"`
	Description            string          `json:"description,omitempty"`
	InputSchema            json.RawMessage `json:"inputSchema,omitempty"`
	Method                 string          `json:"method" jsonschema:"enum=GET,enum=POST,enum=PUT,enum=PATCH,enum=DELETE,enum=HEAD,enum=OPTIONS"`
	PathTemplate           string          `json:"pathTemplate" jsonschema:"pattern=^/"`
	ExecutionParameters    []Parameter     `json:"executionParameters,omitempty"`
	RequestBodyContentType string          `json:"requestBodyContentType,omitempty"`
	SecurityRequirements   []Requirement   `json:"securityRequirements,omitempty"`
}

var placeholderPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Placeholders returns the names of the {placeholder} tokens in t's path
// template, in order of appearance.
func (t *Tool) Placeholders() []string {
	matches := placeholderPattern.FindAllStringSubmatch(t.PathTemplate, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Catalog is the immutable set of tools and the scheme registry.
type Catalog struct {
	Tools           []Tool                    `json:"tools"`
	SecuritySchemes map[string]SecurityScheme `json:"securitySchemes,omitempty"`

	byName map[string]*Tool
}

// Lookup returns the tool named name.
func (c *Catalog) Lookup(name string) (*Tool, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Scheme returns the security scheme registered under name.
func (c *Catalog) Scheme(name string) (SecurityScheme, bool) {
	s, ok := c.SecuritySchemes[name]
	return s, ok
}

// ErrInvalidCatalog wraps every structural problem found by Validate.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Validate checks the catalogue invariants and builds the name index. It
// reports every problem it finds, not just the first.
func (c *Catalog) Validate() error {
	var errs []error
	c.byName = make(map[string]*Tool, len(c.Tools))

	for i := range c.Tools {
		t := &c.Tools[i]
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("tool #%d: name is required", i))
			continue
		}
		if _, dup := c.byName[t.Name]; dup {
			errs = append(errs, fmt.Errorf("tool %q: duplicate name", t.Name))
			continue
		}
		c.byName[t.Name] = t

		t.Method = strings.ToUpper(t.Method)
		if t.Method == "" {
			errs = append(errs, fmt.Errorf("tool %q: method is required", t.Name))
		}
		if !strings.HasPrefix(t.PathTemplate, "/") {
			errs = append(errs, fmt.Errorf("tool %q: path template %q must start with /", t.Name, t.PathTemplate))
		}
		errs = append(errs, checkPathParameters(t)...)

		for _, req := range t.SecurityRequirements {
			for _, name := range req.SchemeNames() {
				if _, ok := c.SecuritySchemes[name]; !ok {
					errs = append(errs, fmt.Errorf("tool %q: unknown security scheme %q", t.Name, name))
				}
			}
		}
	}

	for name, s := range c.SecuritySchemes {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("security scheme %q: %w", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidCatalog, errors.Join(errs...))
	}
	return nil
}

// checkPathParameters enforces that template placeholders and path-located
// parameters are the same set.
func checkPathParameters(t *Tool) []error {
	var errs []error
	declared := map[string]bool{}
	for _, p := range t.ExecutionParameters {
		switch p.In {
		case LocationPath:
			declared[p.Name] = true
		case LocationQuery, LocationHeader:
		default:
			errs = append(errs, fmt.Errorf("tool %q: parameter %q has unsupported location %q", t.Name, p.Name, p.In))
		}
	}
	inTemplate := map[string]bool{}
	for _, name := range t.Placeholders() {
		inTemplate[name] = true
		if !declared[name] {
			errs = append(errs, fmt.Errorf("tool %q: placeholder {%s} has no path parameter", t.Name, name))
		}
	}
	for name := range declared {
		if !inTemplate[name] {
			errs = append(errs, fmt.Errorf("tool %q: path parameter %q does not appear in %q", t.Name, name, t.PathTemplate))
		}
	}
	return errs
}
