package catalog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const widgetsYAML = `
tools:
  - name: get_widget
    description: Fetch one widget
    method: get
    pathTemplate: /widgets/{id}
    inputSchema:
      type: object
      properties:
        id: {type: string}
      required: [id]
    executionParameters:
      - {name: id, in: path}
      - {name: verbose, in: query}
    securityRequirements:
      - {OAuth2: []}
securitySchemes:
  OAuth2:
    type: oauth2
    flows:
      clientCredentials:
        tokenUrl: https://auth.example.com/token
`

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(widgetsYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tool, ok := c.Lookup("get_widget")
	if !ok {
		t.Fatalf("expected get_widget to be indexed")
	}
	if want, got := "GET", tool.Method; want != got {
		t.Fatalf("unexpected method: want %q got %q", want, got)
	}

	var schema map[string]any
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		t.Fatalf("input schema is not JSON: %v", err)
	}
	if want, got := "object", schema["type"]; want != got {
		t.Fatalf("unexpected schema type: want %v got %v", want, got)
	}

	grant, flow := c.SecuritySchemes["OAuth2"].Flows.TokenFlow()
	if grant != "client_credentials" || flow == nil {
		t.Fatalf("unexpected token flow: %q %v", grant, flow)
	}
}

func TestValidatePathParameterInvariant(t *testing.T) {
	cases := []struct {
		name    string
		tool    Tool
		wantErr string
	}{
		{
			name:    "placeholder without parameter",
			tool:    Tool{Name: "a", Method: "GET", PathTemplate: "/widgets/{id}"},
			wantErr: "placeholder {id} has no path parameter",
		},
		{
			name: "parameter without placeholder",
			tool: Tool{Name: "b", Method: "GET", PathTemplate: "/widgets", ExecutionParameters: []Parameter{
				{Name: "id", In: LocationPath},
			}},
			wantErr: `path parameter "id" does not appear`,
		},
		{
			name: "unsupported location",
			tool: Tool{Name: "c", Method: "GET", PathTemplate: "/widgets", ExecutionParameters: []Parameter{
				{Name: "id", In: "cookie"},
			}},
			wantErr: "unsupported location",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New([]Tool{tc.tool}, nil)
			if !errors.Is(err, ErrInvalidCatalog) {
				t.Fatalf("expected ErrInvalidCatalog, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("unexpected error: want substring %q got %q", tc.wantErr, err.Error())
			}
		})
	}
}

func TestValidateUnknownScheme(t *testing.T) {
	_, err := New([]Tool{{
		Name:                 "a",
		Method:               "GET",
		PathTemplate:         "/a",
		SecurityRequirements: []Requirement{{"Missing": nil}},
	}}, nil)
	if err == nil || !strings.Contains(err.Error(), `unknown security scheme "Missing"`) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	_, err := ParseJSON([]byte(`{"tools":[{"name":"a","method":"GET","pathTemplate":"/a","executionParams":[]}]}`))
	if err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestTokenFlowPrefersClientCredentials(t *testing.T) {
	flows := &OAuthFlows{
		Password:          &OAuthFlow{TokenURL: "https://auth.example.com/password"},
		ClientCredentials: &OAuthFlow{TokenURL: "https://auth.example.com/cc"},
	}
	grant, flow := flows.TokenFlow()
	if want, got := "client_credentials", grant; want != got {
		t.Fatalf("unexpected grant: want %q got %q", want, got)
	}
	if want, got := "https://auth.example.com/cc", flow.TokenURL; want != got {
		t.Fatalf("unexpected token url: want %q got %q", want, got)
	}
}

func TestFileSchema(t *testing.T) {
	b, err := FileSchema()
	if err != nil {
		t.Fatalf("FileSchema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	props, _ := doc["properties"].(map[string]any)
	if _, ok := props["tools"]; !ok {
		t.Fatalf("expected tools property in schema, got %s", b)
	}
}
