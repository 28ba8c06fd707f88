// Package request turns a tool description and validated arguments into a
// concrete outbound HTTP request description.
package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-rest-gateway/catalog"
	"github.com/ggoodman/mcp-rest-gateway/validate"
)

// ErrUnresolvedPath is returned when the compiled path still contains a
// {placeholder} token.
var ErrUnresolvedPath = errors.New("unresolved path placeholder")

// Compiled is a fully resolved outbound request, before credentials are
// applied.
type Compiled struct {
	Method      string
	BaseURL     string
	Path        string
	Header      http.Header
	Query       url.Values
	Cookies     []*http.Cookie
	Body        []byte
	ContentType string
}

// URL returns the absolute request URL with the query encoded.
func (c *Compiled) URL() string {
	u := strings.TrimRight(c.BaseURL, "/") + c.Path
	if len(c.Query) == 0 {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + c.Query.Encode()
}

// Compile places every present, non-null argument named by the tool's
// execution parameters and attaches the request body when the tool declares
// one.
func Compile(tool *catalog.Tool, args validate.Args, baseURL string) (*Compiled, error) {
	c := &Compiled{
		Method:  tool.Method,
		BaseURL: baseURL,
		Path:    tool.PathTemplate,
		Header:  http.Header{},
		Query:   url.Values{},
	}
	if c.Method == "" {
		c.Method = http.MethodGet
	}

	for _, p := range tool.ExecutionParameters {
		v, ok := args[p.Name]
		if !ok || v == nil {
			continue
		}
		switch p.In {
		case catalog.LocationPath:
			s, err := scalar(v)
			if err != nil {
				return nil, fmt.Errorf("path parameter %q: %w", p.Name, err)
			}
			c.Path = strings.ReplaceAll(c.Path, "{"+p.Name+"}", url.PathEscape(s))
		case catalog.LocationQuery:
			vals, err := values(v)
			if err != nil {
				return nil, fmt.Errorf("query parameter %q: %w", p.Name, err)
			}
			for _, s := range vals {
				c.Query.Add(p.Name, s)
			}
		case catalog.LocationHeader:
			s, err := scalar(v)
			if err != nil {
				return nil, fmt.Errorf("header parameter %q: %w", p.Name, err)
			}
			c.Header.Set(p.Name, s)
		}
	}

	if m := unresolved(c.Path); m != "" {
		return nil, fmt.Errorf("%w: {%s} in %s", ErrUnresolvedPath, m, c.Path)
	}

	if tool.RequestBodyContentType != "" {
		c.ContentType = tool.RequestBodyContentType
		if body, ok := args[catalog.RequestBodyArg]; ok && body != nil {
			b, err := encodeBody(tool.RequestBodyContentType, body)
			if err != nil {
				return nil, fmt.Errorf("request body: %w", err)
			}
			c.Body = b
			c.Header.Set("Content-Type", tool.RequestBodyContentType)
		}
	}

	return c, nil
}

func unresolved(path string) string {
	start := strings.IndexByte(path, '{')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(path[start:], '}')
	if end < 0 {
		return path[start+1:]
	}
	return path[start+1 : start+end]
}

// IsJSON reports whether the media type is application/json or a +json
// structured syntax type.
func IsJSON(mt contenttype.MediaType) bool {
	if mt.Type != "application" {
		return false
	}
	return mt.Subtype == "json" || strings.HasSuffix(mt.Subtype, "+json")
}

func encodeBody(contentType string, body any) ([]byte, error) {
	mt := contenttype.NewMediaType(contentType)
	switch {
	case IsJSON(mt):
		return json.Marshal(body)
	case mt.Type == "application" && mt.Subtype == "x-www-form-urlencoded":
		if s, ok := body.(string); ok {
			return []byte(s), nil
		}
		obj, ok := body.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("form body must be an object, got %T", body)
		}
		form := url.Values{}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if obj[k] == nil {
				continue
			}
			vals, err := values(obj[k])
			if err != nil {
				return nil, fmt.Errorf("form field %q: %w", k, err)
			}
			for _, s := range vals {
				form.Add(k, s)
			}
		}
		return []byte(form.Encode()), nil
	default:
		if s, ok := body.(string); ok {
			return []byte(s), nil
		}
		return json.Marshal(body)
	}
}

// scalar renders a single argument value as the string placed on the wire.
// Composite values are JSON-encoded.
func scalar(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case json.Number:
		return x.String(), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func values(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		s, err := scalar(v)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item == nil {
			continue
		}
		s, err := scalar(item)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
