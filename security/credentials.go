package security

import (
	"net/http"
	"net/url"

	"github.com/ggoodman/mcp-rest-gateway/request"
)

// Credentials is the header, query and cookie material produced by applying
// one security requirement.
type Credentials struct {
	Header  http.Header
	Query   url.Values
	Cookies []*http.Cookie
}

func newCredentials() Credentials {
	return Credentials{Header: http.Header{}, Query: url.Values{}}
}

// Empty reports whether c carries no material at all.
func (c Credentials) Empty() bool {
	return len(c.Header) == 0 && len(c.Query) == 0 && len(c.Cookies) == 0
}

// SetBearer sets an RFC 6750 Authorization header.
func (c *Credentials) SetBearer(token string) {
	c.Header.Set("Authorization", "Bearer "+token)
}

// ApplyTo merges c into a compiled request. Credential headers replace
// same-named headers placed by tool arguments.
func (c Credentials) ApplyTo(req *request.Compiled) {
	for k, vs := range c.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	for k, vs := range c.Query {
		for _, v := range vs {
			req.Query.Add(k, v)
		}
	}
	req.Cookies = append(req.Cookies, c.Cookies...)
}
