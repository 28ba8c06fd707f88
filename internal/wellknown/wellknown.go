// Package wellknown holds the OAuth 2.0 Protected Resource Metadata document
// (RFC 9728) served when caller credentials are verified.
package wellknown

import (
	"net/url"
	"strings"
)

// ProtectedResourcePrefix is the well-known path prefix for the document.
const ProtectedResourcePrefix = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// ProtectedResourceURL returns the document location for the resource at u:
// the well-known prefix inserted between host and path.
func ProtectedResourceURL(u *url.URL) *url.URL {
	path := strings.TrimSuffix(u.Path, "/")
	return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: ProtectedResourcePrefix + path}
}
