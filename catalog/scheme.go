package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// SchemeType discriminates the SecurityScheme union.
type SchemeType string

const (
	SchemeAPIKey        SchemeType = "apiKey"
	SchemeHTTP          SchemeType = "http"
	SchemeOAuth2        SchemeType = "oauth2"
	SchemeOpenIDConnect SchemeType = "openIdConnect"
)

// SecurityScheme is a tagged union keyed on Type. Only the fields belonging to
// the scheme's type are meaningful:
//
//   - apiKey: In (header, query or cookie) and Name
//   - http: Scheme (basic or bearer)
//   - oauth2: Flows
//   - openIdConnect: OpenIDConnectURL
type SecurityScheme struct {
	Type             SchemeType  `json:"type" jsonschema:"enum=apiKey,enum=http,enum=oauth2,enum=openIdConnect"`
	Description      string      `json:"description,omitempty"`
	In               string      `json:"in,omitempty" jsonschema:"enum=header,enum=query,enum=cookie"`
	Name             string      `json:"name,omitempty"`
	Scheme           string      `json:"scheme,omitempty"`
	Flows            *OAuthFlows `json:"flows,omitempty"`
	OpenIDConnectURL string      `json:"openIdConnectUrl,omitempty"`
}

// OAuthFlows lists the OAuth2 flows a scheme declares.
type OAuthFlows struct {
	ClientCredentials *OAuthFlow `json:"clientCredentials,omitempty"`
	Password          *OAuthFlow `json:"password,omitempty"`
	AuthorizationCode *OAuthFlow `json:"authorizationCode,omitempty"`
	Implicit          *OAuthFlow `json:"implicit,omitempty"`
}

// OAuthFlow is a single OAuth2 flow declaration.
type OAuthFlow struct {
	AuthorizationURL string            `json:"authorizationUrl,omitempty"`
	TokenURL         string            `json:"tokenUrl,omitempty"`
	RefreshURL       string            `json:"refreshUrl,omitempty"`
	Scopes           map[string]string `json:"scopes,omitempty"`
}

// TokenFlow picks the flow used for machine token acquisition. Client
// credentials wins over password when both are declared. It returns nil when
// neither is declared.
func (f *OAuthFlows) TokenFlow() (grant string, flow *OAuthFlow) {
	if f == nil {
		return "", nil
	}
	if f.ClientCredentials != nil && f.ClientCredentials.TokenURL != "" {
		return "client_credentials", f.ClientCredentials
	}
	if f.Password != nil && f.Password.TokenURL != "" {
		return "password", f.Password
	}
	return "", nil
}

// IsBasic reports whether s is HTTP basic authentication.
func (s SecurityScheme) IsBasic() bool {
	return s.Type == SchemeHTTP && strings.EqualFold(s.Scheme, "basic")
}

// IsBearer reports whether s is HTTP bearer authentication.
func (s SecurityScheme) IsBearer() bool {
	return s.Type == SchemeHTTP && strings.EqualFold(s.Scheme, "bearer")
}

func (s SecurityScheme) validate() error {
	switch s.Type {
	case SchemeAPIKey:
		if s.Name == "" {
			return errors.New("apiKey scheme requires a name")
		}
		switch s.In {
		case "header", "query", "cookie":
		default:
			return fmt.Errorf("apiKey scheme has unsupported location %q", s.In)
		}
	case SchemeHTTP:
		if !s.IsBasic() && !s.IsBearer() {
			return fmt.Errorf("http scheme %q is not supported", s.Scheme)
		}
	case SchemeOAuth2:
		if s.Flows == nil {
			return errors.New("oauth2 scheme requires flows")
		}
	case SchemeOpenIDConnect:
	default:
		return fmt.Errorf("unknown scheme type %q", s.Type)
	}
	return nil
}
