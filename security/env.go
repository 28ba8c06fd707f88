package security

import (
	"os"
	"strings"
)

// LookupFunc reads one configuration value by name. os.LookupEnv is the
// default; tests inject a map.
type LookupFunc func(name string) (string, bool)

// Per-scheme variable prefixes. The full name is prefix + EnvSuffix(scheme).
const (
	EnvAPIKey            = "API_KEY_"
	EnvBearerToken       = "BEARER_TOKEN_"
	EnvBasicUsername     = "BASIC_USERNAME_"
	EnvBasicPassword     = "BASIC_PASSWORD_"
	EnvOAuthClientID     = "OAUTH_CLIENT_ID_"
	EnvOAuthClientSecret = "OAUTH_CLIENT_SECRET_"
	EnvOAuthScopes       = "OAUTH_SCOPES_"
	EnvOAuthToken        = "OAUTH_TOKEN_"
	EnvOAuthUsername     = "OAUTH_USERNAME_"
	EnvOAuthPassword     = "OAUTH_PASSWORD_"
	EnvOpenIDToken       = "OPENID_TOKEN_"
)

// EnvSuffix upper-cases a scheme name and replaces every character outside
// [A-Z0-9] with an underscore.
func EnvSuffix(scheme string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, scheme)
}

// MapLookup returns a LookupFunc over a fixed map.
func MapLookup(m map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

type env struct {
	lookup LookupFunc
}

func newEnv(lookup LookupFunc) env {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return env{lookup: lookup}
}

// get returns the non-empty value of prefix+suffix(scheme).
func (e env) get(prefix, scheme string) (string, bool) {
	v, ok := e.lookup(prefix + EnvSuffix(scheme))
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// scopes splits a scope string on spaces and commas.
func (e env) scopes(scheme string) []string {
	v, ok := e.get(EnvOAuthScopes, scheme)
	if !ok {
		return nil
	}
	return strings.FieldsFunc(v, func(r rune) bool { return r == ' ' || r == ',' })
}
