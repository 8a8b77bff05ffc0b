// Package auth resolves API bearer tokens to scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Scopes understood by the API. A ":rw" scope grants the matching ":ro".
const (
	ScopeAll        = "*"
	ScopeBackendsRO = "backends:ro"
	ScopeBackendsRW = "backends:rw"
	ScopeRequestsRO = "requests:ro"
	ScopeRequestsRW = "requests:rw"
	ScopeEventsRO   = "events:ro"
)

var knownScopes = map[string]struct{}{
	ScopeAll:        {},
	ScopeBackendsRO: {},
	ScopeBackendsRW: {},
	ScopeRequestsRO: {},
	ScopeRequestsRW: {},
	ScopeEventsRO:   {},
}

// KnownScope reports whether scope is one the API checks.
func KnownScope(scope string) bool {
	_, ok := knownScopes[scope]
	return ok
}

var (
	ErrMissingToken  = errors.New("missing Authorization header")
	ErrMalformedAuth = errors.New("invalid Authorization header format")
	ErrUnknownToken  = errors.New("invalid API key")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// ScopeSet is a normalized set of granted scopes.
type ScopeSet map[string]struct{}

// NewScopeSet trims and deduplicates scopes and expands ":rw" to ":ro".
func NewScopeSet(scopes ...string) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		set[s] = struct{}{}
		if base, ok := strings.CutSuffix(s, ":rw"); ok {
			set[base+":ro"] = struct{}{}
		}
	}
	return set
}

// Allows reports whether any of required is granted. An empty requirement
// is always met.
func (s ScopeSet) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := s[ScopeAll]; ok {
		return true
	}
	for _, r := range required {
		if _, ok := s[r]; ok {
			return true
		}
	}
	return false
}

// Principal is an authenticated caller. Name identifies the credential
// without revealing it.
type Principal struct {
	Name   string
	Scopes ScopeSet
}

// Anonymous is the principal of an API without credentials.
var Anonymous = Principal{Name: "anonymous", Scopes: NewScopeSet(ScopeAll)}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", ErrMalformedAuth
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type credential struct {
	name   string
	secret []byte
	scopes ScopeSet
}

// Keyring holds the configured credentials with their scopes resolved once.
type Keyring struct {
	creds []credential
}

// NewKeyring builds a keyring from the legacy full-access key and the
// scoped tokens. Empty secrets are skipped.
func NewKeyring(apiKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if apiKey != "" {
		k.creds = append(k.creds, credential{name: "api_key", secret: []byte(apiKey), scopes: NewScopeSet(ScopeAll)})
	}
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		k.creds = append(k.creds, credential{
			name:   fmt.Sprintf("token[%d]", i),
			secret: []byte(t.Token),
			scopes: NewScopeSet(t.Scopes...),
		})
	}
	return k
}

// Open reports whether the keyring has no credentials, in which case every
// caller is Anonymous.
func (k *Keyring) Open() bool {
	return len(k.creds) == 0
}

// Authenticate matches a presented token in constant time per credential.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	p := []byte(presented)
	for _, c := range k.creds {
		if subtle.ConstantTimeCompare(p, c.secret) == 1 {
			return Principal{Name: c.name, Scopes: c.scopes}, true
		}
	}
	return Principal{}, false
}

// AuthenticateRequest resolves the caller of r.
func (k *Keyring) AuthenticateRequest(r *http.Request) (Principal, error) {
	if k.Open() {
		return Anonymous, nil
	}
	token, err := ExtractBearerToken(r)
	if err != nil {
		return Principal{}, err
	}
	p, ok := k.Authenticate(token)
	if !ok {
		return Principal{}, ErrUnknownToken
	}
	return p, nil
}
