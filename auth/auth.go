package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Strategy names, as they appear in configuration and logs.
const (
	StrategyLocal     = "local"
	StrategyDelegated = "delegated"
)

// Permission is the (resource, action) pair a protected operation is bound
// to. The local strategy ignores it; the delegated strategy requires it.
type Permission struct {
	Resource string
	Action   string
}

// Authorizer decides whether a request may proceed.
//
// On success it returns the principal to attach to the request. Every failure
// is a *gateerr.Error describing exactly what the caller should be told.
// Implementations must be safe for concurrent use.
type Authorizer interface {
	Authorize(ctx context.Context, h http.Header, perm Permission) (Principal, error)
}

// Principal is the verified identity payload of an admitted request: the
// decoded token claims (local) or the remote verdict (delegated), unmodified.
type Principal map[string]any

// Subject returns the "sub" member, if it is a string.
func (p Principal) Subject() string {
	s, _ := p["sub"].(string)
	return s
}

// Claims unmarshals the principal into ref.
func (p Principal) Claims(ref any) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Scopes splits the space-delimited "scope" member.
func (p Principal) Scopes() []string {
	s, _ := p["scope"].(string)
	return strings.Fields(s)
}

// Permissions returns the string entries of the "permissions" array that
// RBAC-enabled trust domains add to access tokens.
func (p Principal) Permissions() []string {
	raw, _ := p["permissions"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// HasScope reports whether scope is granted either in "scope" or in
// "permissions".
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes() {
		if s == scope {
			return true
		}
	}
	for _, s := range p.Permissions() {
		if s == scope {
			return true
		}
	}
	return false
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached by the gate.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
