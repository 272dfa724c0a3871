package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ggoodman/bearer-gate/internal/bearer"
	"github.com/ggoodman/bearer-gate/internal/jwtauth"
	"github.com/ggoodman/bearer-gate/keyset"
)

// LocalOption configures optional aspects of local token verification.
type LocalOption func(*jwtauth.Config)

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) LocalOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) LocalOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithRequireExpiry rejects tokens without an exp claim.
func WithRequireExpiry() LocalOption {
	return func(c *jwtauth.Config) { c.RequireExpiry = true }
}

// WithIssuer overrides the issuer derived from the trust domain.
func WithIssuer(iss string) LocalOption {
	return func(c *jwtauth.Config) { c.Issuer = iss }
}

// WithClock overrides the clock used for exp and nbf checks.
func WithClock(now func() time.Time) LocalOption {
	return func(c *jwtauth.Config) { c.Now = now }
}

// Local verifies RS256 access tokens against keys from a keyset.Source.
type Local struct {
	v *jwtauth.Validator
}

// NewLocal returns an Authorizer that verifies tokens issued by
// https://{domain}/ for audience, resolving signing keys through source.
func NewLocal(domain, audience string, source keyset.Source, opts ...LocalOption) (*Local, error) {
	if domain == "" {
		return nil, errors.New("trust domain is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = jwtauth.IssuerForDomain(domain)
	cfg.Audience = audience
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.NewValidator(cfg, source)
	if err != nil {
		return nil, err
	}
	return &Local{v: v}, nil
}

// Authorize extracts the bearer token from h and verifies it. perm is not
// consulted.
func (l *Local) Authorize(ctx context.Context, h http.Header, _ Permission) (Principal, error) {
	tok, gerr := bearer.FromHeader(h)
	if gerr != nil {
		return nil, gerr
	}
	res := l.v.Validate(ctx, tok)
	if !res.OK() {
		return nil, res.Err
	}
	return Principal(res.Claims), nil
}

func (l *Local) Strategy() string { return StrategyLocal }

var _ Authorizer = (*Local)(nil)
