// Package jwtauth verifies bearer access tokens locally: it checks the
// unverified header against the algorithm policy, resolves the signing key
// from a keyset.Source, verifies the signature and validates exp, aud and iss.
//
// Every outcome is a Result. Failures are already classified as gate errors
// so callers never inspect jwt library errors themselves.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/bearer-gate/gateerr"
	"github.com/ggoodman/bearer-gate/keyset"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation behavior for access tokens.
type Config struct {
	// Issuer is the exact expected "iss" value, https://{domain}/ for the
	// trust domains this gate is deployed against.
	Issuer string
	// Audience is the exact expected "aud" value (or one member of it).
	Audience    string
	AllowedAlgs []string
	// Leeway tolerates clock skew on exp.
	Leeway time.Duration
	// RequireExpiry rejects tokens that carry no exp claim.
	RequireExpiry bool
	// Now overrides the validation clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config that only admits RS256 with no leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
	}
}

// IssuerForDomain returns the issuer a trust domain signs its tokens with.
func IssuerForDomain(domain string) string {
	return "https://" + strings.TrimSuffix(domain, "/") + "/"
}

// Header is the subset of the unverified JOSE header the validator reads.
type Header struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Type      string `json:"typ,omitempty"`
}

// Result is the outcome of validating one token: either Claims or Err is set.
type Result struct {
	Claims map[string]any
	Err    *gateerr.Error
}

// OK reports whether the token was admitted.
func (r Result) OK() bool { return r.Err == nil }

func fail(e *gateerr.Error, cause error) Result {
	if cause != nil {
		e = e.WithCause(cause)
	}
	return Result{Err: e}
}

// Validator is safe for concurrent use; it holds no per-request state.
type Validator struct {
	cfg    Config
	source keyset.Source
	parser *jwt.Parser
}

// NewValidator constructs a Validator resolving keys through source.
func NewValidator(cfg *Config, source keyset.Source) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if source == nil {
		return nil, errors.New("key source is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway < 0 {
		return nil, errors.New("leeway must not be negative")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.AllowedAlgs = slices.Clone(c.AllowedAlgs)

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(c.AllowedAlgs),
		jwt.WithAudience(c.Audience),
		jwt.WithIssuer(c.Issuer),
		jwt.WithLeeway(c.Leeway),
		jwt.WithTimeFunc(c.Now),
	}
	if c.RequireExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	}

	return &Validator{cfg: c, source: source, parser: jwt.NewParser(opts...)}, nil
}

// ParseHeader decodes the JOSE header of tok without verifying anything.
func (v *Validator) ParseHeader(tok string) (Header, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return Header{}, fmt.Errorf("%w: token contains %d segments", jwt.ErrTokenMalformed, len(parts))
	}
	raw, err := v.parser.DecodeSegment(parts[0])
	if err != nil {
		return Header{}, fmt.Errorf("%w: decode header: %v", jwt.ErrTokenMalformed, err)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, fmt.Errorf("%w: header is not a JSON object: %v", jwt.ErrTokenMalformed, err)
	}
	return h, nil
}

// Validate verifies tok and returns its claim set verbatim on success.
//
// Failure classification, in evaluation order:
//   - undecodable header or disallowed alg: invalid_header, 401
//   - unknown kid: invalid_header, 400
//   - key set unavailable: key_discovery_failed, 502
//   - bad signature or malformed payload: invalid_header, 400
//   - expired: token_expired, 401
//   - wrong aud or iss, or other claim failures: invalid_claims, 401
func (v *Validator) Validate(ctx context.Context, tok string) Result {
	h, err := v.ParseHeader(tok)
	if err != nil {
		return fail(gateerr.AlgorithmNotAllowed(), err)
	}
	if !slices.Contains(v.cfg.AllowedAlgs, h.Algorithm) {
		return fail(gateerr.AlgorithmNotAllowed(), fmt.Errorf("disallowed alg: %q", h.Algorithm))
	}

	key, err := v.source.Key(ctx, h.KeyID)
	if err != nil {
		if errors.Is(err, keyset.ErrKeyNotFound) {
			return fail(gateerr.KeyNotFound(), err)
		}
		return fail(gateerr.KeyDiscoveryFailed(), err)
	}

	claims := jwt.MapClaims{}
	_, err = v.parser.ParseWithClaims(tok, claims, func(*jwt.Token) (any, error) {
		return key.Public, nil
	})
	if err != nil {
		return classify(err)
	}
	return Result{Claims: map[string]any(claims)}
}

// classify maps a jwt parse/verify error. Expiry wins over every other claim
// failure so clients know a fresh token will help.
func classify(err error) Result {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fail(gateerr.TokenExpired(), err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenUsedBeforeIssued),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return fail(gateerr.InvalidClaims(), err)
	default:
		return fail(gateerr.Unparseable(), err)
	}
}
