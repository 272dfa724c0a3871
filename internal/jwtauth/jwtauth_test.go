package jwtauth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/bearer-gate/gateerr"
	"github.com/ggoodman/bearer-gate/internal/jwttest"
	"github.com/ggoodman/bearer-gate/keyset"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testDomain = "tenant.example.com"
	testAud    = "https://api.example.com"
)

// staticSource serves a fixed key set and counts lookups.
type staticSource struct {
	keys    []keyset.SigningKey
	err     error
	lookups int
}

func (s *staticSource) Key(_ context.Context, kid string) (keyset.SigningKey, error) {
	s.lookups++
	if s.err != nil {
		return keyset.SigningKey{}, s.err
	}
	return keyset.Lookup(s.keys, kid)
}

func sourceFor(t *testing.T, keys ...*jwttest.Key) *staticSource {
	t.Helper()
	parsed, err := keyset.Parse(jwttest.JWKS(t, keys...))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return &staticSource{keys: parsed}
}

func baseConfig() *Config {
	cfg := DefaultConfig()
	cfg.Issuer = IssuerForDomain(testDomain)
	cfg.Audience = testAud
	return cfg
}

func validClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":         IssuerForDomain(testDomain),
		"sub":         "auth0|user-123",
		"aud":         testAud,
		"exp":         now.Add(time.Hour).Unix(),
		"iat":         now.Unix(),
		"scope":       "read:messages",
		"permissions": []any{"read:messages"},
	}
}

func newValidator(t *testing.T, cfg *Config, src keyset.Source) *Validator {
	t.Helper()
	v, err := NewValidator(cfg, src)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	return v
}

func wantErr(t *testing.T, res Result, code gateerr.Code, status int) {
	t.Helper()
	if res.OK() {
		t.Fatalf("expected failure %s/%d, got claims %v", code, status, res.Claims)
	}
	if res.Err.Code != code || res.Err.Status != status {
		t.Fatalf("want %s/%d, got %s/%d (%v)", code, status, res.Err.Code, res.Err.Status, res.Err)
	}
}

func TestIssuerForDomain(t *testing.T) {
	if got := IssuerForDomain("tenant.example.com"); got != "https://tenant.example.com/" {
		t.Fatalf("unexpected issuer %q", got)
	}
}

func TestNewValidator_RequiresPolicy(t *testing.T) {
	src := &staticSource{}
	if _, err := NewValidator(nil, src); err == nil {
		t.Fatalf("expected error for nil config")
	}
	if _, err := NewValidator(baseConfig(), nil); err == nil {
		t.Fatalf("expected error for nil source")
	}
	cfg := baseConfig()
	cfg.Audience = ""
	if _, err := NewValidator(cfg, src); err == nil {
		t.Fatalf("expected error for missing audience")
	}
}

func TestValidate_HappyPath(t *testing.T) {
	k := jwttest.NewKey(t, "k1")
	v := newValidator(t, baseConfig(), sourceFor(t, k))

	claims := validClaims(time.Now())
	claims["https://example.com/roles"] = []any{"admin"}
	res := v.Validate(context.Background(), k.Sign(t, claims))
	if !res.OK() {
		t.Fatalf("validate: %v", res.Err)
	}

	// The principal is the decoded claim set, nothing added or removed.
	want := map[string]any{}
	for name, val := range claims {
		switch n := val.(type) {
		case int64:
			want[name] = float64(n)
		default:
			want[name] = val
		}
	}
	if !reflect.DeepEqual(res.Claims, want) {
		t.Fatalf("claims mismatch:\n got %#v\nwant %#v", res.Claims, want)
	}
}

func TestValidate_AudienceArray(t *testing.T) {
	k := jwttest.NewKey(t, "k1")
	v := newValidator(t, baseConfig(), sourceFor(t, k))
	claims := validClaims(time.Now())
	claims["aud"] = []string{testAud, IssuerForDomain(testDomain) + "userinfo"}
	if res := v.Validate(context.Background(), k.Sign(t, claims)); !res.OK() {
		t.Fatalf("validate: %v", res.Err)
	}
}

func TestValidate_HeaderFailures(t *testing.T) {
	k := jwttest.NewKey(t, "k1")
	src := sourceFor(t, k)
	v := newValidator(t, baseConfig(), src)
	ctx := context.Background()

	hs := jwttest.SignHS256(t, []byte("shared-secret"), "k1", validClaims(time.Now()))
	wantErr(t, v.Validate(ctx, hs), gateerr.CodeInvalidHeader, http.StatusUnauthorized)

	noneHeader := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","kid":"k1"}`))
	wantErr(t, v.Validate(ctx, noneHeader+".e30."), gateerr.CodeInvalidHeader, http.StatusUnauthorized)

	for _, tok := range []string{"abc", "a.b", "!!!.e30.sig", base64.RawURLEncoding.EncodeToString([]byte(`[1]`)) + ".e30.sig"} {
		wantErr(t, v.Validate(ctx, tok), gateerr.CodeInvalidHeader, http.StatusUnauthorized)
	}

	if src.lookups != 0 {
		t.Fatalf("header failures must not consult the key source, got %d lookups", src.lookups)
	}
}

func TestValidate_KeyResolution(t *testing.T) {
	k := jwttest.NewKey(t, "k1")
	v := newValidator(t, baseConfig(), sourceFor(t, k))
	ctx := context.Background()

	unknown := jwttest.SignAs(t, k.Private, "other", validClaims(time.Now()))
	res := v.Validate(ctx, unknown)
	wantErr(t, res, gateerr.CodeInvalidHeader, http.StatusBadRequest)
	if res.Err.Description != gateerr.DescKeyNotFound {
		t.Fatalf("unexpected description %q", res.Err.Description)
	}

	noKid := jwttest.SignAs(t, k.Private, "", validClaims(time.Now()))
	wantErr(t, v.Validate(ctx, noKid), gateerr.CodeInvalidHeader, http.StatusBadRequest)

	down := newValidator(t, baseConfig(), &staticSource{err: keyset.ErrDiscovery})
	res = down.Validate(ctx, k.Sign(t, validClaims(time.Now())))
	wantErr(t, res, gateerr.CodeKeyDiscoveryFailed, http.StatusBadGateway)
	if !errors.Is(res.Err, keyset.ErrDiscovery) {
		t.Fatalf("cause should be preserved for logging: %v", res.Err)
	}
}

func TestValidate_SignatureMismatchIsUnparseable(t *testing.T) {
	published := jwttest.NewKey(t, "k1")
	attacker := jwttest.NewKey(t, "k1")
	v := newValidator(t, baseConfig(), sourceFor(t, published))

	forged := jwttest.SignAs(t, attacker.Private, "k1", validClaims(time.Now()))
	res := v.Validate(context.Background(), forged)
	wantErr(t, res, gateerr.CodeInvalidHeader, http.StatusBadRequest)
	if res.Err.Description != gateerr.DescUnparseable {
		t.Fatalf("unexpected description %q", res.Err.Description)
	}

	// A bad signature is reported even when the claims are also expired.
	claims := validClaims(time.Now())
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	forged = jwttest.SignAs(t, attacker.Private, "k1", claims)
	wantErr(t, v.Validate(context.Background(), forged), gateerr.CodeInvalidHeader, http.StatusBadRequest)

	tampered := published.Sign(t, validClaims(time.Now()))
	parts := strings.Split(tampered, ".")
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"someone-else"}`))
	wantErr(t, v.Validate(context.Background(), strings.Join(parts, ".")), gateerr.CodeInvalidHeader, http.StatusBadRequest)
}

func TestValidate_Expired(t *testing.T) {
	k := jwttest.NewKey(t, "k1")
	v := newValidator(t, baseConfig(), sourceFor(t, k))

	claims := validClaims(time.Now())
	claims["exp"] = time.Now().Add(-time.Minute).Unix()
	wantErr(t, v.Validate(context.Background(), k.Sign(t, claims)), gateerr.CodeTokenExpired, http.StatusUnauthorized)

	// Expiry takes precedence over other claim problems.
	claims["aud"] = "https://wrong.example.com"
	wantErr(t, v.Validate(context.Background(), k.Sign(t, claims)), gateerr.CodeTokenExpired, http.StatusUnauthorized)
}

func TestValidate_Leeway(t *testing.T) {
	k := jwttest.NewKey(t, "k1")
	now := time.Unix(1_700_000_000, 0)
	cfg := baseConfig()
	cfg.Now = func() time.Time { return now }
	cfg.Leeway = 30 * time.Second
	v := newValidator(t, cfg, sourceFor(t, k))

	claims := validClaims(now)
	claims["exp"] = now.Add(-10 * time.Second).Unix()
	if res := v.Validate(context.Background(), k.Sign(t, claims)); !res.OK() {
		t.Fatalf("expected admission within leeway: %v", res.Err)
	}
	claims["exp"] = now.Add(-time.Minute).Unix()
	wantErr(t, v.Validate(context.Background(), k.Sign(t, claims)), gateerr.CodeTokenExpired, http.StatusUnauthorized)
}

func TestValidate_InvalidClaims(t *testing.T) {
	k := jwttest.NewKey(t, "k1")
	v := newValidator(t, baseConfig(), sourceFor(t, k))

	cases := map[string]func(jwt.MapClaims){
		"wrong audience":     func(c jwt.MapClaims) { c["aud"] = "https://other.example.com" },
		"missing audience":   func(c jwt.MapClaims) { delete(c, "aud") },
		"wrong issuer":       func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com/" },
		"issuer not slashed": func(c jwt.MapClaims) { c["iss"] = "https://" + testDomain },
		"not yet valid":      func(c jwt.MapClaims) { c["nbf"] = time.Now().Add(time.Hour).Unix() },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			claims := validClaims(time.Now())
			mutate(claims)
			res := v.Validate(context.Background(), k.Sign(t, claims))
			wantErr(t, res, gateerr.CodeInvalidClaims, http.StatusUnauthorized)
		})
	}
}

func TestValidate_RequireExpiry(t *testing.T) {
	k := jwttest.NewKey(t, "k1")
	claims := validClaims(time.Now())
	delete(claims, "exp")

	lenient := newValidator(t, baseConfig(), sourceFor(t, k))
	if res := lenient.Validate(context.Background(), k.Sign(t, claims)); !res.OK() {
		t.Fatalf("exp is optional by default: %v", res.Err)
	}

	cfg := baseConfig()
	cfg.RequireExpiry = true
	strict := newValidator(t, cfg, sourceFor(t, k))
	wantErr(t, strict.Validate(context.Background(), k.Sign(t, claims)), gateerr.CodeInvalidClaims, http.StatusUnauthorized)
}

func TestValidate_DuplicateKidUsesFirstKey(t *testing.T) {
	first := jwttest.NewKey(t, "dup")
	second := jwttest.NewKey(t, "dup")
	v := newValidator(t, baseConfig(), sourceFor(t, first, second))

	if res := v.Validate(context.Background(), first.Sign(t, validClaims(time.Now()))); !res.OK() {
		t.Fatalf("token signed by first key should verify: %v", res.Err)
	}
	res := v.Validate(context.Background(), second.Sign(t, validClaims(time.Now())))
	wantErr(t, res, gateerr.CodeInvalidHeader, http.StatusBadRequest)
}

func TestValidate_Idempotent(t *testing.T) {
	k := jwttest.NewKey(t, "k1")
	v := newValidator(t, baseConfig(), sourceFor(t, k))
	good := k.Sign(t, validClaims(time.Now()))
	bad := jwttest.SignAs(t, k.Private, "nope", validClaims(time.Now()))

	first, firstBad := v.Validate(context.Background(), good), v.Validate(context.Background(), bad)
	for i := 0; i < 3; i++ {
		if again := v.Validate(context.Background(), good); !reflect.DeepEqual(again.Claims, first.Claims) {
			t.Fatalf("admission changed between runs")
		}
		if again := v.Validate(context.Background(), bad); again.Err.Code != firstBad.Err.Code || again.Err.Status != firstBad.Err.Status {
			t.Fatalf("rejection changed between runs")
		}
	}
}
