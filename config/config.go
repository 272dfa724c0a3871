// Package config holds the gate's startup configuration, decoded once from
// the environment, and builds the single Authorizer a deployment runs with.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/bearer-gate/auth"
	"github.com/ggoodman/bearer-gate/delegated"
	"github.com/ggoodman/bearer-gate/internal/jwtauth"
	"github.com/ggoodman/bearer-gate/internal/wellknown"
	"github.com/ggoodman/bearer-gate/keyset"
	"github.com/ggoodman/bearer-gate/keyset/pinned"
	"github.com/ggoodman/bearer-gate/keyset/remote"
	"github.com/ggoodman/bearer-gate/storage"
	redisstore "github.com/ggoodman/bearer-gate/storage/redis"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config is immutable after FromEnv returns; pass it by value.
type Config struct {
	// Domain is the trust domain, e.g. tenant.example.com. ENV: AUTH0_DOMAIN
	Domain string `env:"AUTH0_DOMAIN"`
	// Audience is the expected "aud" claim. ENV: API_ID
	Audience string `env:"API_ID"`
	// IAMServer is the delegated decision service base URL. ENV: IAM_SERVER
	IAMServer string `env:"IAM_SERVER"`
	// Strategy is "local" or "delegated". When empty it is "delegated" if
	// IAMServer is set and "local" otherwise. ENV: AUTH_STRATEGY
	Strategy string `env:"AUTH_STRATEGY"`

	// Algorithms is a semicolon separated list. ENV: AUTH_ALGORITHMS
	Algorithms []string `env:"AUTH_ALGORITHMS,default=RS256"`
	// JWKSURL overrides https://{domain}/.well-known/jwks.json. ENV: JWKS_URL
	JWKSURL string `env:"JWKS_URL"`
	// JWKSFile pins the key set to a local file. ENV: JWKS_FILE
	JWKSFile string `env:"JWKS_FILE"`
	// OIDCDiscovery resolves jwks_uri from the issuer's discovery document. ENV: OIDC_DISCOVERY
	OIDCDiscovery bool `env:"OIDC_DISCOVERY,default=false"`
	// ENV: JWKS_MAX_AGE
	JWKSMaxAge time.Duration `env:"JWKS_MAX_AGE,default=10m"`
	// ENV: JWKS_MISS_REFRESH
	JWKSMissRefresh time.Duration `env:"JWKS_MISS_REFRESH,default=0s"`
	// HTTPTimeout bounds key set and delegated calls. ENV: HTTP_TIMEOUT
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT,default=5s"`
	// ENV: TOKEN_LEEWAY
	TokenLeeway time.Duration `env:"TOKEN_LEEWAY,default=0s"`

	// RedisAddr enables the shared key set cache. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// ENV: JWKS_CACHE_PREFIX
	JWKSCachePrefix string `env:"JWKS_CACHE_PREFIX,default=bearer-gate:jwks:"`

	// ENV: PORT
	Port int `env:"PORT,default=8000"`
	// Realm is advertised in WWW-Authenticate challenges. ENV: AUTH_REALM
	Realm string `env:"AUTH_REALM"`
}

// FromEnv decodes and validates the configuration.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EffectiveStrategy resolves an empty Strategy.
func (c Config) EffectiveStrategy() string {
	if c.Strategy != "" {
		return strings.ToLower(c.Strategy)
	}
	if c.IAMServer != "" {
		return auth.StrategyDelegated
	}
	return auth.StrategyLocal
}

// Addr is the listen address for Port.
func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// Validate checks that the fields the selected strategy needs are present.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d is out of range", c.Port))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("HTTP_TIMEOUT must be positive"))
	}
	if c.JWKSMaxAge < 0 || c.JWKSMissRefresh < 0 || c.TokenLeeway < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}

	switch c.EffectiveStrategy() {
	case auth.StrategyLocal:
		if c.Domain == "" {
			errs = append(errs, errors.New("AUTH0_DOMAIN is required"))
		}
		if c.Audience == "" {
			errs = append(errs, errors.New("API_ID is required"))
		}
		if len(c.Algorithms) == 0 {
			errs = append(errs, errors.New("AUTH_ALGORITHMS must name at least one algorithm"))
		}
		for _, alg := range c.Algorithms {
			if strings.EqualFold(alg, "none") {
				errs = append(errs, errors.New("AUTH_ALGORITHMS must not include none"))
			}
		}
		sources := 0
		for _, set := range []bool{c.JWKSURL != "", c.JWKSFile != "", c.OIDCDiscovery} {
			if set {
				sources++
			}
		}
		if sources > 1 {
			errs = append(errs, errors.New("JWKS_URL, JWKS_FILE and OIDC_DISCOVERY are mutually exclusive"))
		}
	case auth.StrategyDelegated:
		if c.IAMServer == "" {
			errs = append(errs, errors.New("IAM_SERVER is required"))
		} else if u, err := url.Parse(c.IAMServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("IAM_SERVER %q is not an absolute URL", c.IAMServer))
		}
		if c.Domain == "" {
			errs = append(errs, errors.New("AUTH0_DOMAIN is required"))
		}
		if c.Audience == "" {
			errs = append(errs, errors.New("API_ID is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("AUTH_STRATEGY %q is not one of local, delegated", c.Strategy))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// NewAuthorizer builds the configured strategy. The returned closer releases
// key set watchers and cache connections.
func (c Config) NewAuthorizer(ctx context.Context, log *slog.Logger) (auth.Authorizer, io.Closer, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	hc := &http.Client{Timeout: c.HTTPTimeout}

	if c.EffectiveStrategy() == auth.StrategyDelegated {
		client, err := delegated.NewClient(delegated.Config{
			BaseURL:    c.IAMServer,
			Audience:   c.Audience,
			Domain:     c.Domain,
			HTTPClient: hc,
			Timeout:    c.HTTPTimeout,
			Logger:     log,
		})
		if err != nil {
			return nil, nil, err
		}
		a, err := auth.NewDelegated(client)
		if err != nil {
			return nil, nil, err
		}
		log.InfoContext(ctx, "config.authorizer.ok", slog.String("strategy", auth.StrategyDelegated), slog.String("iam_server", c.IAMServer))
		return a, nopCloser{}, nil
	}

	src, closer, err := c.keySource(ctx, log, hc)
	if err != nil {
		return nil, nil, err
	}
	a, err := auth.NewLocal(c.Domain, c.Audience, src,
		auth.WithAllowedAlgs(c.Algorithms...),
		auth.WithLeeway(c.TokenLeeway),
	)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	log.InfoContext(ctx, "config.authorizer.ok",
		slog.String("strategy", auth.StrategyLocal),
		slog.String("issuer", jwtauth.IssuerForDomain(c.Domain)),
		slog.String("audience", c.Audience),
	)
	return a, closer, nil
}

func (c Config) keySource(ctx context.Context, log *slog.Logger, hc *http.Client) (keyset.Source, io.Closer, error) {
	if c.JWKSFile != "" {
		src, err := pinned.Open(ctx, c.JWKSFile, pinned.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		return src, src, nil
	}

	opts := []remote.Option{
		remote.WithHTTPClient(hc),
		remote.WithTimeout(c.HTTPTimeout),
		remote.WithMaxAge(c.JWKSMaxAge),
		remote.WithMissRefreshInterval(c.JWKSMissRefresh),
		remote.WithLogger(log),
	}
	switch {
	case c.OIDCDiscovery:
		opts = append(opts, remote.WithOIDCDiscovery(jwtauth.IssuerForDomain(c.Domain)))
	case c.JWKSURL != "":
		opts = append(opts, remote.WithJWKSURL(c.JWKSURL))
	default:
		opts = append(opts, remote.WithDomain(c.Domain))
	}

	if c.RedisAddr != "" {
		st, err := c.redisStorage(ctx)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, remote.WithStorage(st))
	}

	src, err := remote.New(opts...)
	if err != nil {
		return nil, nil, err
	}
	return src, src, nil
}

func (c Config) redisStorage(ctx context.Context) (storage.Storage, error) {
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	st, err := redisstore.New(redisstore.Config{Client: client, KeyPrefix: c.JWKSCachePrefix})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return st, nil
}

// ResourceMetadata describes the API for clients of the local strategy. It
// reports false for the delegated strategy, whose token issuer the gate does
// not know.
func (c Config) ResourceMetadata() (wellknown.ProtectedResourceMetadata, bool) {
	if c.EffectiveStrategy() != auth.StrategyLocal {
		return wellknown.ProtectedResourceMetadata{}, false
	}
	doc := wellknown.ProtectedResourceMetadata{
		Resource:                          c.Audience,
		AuthorizationServers:              []string{jwtauth.IssuerForDomain(c.Domain)},
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: c.Algorithms,
	}
	switch {
	case c.JWKSURL != "":
		doc.JwksURI = c.JWKSURL
	case c.JWKSFile == "" && !c.OIDCDiscovery:
		doc.JwksURI = remote.JWKSURL(c.Domain)
	}
	return doc, true
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
