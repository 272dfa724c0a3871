// Package remote implements keyset.Source by fetching the trust domain's
// published JWKS document over HTTP.
//
// Fetched documents are cached per JWKS URL for a configurable max age in a
// storage.Storage (in-process LRU by default, Redis when shared across
// replicas). Concurrent refreshes of the same URL collapse into one request.
// A kid that is missing from a cached set triggers a refetch, so a key
// rotation at the trust domain is picked up without waiting for expiry.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/bearer-gate/keyset"
	"github.com/ggoodman/bearer-gate/storage"
	"github.com/ggoodman/bearer-gate/storage/memory"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxAge  = 10 * time.Minute
	DefaultTimeout = 5 * time.Second

	// maxDocumentSize bounds the JWKS response body.
	maxDocumentSize = 1 << 20
)

// JWKSURL returns the conventional key set location for a trust domain.
func JWKSURL(domain string) string {
	return "https://" + strings.TrimSuffix(domain, "/") + "/.well-known/jwks.json"
}

// Source is a caching, single-flight JWKS client. It is safe for concurrent use.
type Source struct {
	jwksURL     string
	issuer      string // set when the URL comes from OIDC discovery
	client      *http.Client
	timeout     time.Duration
	maxAge      time.Duration
	missRefresh time.Duration
	store       storage.Storage
	now         func() time.Time
	log         *slog.Logger

	group singleflight.Group

	discoveredMu sync.Mutex
	discovered   string
}

// Option configures a Source.
type Option func(*Source)

// WithDomain derives the JWKS URL from the trust domain.
func WithDomain(domain string) Option {
	return func(s *Source) { s.jwksURL = JWKSURL(domain) }
}

// WithJWKSURL sets the JWKS URL explicitly.
func WithJWKSURL(u string) Option {
	return func(s *Source) { s.jwksURL = u }
}

// WithOIDCDiscovery resolves the JWKS URL from the issuer's
// /.well-known/openid-configuration document on first use. It takes
// precedence over WithDomain and WithJWKSURL.
func WithOIDCDiscovery(issuer string) Option {
	return func(s *Source) { s.issuer = issuer }
}

// WithHTTPClient sets the client used for discovery and key set fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithTimeout bounds each network call. A timeout fails closed.
func WithTimeout(d time.Duration) Option {
	return func(s *Source) { s.timeout = d }
}

// WithMaxAge sets how long a fetched key set is served from cache.
func WithMaxAge(d time.Duration) Option {
	return func(s *Source) { s.maxAge = d }
}

// WithMissRefreshInterval sets how old a cached key set must be before a kid
// miss triggers a refetch. Zero refetches on every miss.
func WithMissRefreshInterval(d time.Duration) Option {
	return func(s *Source) { s.missRefresh = d }
}

// WithStorage replaces the default in-process cache.
func WithStorage(st storage.Storage) Option {
	return func(s *Source) { s.store = st }
}

// WithClock overrides the clock used for cache age decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// New constructs a Source. One of WithDomain, WithJWKSURL or
// WithOIDCDiscovery is required.
func New(opts ...Option) (*Source, error) {
	s := &Source{
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		maxAge:  DefaultMaxAge,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.jwksURL == "" && s.issuer == "" {
		return nil, errors.New("remote: a trust domain, JWKS URL or OIDC issuer is required")
	}
	if s.maxAge < 0 || s.missRefresh < 0 || s.timeout <= 0 {
		return nil, errors.New("remote: durations must not be negative and timeout must be positive")
	}
	if s.store == nil {
		st, err := memory.New(memory.DefaultMaxItems, memory.WithClock(s.now))
		if err != nil {
			return nil, err
		}
		s.store = st
	}
	return s, nil
}

// Key returns the first key in the current key set whose kid matches.
func (s *Source) Key(ctx context.Context, kid string) (keyset.SigningKey, error) {
	u, err := s.resolveURL(ctx)
	if err != nil {
		return keyset.SigningKey{}, err
	}

	if keys, age, ok := s.cached(ctx, u); ok {
		k, err := keyset.Lookup(keys, kid)
		if err == nil {
			return k, nil
		}
		if age < s.missRefresh {
			return keyset.SigningKey{}, err
		}
		s.log.DebugContext(ctx, "jwks.miss.refresh", slog.String("kid", kid), slog.Duration("age", age))
	}

	keys, err := s.refresh(ctx, u)
	if err != nil {
		return keyset.SigningKey{}, err
	}
	return keyset.Lookup(keys, kid)
}

// Refresh fetches the key set now, bypassing the cache.
func (s *Source) Refresh(ctx context.Context) ([]keyset.SigningKey, error) {
	u, err := s.resolveURL(ctx)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, u)
}

// Close releases the cache backend.
func (s *Source) Close() error { return s.store.Close() }

func (s *Source) cached(ctx context.Context, u string) ([]keyset.SigningKey, time.Duration, bool) {
	item, err := s.store.Get(ctx, u)
	if err != nil {
		s.log.WarnContext(ctx, "jwks.cache.get.fail", slog.String("err", err.Error()))
		return nil, 0, false
	}
	if item == nil {
		return nil, 0, false
	}
	age := item.Age(s.now())
	if age > s.maxAge {
		return nil, 0, false
	}
	keys, err := keyset.Parse(item.Data)
	if err != nil {
		s.log.WarnContext(ctx, "jwks.cache.corrupt", slog.String("err", err.Error()))
		return nil, 0, false
	}
	return keys, age, true
}

// refresh performs at most one fetch per URL at a time. Callers that join an
// in-flight fetch still honor their own context.
func (s *Source) refresh(ctx context.Context, u string) ([]keyset.SigningKey, error) {
	ch := s.group.DoChan(u, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		fetchedAt := s.now()
		raw, err := s.fetch(fctx, u)
		if err != nil {
			s.log.WarnContext(ctx, "jwks.fetch.fail", slog.String("url", u), slog.String("err", err.Error()))
			return nil, err
		}
		keys, err := keyset.Parse(raw)
		if err != nil {
			s.log.WarnContext(ctx, "jwks.parse.fail", slog.String("url", u), slog.String("err", err.Error()))
			return nil, err
		}
		if err := s.store.Set(fctx, u, raw, storage.WithTTL(s.maxAge), storage.WithCreatedAt(fetchedAt)); err != nil {
			s.log.WarnContext(ctx, "jwks.cache.set.fail", slog.String("err", err.Error()))
		}
		s.log.DebugContext(ctx, "jwks.fetch.ok", slog.String("url", u), slog.Int("keys", len(keys)))
		return keys, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", keyset.ErrDiscovery, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]keyset.SigningKey), nil
	}
}

func (s *Source) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", keyset.ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch key set: %v", keyset.ErrDiscovery, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: key set endpoint returned status %d", keyset.ErrDiscovery, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read key set: %v", keyset.ErrDiscovery, err)
	}
	return raw, nil
}

func (s *Source) resolveURL(ctx context.Context) (string, error) {
	if s.issuer == "" {
		return s.jwksURL, nil
	}

	s.discoveredMu.Lock()
	u := s.discovered
	s.discoveredMu.Unlock()
	if u != "" {
		return u, nil
	}

	ch := s.group.DoChan("discovery:"+s.issuer, func() (any, error) {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		provider, err := oidc.NewProvider(oidc.ClientContext(dctx, s.client), s.issuer)
		if err != nil {
			return "", fmt.Errorf("%w: oidc discovery: %v", keyset.ErrDiscovery, err)
		}
		var meta struct {
			JwksURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err != nil {
			return "", fmt.Errorf("%w: invalid discovery metadata: %v", keyset.ErrDiscovery, err)
		}
		if meta.JwksURI == "" {
			return "", fmt.Errorf("%w: discovery incomplete: missing jwks_uri", keyset.ErrDiscovery)
		}

		s.discoveredMu.Lock()
		s.discovered = meta.JwksURI
		s.discoveredMu.Unlock()
		s.log.InfoContext(ctx, "jwks.discovery.ok", slog.String("issuer", s.issuer), slog.String("jwks_uri", meta.JwksURI))
		return meta.JwksURI, nil
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", keyset.ErrDiscovery, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			s.log.WarnContext(ctx, "jwks.discovery.fail", slog.String("issuer", s.issuer), slog.String("err", res.Err.Error()))
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

var _ keyset.Source = (*Source)(nil)
