// Package delegated asks a remote IAM service whether a bearer token may
// perform an action on a resource.
//
// The client performs no local cryptographic verification. It forwards the
// caller's Authorization header together with the expected audience and trust
// domain, and trusts the service's verdict.
package delegated

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/bearer-gate/gateerr"
)

const (
	// AllowedPath is appended to the service base URL.
	AllowedPath = "/allowed"

	HeaderAudience = "Auth0-Audience"
	HeaderDomain   = "Auth0-Domain"

	DefaultTimeout = 5 * time.Second

	maxVerdictSize = 1 << 20
)

// ErrUnavailable is the cause recorded when the service could not be reached
// or its answer could not be read.
var ErrUnavailable = errors.New("delegated: authorization service unavailable")

// Config describes the remote decision service.
type Config struct {
	// BaseURL is the IAM service root, e.g. https://iam.internal.
	BaseURL  string
	Audience string
	Domain   string

	// HTTPClient defaults to a client with Timeout applied.
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Request is the body POSTed to the service.
type Request struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Client is safe for concurrent use.
type Client struct {
	endpoint string
	audience string
	domain   string
	client   *http.Client
	timeout  time.Duration
	log      *slog.Logger
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("delegated: base URL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("delegated: invalid base URL %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + AllowedPath,
		audience: cfg.Audience,
		domain:   cfg.Domain,
		client:   hc,
		timeout:  timeout,
		log:      log,
	}, nil
}

// Allowed asks the service for a verdict on (resource, action).
//
// On allowed:true the complete response object is returned, including any
// extra fields. Every failure is a *gateerr.Error:
//   - remote status >= 400: passthrough of status and body
//   - allowed:false: not_allowed, 403
//   - unreachable, timeout or unreadable verdict: authorizer_unavailable, 502
func (c *Client) Allowed(ctx context.Context, authorization, resource, action string) (map[string]any, error) {
	body, err := json.Marshal(Request{Resource: resource, Action: action})
	if err != nil {
		return nil, gateerr.AuthorizerUnavailable().WithCause(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, unavailable("create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", authorization)
	req.Header.Set(HeaderAudience, c.audience)
	req.Header.Set(HeaderDomain, c.domain)

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.WarnContext(ctx, "delegated.call.fail", slog.String("err", err.Error()))
		return nil, unavailable("call", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxVerdictSize))
	if err != nil {
		c.log.WarnContext(ctx, "delegated.read.fail", slog.String("err", err.Error()))
		return nil, unavailable("read response", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		c.log.InfoContext(ctx, "delegated.remote.error", slog.Int("status", resp.StatusCode))
		return nil, gateerr.Passthrough(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, unavailable("unexpected status", fmt.Errorf("status %d", resp.StatusCode))
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		if err == nil {
			err = errors.New("verdict is not a JSON object")
		}
		c.log.WarnContext(ctx, "delegated.verdict.invalid", slog.String("err", err.Error()))
		return nil, unavailable("decode verdict", err)
	}

	allowed, ok := payload["allowed"].(bool)
	if !ok {
		c.log.WarnContext(ctx, "delegated.verdict.invalid", slog.String("err", "missing boolean \"allowed\""))
		return nil, unavailable("decode verdict", errors.New("missing boolean \"allowed\""))
	}
	if !allowed {
		return nil, gateerr.NotAllowed()
	}
	return payload, nil
}

func unavailable(op string, err error) *gateerr.Error {
	return gateerr.AuthorizerUnavailable().WithCause(fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err))
}
