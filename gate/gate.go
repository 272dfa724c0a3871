// Package gate binds protected HTTP operations to a (resource, action)
// permission and runs an auth.Authorizer in front of each of them.
//
// A rejected request never reaches the protected operation; its response is
// produced by gateerr.Write alone. An admitted request reaches the operation
// with its principal attached to the request context and also passed as an
// explicit argument.
package gate

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/bearer-gate/auth"
	"github.com/ggoodman/bearer-gate/gateerr"
	"github.com/ggoodman/bearer-gate/internal/logctx"
	"github.com/google/uuid"
)

// ProtectedFunc is an operation that only runs for admitted requests.
type ProtectedFunc func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger. Records are enriched with request and
// authorization attributes.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(g *Gate) { g.realm = realm }
}

// Gate is safe for concurrent use.
type Gate struct {
	authz    auth.Authorizer
	strategy string
	realm    string
	log      *slog.Logger
}

// New constructs a Gate around authorizer.
func New(authorizer auth.Authorizer, opts ...Option) *Gate {
	if authorizer == nil {
		panic("gate: authorizer is required")
	}
	g := &Gate{authz: authorizer, log: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.log = slog.New(logctx.Handler{Handler: g.log.Handler()})

	type strategist interface{ Strategy() string }
	if s, ok := authorizer.(strategist); ok {
		g.strategy = s.Strategy()
	}
	return g
}

// Protect returns a handler that runs fn only for requests authorized for perm.
func (g *Gate) Protect(perm auth.Permission, fn ProtectedFunc) http.Handler {
	if fn == nil {
		panic("gate: protected operation is required")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, p, ok := g.admit(w, r, perm)
		if !ok {
			return
		}
		fn(w, r, p)
	})
}

// Middleware is Protect for handlers that read the principal from the
// request context with auth.PrincipalFromContext.
func (g *Gate) Middleware(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return g.Protect(perm, func(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
			next.ServeHTTP(w, r)
		})
	}
}

// admit runs the authorizer. On rejection it writes the error response and
// reports false.
func (g *Gate) admit(w http.ResponseWriter, r *http.Request, perm auth.Permission) (*http.Request, auth.Principal, bool) {
	start := time.Now()
	ctx := r.Context()
	if _, ok := logctx.RequestDataFrom(ctx); !ok {
		ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
	}
	ad := &logctx.AuthzData{Strategy: g.strategy, Resource: perm.Resource, Action: perm.Action}
	ctx = logctx.WithAuthzData(ctx, ad)

	p, err := g.authz.Authorize(ctx, r.Header, perm)
	if err != nil {
		ge := gateerr.As(err)
		attrs := []any{
			slog.String("code", string(ge.Code)),
			slog.Int("status", ge.Status),
			slog.Duration("dur", time.Since(start)),
		}
		if cause := ge.Unwrap(); cause != nil {
			attrs = append(attrs, slog.String("err", cause.Error()))
		}
		if ge.Status >= http.StatusInternalServerError {
			g.log.WarnContext(ctx, "gate.reject", attrs...)
		} else {
			g.log.InfoContext(ctx, "gate.reject", attrs...)
		}
		gateerr.Write(w, ge, g.realm)
		return nil, nil, false
	}

	ad.Subject = p.Subject()
	g.log.InfoContext(ctx, "gate.admit", slog.Duration("dur", time.Since(start)))
	return r.WithContext(auth.WithPrincipal(ctx, p)), p, true
}
