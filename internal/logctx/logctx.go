package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with request-scoped attributes carried on the
// context: a "req" group for the HTTP request and an "authz" group for the
// authorization decision in progress.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if ad, ok := ctx.Value(authzDataKey{}).(*AuthzData); ok {
		attrs := []any{
			slog.String("strategy", ad.Strategy),
			slog.String("resource", ad.Resource),
			slog.String("action", ad.Action),
		}
		if ad.Subject != "" {
			attrs = append(attrs, slog.String("sub", ad.Subject))
		}
		r.AddAttrs(slog.Group("authz", attrs...))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// RequestDataFrom returns the request data attached to ctx, if any.
func RequestDataFrom(ctx context.Context) (*RequestData, bool) {
	rd, ok := ctx.Value(requestDataKey{}).(*RequestData)
	return rd, ok
}

type authzDataKey struct{}

// AuthzData describes the authorization decision for the current request.
// Subject is filled in once a principal has been admitted.
type AuthzData struct {
	Strategy string
	Resource string
	Action   string
	Subject  string
}

func WithAuthzData(ctx context.Context, data *AuthzData) context.Context {
	return context.WithValue(ctx, authzDataKey{}, data)
}
