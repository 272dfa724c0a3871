package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/ggoodman/bearer-gate/delegated"
	"github.com/ggoodman/bearer-gate/gateerr"
	"github.com/ggoodman/bearer-gate/internal/bearer"
)

// ErrPermissionRequired is the cause recorded when a delegated decision is
// requested without a resource or action.
var ErrPermissionRequired = errors.New("auth: delegated authorization requires a resource and action")

// Delegated trusts a remote IAM service's verdict.
type Delegated struct {
	c *delegated.Client
}

// NewDelegated returns an Authorizer backed by client.
func NewDelegated(client *delegated.Client) (*Delegated, error) {
	if client == nil {
		return nil, errors.New("delegated client is required")
	}
	return &Delegated{c: client}, nil
}

// Authorize checks that a well-formed bearer credential is present and then
// forwards the Authorization header verbatim with perm to the remote service.
func (d *Delegated) Authorize(ctx context.Context, h http.Header, perm Permission) (Principal, error) {
	if _, gerr := bearer.FromHeader(h); gerr != nil {
		return nil, gerr
	}
	if perm.Resource == "" || perm.Action == "" {
		return nil, gateerr.AuthorizerUnavailable().WithCause(ErrPermissionRequired)
	}
	payload, err := d.c.Allowed(ctx, h.Get(bearer.AuthorizationHeader), perm.Resource, perm.Action)
	if err != nil {
		return nil, gateerr.As(err)
	}
	return Principal(payload), nil
}

func (d *Delegated) Strategy() string { return StrategyDelegated }

var _ Authorizer = (*Delegated)(nil)
