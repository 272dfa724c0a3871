// Package authtest provides Authorizer doubles for handler tests.
package authtest

import (
	"context"
	"net/http"
	"sync"

	"github.com/ggoodman/bearer-gate/auth"
	"github.com/ggoodman/bearer-gate/gateerr"
)

// Call records one Authorize invocation.
type Call struct {
	Authorization string
	Permission    auth.Permission
}

// Fixed returns the same verdict for every request and records each call.
type Fixed struct {
	principal auth.Principal
	err       *gateerr.Error

	mu    sync.Mutex
	calls []Call
}

// Allow admits every request with principal. A nil principal becomes
// {"sub": "test-user"}.
func Allow(principal auth.Principal) *Fixed {
	if principal == nil {
		principal = auth.Principal{"sub": "test-user"}
	}
	return &Fixed{principal: principal}
}

// Deny rejects every request with err.
func Deny(err *gateerr.Error) *Fixed {
	return &Fixed{err: err}
}

func (f *Fixed) Authorize(_ context.Context, h http.Header, perm auth.Permission) (auth.Principal, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Authorization: h.Get("Authorization"), Permission: perm})
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.principal, nil
}

func (f *Fixed) Strategy() string { return "fixed" }

// Calls returns the recorded calls in order.
func (f *Fixed) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

var _ auth.Authorizer = (*Fixed)(nil)
