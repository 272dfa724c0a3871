// Package gateerr defines the closed set of failures the authorization gate
// reports to callers and the single function that renders them on the wire.
//
// Every rejected request is answered by Write. Protected handlers never see a
// request that failed authorization, and no other code path produces an error
// body for one.
package gateerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a wire-stable error code. Clients may branch on it.
type Code string

const (
	CodeAuthorizationHeaderMissing Code = "authorization_header_missing"
	CodeInvalidHeader              Code = "invalid_header"
	CodeTokenExpired               Code = "token_expired"
	CodeInvalidClaims              Code = "invalid_claims"
	CodeNotAllowed                 Code = "not_allowed"
	CodeKeyDiscoveryFailed         Code = "key_discovery_failed"
	CodeAuthorizerUnavailable      Code = "authorizer_unavailable"
)

// Descriptions used by the constructors below.
const (
	DescHeaderMissing     = "Authorization header is expected."
	DescBearerFormat      = "Authorization header must be of the form 'Bearer <token>'."
	DescRS256Required     = "Invalid header. Use an RS256 signed JWT Access Token."
	DescKeyNotFound       = "Unable to find appropriate key."
	DescUnparseable       = "Unable to parse authentication token."
	DescTokenExpired      = "Token is expired."
	DescInvalidClaims     = "Incorrect claims, please check the audience and issuer."
	DescNotAllowed        = "This JWT Access Token is not authorized."
	DescKeyDiscovery      = "Unable to retrieve signing keys."
	DescAuthorizerFailure = "Unable to reach the authorization service."
)

// Error is the only value ever serialized back to a caller on failure.
//
// Passthrough errors carry the remote authorization service's body verbatim
// in Raw; Write then emits Raw instead of the {code, description} object.
type Error struct {
	Code        Code
	Description string
	Status      int

	Raw         []byte
	ContentType string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%d): %s: %v", e.Code, e.Status, e.Description, e.cause)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Description)
}

// Unwrap exposes the internal cause for logging. It is never serialized.
func (e *Error) Unwrap() error { return e.cause }

// IsPassthrough reports whether the error carries a remote body verbatim.
func (e *Error) IsPassthrough() bool { return e.Raw != nil }

// WithCause returns a copy of e that records err as its internal cause.
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.cause = err
	return &cp
}

func newError(code Code, status int, desc string) *Error {
	return &Error{Code: code, Description: desc, Status: status}
}

func HeaderMissing() *Error {
	return newError(CodeAuthorizationHeaderMissing, http.StatusUnauthorized, DescHeaderMissing)
}

func InvalidBearerFormat() *Error {
	return newError(CodeInvalidHeader, http.StatusUnauthorized, DescBearerFormat)
}

func AlgorithmNotAllowed() *Error {
	return newError(CodeInvalidHeader, http.StatusUnauthorized, DescRS256Required)
}

// KeyNotFound is deliberately 400, unlike the other header failures.
func KeyNotFound() *Error {
	return newError(CodeInvalidHeader, http.StatusBadRequest, DescKeyNotFound)
}

func Unparseable() *Error {
	return newError(CodeInvalidHeader, http.StatusBadRequest, DescUnparseable)
}

func TokenExpired() *Error {
	return newError(CodeTokenExpired, http.StatusUnauthorized, DescTokenExpired)
}

func InvalidClaims() *Error {
	return newError(CodeInvalidClaims, http.StatusUnauthorized, DescInvalidClaims)
}

func NotAllowed() *Error {
	return newError(CodeNotAllowed, http.StatusForbidden, DescNotAllowed)
}

func KeyDiscoveryFailed() *Error {
	return newError(CodeKeyDiscoveryFailed, http.StatusBadGateway, DescKeyDiscovery)
}

func AuthorizerUnavailable() *Error {
	return newError(CodeAuthorizerUnavailable, http.StatusBadGateway, DescAuthorizerFailure)
}

// Passthrough wraps a remote authorization service's failure response. Status
// and body are relayed unchanged.
func Passthrough(status int, contentType string, body []byte) *Error {
	if body == nil {
		body = []byte{}
	}
	return &Error{
		Code:        Code(fmt.Sprintf("remote_%d", status)),
		Description: http.StatusText(status),
		Status:      status,
		Raw:         body,
		ContentType: contentType,
	}
}

// As extracts a *Error from err. Errors that are not gate errors are treated
// as an unavailable authorizer so the gate always fails closed.
func As(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return AuthorizerUnavailable().WithCause(err)
}
