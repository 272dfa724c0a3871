// Package bearer extracts RFC 6750 bearer tokens from the Authorization header.
package bearer

import (
	"net/http"
	"regexp"

	"github.com/ggoodman/bearer-gate/gateerr"
)

const AuthorizationHeader = "Authorization"

// Scheme is case-insensitive, the separator is exactly one space and the
// token segment is one or more non-whitespace characters.
var headerPattern = regexp.MustCompile(`^(?i:bearer) (\S+)$`)

// FromHeader returns the bearer token carried by h. A missing header and a
// malformed one are distinct failures.
func FromHeader(h http.Header) (string, *gateerr.Error) {
	vals := h.Values(AuthorizationHeader)
	if len(vals) == 0 {
		return "", gateerr.HeaderMissing()
	}
	return Parse(vals[0])
}

// Parse extracts the token from a present Authorization header value.
func Parse(value string) (string, *gateerr.Error) {
	m := headerPattern.FindStringSubmatch(value)
	if m == nil {
		return "", gateerr.InvalidBearerFormat()
	}
	return m[1], nil
}
