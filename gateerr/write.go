package gateerr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	wwwAuthenticateHeader = "WWW-Authenticate"
	contentTypeHeader     = "Content-Type"
	jsonContentType       = "application/json"
)

// body is the wire shape of a gate failure.
type body struct {
	Code        Code   `json:"code"`
	Description string `json:"description"`
}

// Render maps an Error to its HTTP status and response body. It is pure: the
// same Error always renders to the same bytes.
func Render(e *Error) (int, []byte) {
	if e.IsPassthrough() {
		return e.Status, e.Raw
	}
	b, err := json.Marshal(body{Code: e.Code, Description: e.Description})
	if err != nil {
		// Two strings cannot fail to marshal.
		panic(err)
	}
	return e.Status, b
}

// Write renders e onto w. A realm, when non-empty, adds an RFC 6750 Bearer
// challenge to 401 responses that the gate produced itself.
func Write(w http.ResponseWriter, e *Error, realm string) {
	status, b := Render(e)

	ct := jsonContentType
	if e.IsPassthrough() && e.ContentType != "" {
		ct = e.ContentType
	}
	w.Header().Set(contentTypeHeader, ct)

	if status == http.StatusUnauthorized && !e.IsPassthrough() {
		w.Header().Add(wwwAuthenticateHeader, challengeFor(e, realm))
	}
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func challengeFor(e *Error, realm string) string {
	switch e.Code {
	case CodeAuthorizationHeaderMissing:
		// RFC 6750 §3.1: no error code when no credentials were supplied.
		return buildBearerChallenge(realm, nil)
	case CodeInvalidHeader:
		return buildBearerChallenge(realm, map[string]string{"error": "invalid_request", "error_description": e.Description})
	default:
		return buildBearerChallenge(realm, map[string]string{"error": "invalid_token", "error_description": e.Description})
	}
}

func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
