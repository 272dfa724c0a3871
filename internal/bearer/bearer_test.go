package bearer

import (
	"net/http"
	"testing"

	"github.com/ggoodman/bearer-gate/gateerr"
)

func TestFromHeader_Missing(t *testing.T) {
	_, err := FromHeader(http.Header{})
	if err == nil || err.Code != gateerr.CodeAuthorizationHeaderMissing || err.Status != http.StatusUnauthorized {
		t.Fatalf("want authorization_header_missing/401, got %v", err)
	}
}

func TestFromHeader_Malformed(t *testing.T) {
	bad := []string{
		"",
		"Bearer",
		"Bearer ",
		"Bearer  abc",
		"Bearer abc def",
		"Basic dXNlcjpwYXNz",
		"Token abc",
		" Bearer abc",
		"Bearer abc ",
		"Bearer\tabc",
		"Bearerabc",
	}
	for _, v := range bad {
		h := http.Header{}
		h.Set(AuthorizationHeader, v)
		_, err := FromHeader(h)
		if err == nil {
			t.Fatalf("%q: expected failure", v)
		}
		if err.Code != gateerr.CodeInvalidHeader || err.Status != http.StatusUnauthorized {
			t.Fatalf("%q: want invalid_header/401, got %s/%d", v, err.Code, err.Status)
		}
	}
}

func TestFromHeader_Valid(t *testing.T) {
	cases := map[string]string{
		"Bearer abc.def.ghi": "abc.def.ghi",
		"bearer abc":         "abc",
		"BEARER x":           "x",
		"BeArEr a-b_c~+/=":   "a-b_c~+/=",
	}
	for in, want := range cases {
		h := http.Header{}
		h.Set(AuthorizationHeader, in)
		got, err := FromHeader(h)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: want %q got %q", in, want, got)
		}
	}
}

func TestFromHeader_UsesFirstValue(t *testing.T) {
	h := http.Header{}
	h.Add(AuthorizationHeader, "Bearer first")
	h.Add(AuthorizationHeader, "Bearer second")
	got, err := FromHeader(h)
	if err != nil || got != "first" {
		t.Fatalf("want first, got %q (%v)", got, err)
	}
}
