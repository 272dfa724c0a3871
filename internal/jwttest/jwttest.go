// Package jwttest provides RSA keys, JWKS documents and signed tokens for tests.
package jwttest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Key is an RSA key pair with the kid it is published under.
type Key struct {
	KID     string
	Private *rsa.PrivateKey
}

// NewKey generates a 2048-bit RSA key.
func NewKey(t testing.TB, kid string) *Key {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	return &Key{KID: kid, Private: pk}
}

// JWKS marshals the public halves of keys, in order, as a JWKS document.
func JWKS(t testing.TB, keys ...*Key) []byte {
	t.Helper()
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{}}
	for _, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &k.Private.PublicKey, KeyID: k.KID, Algorithm: "RS256", Use: "sig"})
	}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

// Sign produces an RS256 token whose header declares k.KID.
func (k *Key) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return SignAs(t, k.Private, k.KID, claims)
}

// SignAs signs claims with pk while declaring kid, which lets tests forge a
// header that points at a different key than the one used to sign.
func SignAs(t testing.TB, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// SignHS256 produces an HMAC token, which a gate pinned to RS256 must refuse.
func SignHS256(t testing.TB, secret []byte, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign hs256: %v", err)
	}
	return s
}

// JWKSServer serves a swappable JWKS document at /.well-known/jwks.json and
// counts fetches.
type JWKSServer struct {
	*httptest.Server

	mu     sync.Mutex
	doc    []byte
	status int
	hits   atomic.Int64
	gate   chan struct{}
}

// NewJWKSServer starts a server publishing doc.
func NewJWKSServer(t testing.TB, doc []byte) *JWKSServer {
	t.Helper()
	s := &JWKSServer{doc: doc, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		s.hits.Add(1)
		s.mu.Lock()
		doc, status, gate := s.doc, s.status, s.gate
		s.mu.Unlock()
		if gate != nil {
			<-gate
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(doc)
	}))
	t.Cleanup(s.Close)
	return s
}

// URL of the JWKS document.
func (s *JWKSServer) JWKSURL() string { return s.Server.URL + "/.well-known/jwks.json" }

// Set replaces the published document and status code.
func (s *JWKSServer) Set(doc []byte, status int) {
	s.mu.Lock()
	s.doc, s.status = doc, status
	s.mu.Unlock()
}

// Hold makes every subsequent request block until the returned func is called.
func (s *JWKSServer) Hold() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gate = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.gate = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Hits is the number of JWKS fetches served so far.
func (s *JWKSServer) Hits() int64 { return s.hits.Load() }
