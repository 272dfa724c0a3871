// Package keyset resolves JWT key identifiers to RSA verification keys.
//
// A Source owns its key set; callers only ever receive individual
// SigningKey values. Two Source implementations live in sub-packages:
// remote (fetched from the trust domain's published JWKS document, cached)
// and pinned (a JWKS file on disk).
package keyset

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MicahParks/jwkset"
)

var (
	// ErrKeyNotFound is returned when no key in the set carries the requested kid.
	ErrKeyNotFound = errors.New("keyset: key not found")

	// ErrDiscovery is returned when the key set could not be obtained or
	// decoded: network failure, timeout, non-200 status or invalid JSON. It is
	// never confused with ErrKeyNotFound.
	ErrDiscovery = errors.New("keyset: discovery failed")
)

// Source resolves a key identifier to a verification key.
type Source interface {
	Key(ctx context.Context, kid string) (SigningKey, error)
}

// SigningKey is one RSA public key record from a published key set.
type SigningKey struct {
	KeyID     string
	KeyType   string
	Use       string
	Algorithm string
	Modulus   string // base64url "n"
	Exponent  string // base64url "e"

	Public *rsa.PublicKey
}

// document mirrors the JWKS wire shape. Keys is a pointer so a document
// without a "keys" member can be told apart from an empty set.
type document struct {
	Keys *[]jwkset.JWKMarshal `json:"keys"`
}

// Parse decodes a JWKS document. Key order is preserved. Entries that are not
// usable RSA public keys are dropped: they could never verify an RS256
// signature, so they behave exactly like absent keys.
func Parse(raw []byte) ([]SigningKey, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode key set: %v", ErrDiscovery, err)
	}
	if doc.Keys == nil {
		return nil, fmt.Errorf("%w: key set has no \"keys\" member", ErrDiscovery)
	}

	keys := make([]SigningKey, 0, len(*doc.Keys))
	for _, m := range *doc.Keys {
		if m.KTY != jwkset.KtyRSA {
			continue
		}
		jwk, err := jwkset.NewJWKFromMarshal(m, jwkset.JWKMarshalOptions{}, jwkset.JWKValidateOptions{})
		if err != nil {
			continue
		}
		pub, ok := jwk.Key().(*rsa.PublicKey)
		if !ok {
			continue
		}
		keys = append(keys, SigningKey{
			KeyID:     m.KID,
			KeyType:   m.KTY.String(),
			Use:       m.USE.String(),
			Algorithm: m.ALG.String(),
			Modulus:   m.N,
			Exponent:  m.E,
			Public:    pub,
		})
	}
	return keys, nil
}

// Lookup returns the first key in fetch order whose KeyID equals kid. Later
// duplicates are ignored. An empty kid never matches.
func Lookup(keys []SigningKey, kid string) (SigningKey, error) {
	if kid == "" {
		return SigningKey{}, fmt.Errorf("%w: token declares no kid", ErrKeyNotFound)
	}
	for _, k := range keys {
		if k.KeyID == kid {
			return k, nil
		}
	}
	return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}
