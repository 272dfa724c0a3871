package pinned

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/bearer-gate/internal/jwttest"
	"github.com/ggoodman/bearer-gate/keyset"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
}

func TestOpen_Key(t *testing.T) {
	a := jwttest.NewKey(t, "a")
	path := filepath.Join(t.TempDir(), "jwks.json")
	writeFile(t, path, jwttest.JWKS(t, a))

	src, err := Open(context.Background(), path, WithoutWatch())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	k, err := src.Key(context.Background(), "a")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if k.KeyID != "a" || k.KeyType != "RSA" || k.Algorithm != "RS256" {
		t.Fatalf("unexpected key: %+v", k)
	}
	if k.Public.N.Cmp(a.Private.PublicKey.N) != 0 {
		t.Fatalf("public key mismatch")
	}
	if _, err := src.Key(context.Background(), "b"); !errors.Is(err, keyset.ErrKeyNotFound) {
		t.Fatalf("want ErrKeyNotFound, got %v", err)
	}
	if _, err := src.Key(context.Background(), ""); !errors.Is(err, keyset.ErrKeyNotFound) {
		t.Fatalf("empty kid: want ErrKeyNotFound, got %v", err)
	}
}

func TestOpen_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(context.Background(), filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, []byte(`{"not":"a key set"}`))
	if _, err := Open(context.Background(), bad); !errors.Is(err, keyset.ErrDiscovery) {
		t.Fatalf("want ErrDiscovery, got %v", err)
	}
}

func TestReload_FailureKeepsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwks.json")
	writeFile(t, path, jwttest.JWKS(t, jwttest.NewKey(t, "a")))
	src, err := Open(context.Background(), path, WithoutWatch())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	writeFile(t, path, []byte(`garbage`))
	if err := src.Reload(); err == nil {
		t.Fatalf("expected reload error")
	}
	if _, err := src.Key(context.Background(), "a"); err != nil {
		t.Fatalf("previous keys should survive a failed reload: %v", err)
	}
}

func TestWatch_PicksUpReplacement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwks.json")
	writeFile(t, path, jwttest.JWKS(t, jwttest.NewKey(t, "old")))
	src, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()

	writeFile(t, path, jwttest.JWKS(t, jwttest.NewKey(t, "new")))

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := src.Key(context.Background(), "new"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rotated key was not picked up")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := src.Key(context.Background(), "old"); !errors.Is(err, keyset.ErrKeyNotFound) {
		t.Fatalf("old key should be gone, got %v", err)
	}
}
