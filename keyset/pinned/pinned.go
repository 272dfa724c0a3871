// Package pinned serves verification keys from a JWKS document on disk.
//
// It is meant for air-gapped deployments and tests where the trust domain's
// key set is distributed out of band. The file is watched and reloaded when
// it changes; a reload that fails to parse keeps the previous keys.
package pinned

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/bearer-gate/keyset"
)

// Source is a keyset.Source backed by a local JWKS file.
type Source struct {
	path  string
	log   *slog.Logger
	watch bool

	mu sync.RWMutex
	kf keyfunc.Keyfunc

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// WithoutWatch disables reloading on file changes.
func WithoutWatch() Option {
	return func(s *Source) { s.watch = false }
}

// Open loads the JWKS file at path. Unlike the remote source, an unreadable
// or invalid file is a startup error.
func Open(ctx context.Context, path string, opts ...Option) (*Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("pinned: resolve path: %w", err)
	}
	s := &Source{path: abs, log: slog.Default(), watch: true}
	for _, opt := range opts {
		opt(s)
	}

	kf, err := load(abs)
	if err != nil {
		return nil, err
	}
	s.kf = kf

	if !s.watch {
		return s, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pinned: create watcher: %w", err)
	}
	// Watch the directory so atomic replace-by-rename is observed.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("pinned: watch %s: %w", filepath.Dir(abs), err)
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(wctx, w)
	return s, nil
}

// Key returns the first key in the file whose kid matches.
func (s *Source) Key(ctx context.Context, kid string) (keyset.SigningKey, error) {
	if kid == "" {
		return keyset.SigningKey{}, fmt.Errorf("%w: token declares no kid", keyset.ErrKeyNotFound)
	}

	s.mu.RLock()
	kf := s.kf
	s.mu.RUnlock()

	jwk, err := kf.Storage().KeyRead(ctx, kid)
	if err != nil {
		if errors.Is(err, jwkset.ErrKeyNotFound) {
			return keyset.SigningKey{}, fmt.Errorf("%w: kid %q", keyset.ErrKeyNotFound, kid)
		}
		return keyset.SigningKey{}, fmt.Errorf("%w: %v", keyset.ErrDiscovery, err)
	}
	pub, ok := jwk.Key().(*rsa.PublicKey)
	if !ok {
		return keyset.SigningKey{}, fmt.Errorf("%w: kid %q is not an RSA public key", keyset.ErrKeyNotFound, kid)
	}
	m := jwk.Marshal()
	return keyset.SigningKey{
		KeyID:     m.KID,
		KeyType:   m.KTY.String(),
		Use:       m.USE.String(),
		Algorithm: m.ALG.String(),
		Modulus:   m.N,
		Exponent:  m.E,
		Public:    pub,
	}, nil
}

// Reload rereads the file. On failure the current keys stay in place.
func (s *Source) Reload() error {
	kf, err := load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.kf = kf
	s.mu.Unlock()
	return nil
}

// Close stops watching the file.
func (s *Source) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	return nil
}

func (s *Source) run(ctx context.Context, w *fsnotify.Watcher) {
	defer close(s.done)
	defer func() { _ = w.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.WarnContext(ctx, "jwks.pinned.reload.fail", slog.String("path", s.path), slog.String("err", err.Error()))
				continue
			}
			s.log.InfoContext(ctx, "jwks.pinned.reload.ok", slog.String("path", s.path))
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.DebugContext(ctx, "jwks.pinned.watch.error", slog.String("err", err.Error()))
		}
	}
}

func load(path string) (keyfunc.Keyfunc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pinned: read %s: %w", path, err)
	}
	if _, err := keyset.Parse(raw); err != nil {
		return nil, fmt.Errorf("pinned: %s: %w", path, err)
	}
	kf, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("pinned: %s: %w", path, err)
	}
	return kf, nil
}

var _ keyset.Source = (*Source)(nil)
