// Package storage defines the cache tier that holds fetched key set documents
// so that gate replicas do not hit the trust domain's JWKS endpoint on every
// request.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a small key/value store with per-entry expiry.
type Storage interface {
	// Get returns the item stored under key, or nil if it does not exist or
	// has expired. An error is returned only for backend failures.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data under key, replacing any previous item.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes the item stored under key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Item is a stored document with its metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = no expiration
}

// IsExpired reports whether the item has expired relative to now.
func (i *Item) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// Age is the time elapsed between CreatedAt and now.
func (i *Item) Age(now time.Time) time.Duration {
	return now.Sub(i.CreatedAt)
}

// Option configures a Set call.
type Option func(*Options)

// Options collects Set configuration. Backends call Apply.
type Options struct {
	TTL       *time.Duration
	CreatedAt *time.Time
}

// Apply folds opts into an Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithTTL bounds how long the backend retains the item.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// WithCreatedAt records when the stored document was obtained. Backends
// default to their own clock.
func WithCreatedAt(t time.Time) Option {
	return func(o *Options) { o.CreatedAt = &t }
}

var (
	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("storage: invalid key")
)
