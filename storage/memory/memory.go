// Package memory provides an in-process implementation of storage.Storage
// backed by github.com/hashicorp/golang-lru/v2. It bounds the number of key
// sets held by one gate process.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/ggoodman/bearer-gate/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxItems is used when New is given a non-positive size.
const DefaultMaxItems = 64

// Storage implements storage.Storage in memory.
type Storage struct {
	cache *lru.Cache[string, *storage.Item]
	now   func() time.Time
}

// Option configures a memory Storage.
type Option func(*Storage)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// New creates a Storage holding at most maxItems entries.
func New(maxItems int, opts ...Option) (*Storage, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Storage{cache: cache, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns a copy of the stored item, or nil when absent or expired.
func (s *Storage) Get(ctx context.Context, key string) (*storage.Item, error) {
	if key == "" {
		return nil, storage.ErrInvalidKey
	}
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if item.IsExpired(s.now()) {
		s.cache.Remove(key)
		return nil, nil
	}
	cp := *item
	cp.Data = append([]byte(nil), item.Data...)
	return &cp, nil
}

// Set stores a copy of data under key.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if key == "" {
		return storage.ErrInvalidKey
	}
	o := storage.Apply(opts...)

	now := s.now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if o.CreatedAt != nil {
		item.CreatedAt = *o.CreatedAt
	}
	if o.TTL != nil {
		expiresAt := now.Add(*o.TTL)
		item.ExpiresAt = &expiresAt
	}
	s.cache.Add(key, item)
	return nil
}

// Delete removes key.
func (s *Storage) Delete(ctx context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

// Close purges all entries.
func (s *Storage) Close() error {
	s.cache.Purge()
	return nil
}

// Len reports the number of entries currently held, expired or not.
func (s *Storage) Len() int { return s.cache.Len() }

var _ storage.Storage = (*Storage)(nil)
