// Package memory is an in-process storage.Storage backed by a bounded LRU.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-rest-gateway/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Storage implements storage.Storage with github.com/hashicorp/golang-lru/v2.
// When the LRU is full the least recently used item is evicted. Expired items
// are removed when read; nothing sweeps in the background.
type Storage struct {
	mu     sync.RWMutex
	cache  *lru.Cache[string, *storage.Item]
	now    func() time.Time
	closed bool
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock replaces time.Now as the source of the current time. A nil clock
// is ignored.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Storage holding at most maxItems items.
func New(maxItems int, opts ...Option) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache: cache,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Get returns the live item stored under key.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	o := storage.Apply(opts...)
	k := storage.Key(o.Namespace, key)

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, storage.ErrClosed
	}
	item, ok := s.cache.Get(k)
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if item.ExpiredAt(s.now()) {
		s.mu.Lock()
		s.cache.Remove(k)
		s.mu.Unlock()
		return nil, nil
	}
	return item, nil
}

// Set stores a copy of data under key.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	now := s.now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if o.TTL != nil {
		expiresAt := now.Add(*o.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.cache.Add(storage.Key(o.Namespace, key), item)
	return nil
}

// Delete removes one key, or every key of the namespace.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	if o.Key != nil {
		s.cache.Remove(storage.Key(o.Namespace, *o.Key))
		return nil
	}
	prefix := storage.Key(o.Namespace, "")
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

// Len returns the number of items held, including expired ones not yet
// removed.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache.Len()
}

// Close purges the cache.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Purge()
	return nil
}

var _ storage.Storage = (*Storage)(nil)
