// Package storage is the narrow key-value contract behind the gateway's
// shared caches. Backends live in the memory and redis subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is a namespaced byte store with optional per-item expiry.
type Storage interface {
	// Get returns the item stored under key, or nil when the key does not
	// exist or has expired. An error means the backend itself failed.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data under key, replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes the key selected with WithKey, or the whole namespace
	// when no key is given.
	Delete(ctx context.Context, opts ...Option) error

	// Close releases the backend.
	Close() error
}

// Item is a stored value with its bookkeeping.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// ExpiredAt reports whether the item is expired at now.
func (it *Item) ExpiredAt(now time.Time) bool {
	return it.ExpiresAt != nil && !now.Before(*it.ExpiresAt)
}

// Option configures a single storage operation.
type Option func(*Options)

// Options is the resolved form of a set of Option values.
type Options struct {
	Namespace string
	Key       *string
	TTL       *time.Duration
}

// Apply resolves opts.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithNamespace scopes the operation to namespace. The empty namespace is the
// global one.
func WithNamespace(namespace string) Option {
	return func(o *Options) {
		o.Namespace = namespace
	}
}

// WithKey selects the key a Delete removes.
func WithKey(key string) Option {
	return func(o *Options) {
		o.Key = &key
	}
}

// WithTTL expires the stored item after ttl. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		if ttl > 0 {
			o.TTL = &ttl
		}
	}
}

// Key joins a namespace and key into the flat form used by the backends.
func Key(namespace, key string) string {
	if namespace == "" {
		namespace = "global"
	}
	return namespace + ":" + key
}

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("storage: closed")
