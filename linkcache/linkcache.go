// Package linkcache defines the shared store that bridges broker session
// identifiers to server-local session identifiers. It is the only state the
// two protocol roles share: written once per attach, read on every
// subsequent command.
package linkcache

import (
	"context"
	"time"
)

// Cache is the linking store contract. Implementations must provide atomic
// per-key get/set; the protocol never needs multi-key transactions.
//
// Entries are TTL-expiring leases rather than permanent mappings: a changed
// token or client address produces a new key, so stale entries age out
// instead of being invalidated in place. Choose a TTL consistent with the
// underlying session lifetime.
type Cache interface {
	// Get returns the local session id linked to the given broker session
	// identifier. ok is false when no live entry exists; err is reserved
	// for backend failures.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set links a broker session identifier to a local session id.
	Set(ctx context.Context, key, value string, opts ...Option) error

	// Close releases backend resources.
	Close() error
}

// Option configures a cache write.
type Option func(*Options)

// Options holds per-operation settings.
type Options struct {
	TTL *time.Duration
}

// WithTTL bounds the lifetime of the entry being written.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.TTL = &ttl
	}
}
