// Package cache provides the read-through memoization layer behind the
// metrics aggregator. It is internal and should not be imported by external
// projects.
//
// The contract is a pure get-or-compute: a hit returns the cached bytes, a
// miss runs the compute function and stores its result under the key for the
// given TTL. There is no invalidation on write; staleness up to the TTL is an
// accepted tradeoff. The cache is never a source of truth.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// ComputeFunc produces the value for a key on a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Cache is the get-or-compute memoization contract. Implementations must
// tolerate concurrent use.
type Cache interface {
	// GetOrCompute returns the cached bytes for key, computing and storing
	// them with the given TTL on a miss. Concurrent callers for the same
	// key share a single compute.
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error)
	// Get returns the cached bytes or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes keys. Used by tests and operational tooling only; the
	// read path never invalidates.
	Delete(ctx context.Context, keys ...string) error
	// Close releases backend resources.
	Close() error
}
