// Package counter provides expiring atomic counters shared by the rate
// limiter. Counters live either in Redis (multi-instance deployments) or
// in process memory (single instance, tests).
package counter

import (
	"context"
	"time"
)

// Store is an atomic counter keyed by string, where each key expires a
// fixed interval after its first increment.
type Store interface {
	// Get returns the current count and absolute expiry for key.
	// A missing or expired key returns (0, zero time, nil).
	Get(ctx context.Context, key string) (int64, time.Time, error)

	// Incr atomically increments key and returns the new count. The TTL
	// is applied only when the increment creates the key, so the window
	// is anchored at the first request.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
