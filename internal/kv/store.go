// Package kv is the expiring key-value boundary used for soft checks: rate-limit
// counters, new-identity flags, suppression flags, and the registration override.
package kv

import (
	"context"
	"time"
)

// Store is a flat, expiring key namespace. A ttl <= 0 means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Incr increments key and applies ttl only when the increment created it.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
