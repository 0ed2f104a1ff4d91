package ratelimit

import (
	"context"
	"time"
)

// Result describes the outcome of a registration check.
type Result struct {
	Allowed bool
	Count   int64 // Registrations recorded in the current window.
	Known   bool  // False when the counter store could not be read.
}

// Checker gates identity creation by originating address.
type Checker interface {
	Check(ctx context.Context, addr string) Result
	Record(ctx context.Context, addr string, userID uint64)
	IsNew(ctx context.Context, userID uint64) bool
	Forget(ctx context.Context, userID uint64)
}

// Window describes the fixed counting window.
type Window struct {
	Limit int64
	TTL   time.Duration
}
