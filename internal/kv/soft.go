package kv

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const breakerDuration = 30 * time.Second

var errBreakerOpen = errors.New("kv: backend skipped after recent failure")

// Soft exposes a Store through degrade-open reads and writes. None of its methods
// can fail: an unreachable backend yields known=false (or ok=false for writes) and
// the caller proceeds. After a failure the backend is skipped for breakerDuration.
type Soft struct {
	store Store
	nowFn func() time.Time

	mu           sync.Mutex
	breakerUntil time.Time
}

// NewSoft wraps store. nowFn defaults to time.Now.
func NewSoft(store Store, nowFn func() time.Time) *Soft {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Soft{store: store, nowFn: nowFn}
}

// Flag reports whether key is set. known is false when the backend could not answer.
func (s *Soft) Flag(ctx context.Context, key string) (set bool, known bool) {
	var result bool
	errRun := s.run(ctx, "exists", key, func(ctx context.Context) error {
		exists, errExists := s.store.Exists(ctx, key)
		result = exists
		return errExists
	})
	if errRun != nil {
		return false, false
	}
	return result, true
}

// Value returns the string under key. known is false when the backend could not answer.
func (s *Soft) Value(ctx context.Context, key string) (value string, found bool, known bool) {
	errRun := s.run(ctx, "get", key, func(ctx context.Context) error {
		v, ok, errGet := s.store.Get(ctx, key)
		value, found = v, ok
		return errGet
	})
	if errRun != nil {
		return "", false, false
	}
	return value, found, true
}

// Incr increments a counter, starting ttl on creation. ok is false on backend failure.
func (s *Soft) Incr(ctx context.Context, key string, ttl time.Duration) (count int64, ok bool) {
	errRun := s.run(ctx, "incr", key, func(ctx context.Context) error {
		n, errIncr := s.store.Incr(ctx, key, ttl)
		count = n
		return errIncr
	})
	return count, errRun == nil
}

// Mark sets key to "1" with ttl. ok is false on backend failure.
func (s *Soft) Mark(ctx context.Context, key string, ttl time.Duration) bool {
	return s.Put(ctx, key, "1", ttl)
}

// Put stores value under key with ttl. ok is false on backend failure.
func (s *Soft) Put(ctx context.Context, key, value string, ttl time.Duration) bool {
	errRun := s.run(ctx, "set", key, func(ctx context.Context) error {
		return s.store.Set(ctx, key, value, ttl)
	})
	return errRun == nil
}

// Clear deletes keys. ok is false on backend failure.
func (s *Soft) Clear(ctx context.Context, keys ...string) bool {
	if len(keys) == 0 {
		return true
	}
	errRun := s.run(ctx, "delete", keys[0], func(ctx context.Context) error {
		return s.store.Delete(ctx, keys...)
	})
	return errRun == nil
}

func (s *Soft) run(ctx context.Context, op, key string, fn func(context.Context) error) error {
	if s == nil || s.store == nil {
		return errBreakerOpen
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.nowFn()
	if s.isBreakerActive(now) {
		return errBreakerOpen
	}
	if errRun := fn(ctx); errRun != nil {
		s.tripBreaker(errRun, op, key, now)
		return errRun
	}
	return nil
}

func (s *Soft) isBreakerActive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.breakerUntil.IsZero() {
		return false
	}
	if now.Before(s.breakerUntil) {
		return true
	}
	s.breakerUntil = time.Time{}
	return false
}

func (s *Soft) tripBreaker(err error, op, key string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.breakerUntil.IsZero() && now.Before(s.breakerUntil) {
		return
	}
	s.breakerUntil = now.Add(breakerDuration)
	log.WithError(err).WithFields(log.Fields{"op": op, "key": key}).
		Warn("kv: backend unavailable, soft checks degrade open")
}
