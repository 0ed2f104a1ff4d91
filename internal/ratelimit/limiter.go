package ratelimit

import (
	"context"
	"strconv"
	"strings"

	"github.com/router-for-me/ChatRelay/internal/kv"
	"github.com/router-for-me/ChatRelay/internal/settings"
	log "github.com/sirupsen/logrus"
)

// RegistrationLimiter counts identities created per originating address.
//
// The counter is a fixed window, not a sliding one: its ttl starts on the first
// registration from an address and later registrations do not extend it. A burst
// straddling the window edge can therefore admit more than Limit identities within
// 24 wall-clock hours. This approximation is intentional.
type RegistrationLimiter struct {
	soft   *kv.Soft
	window Window
}

// NewRegistrationLimiter constructs a limiter with the default 3-per-24h window.
func NewRegistrationLimiter(soft *kv.Soft) *RegistrationLimiter {
	return &RegistrationLimiter{
		soft: soft,
		window: Window{
			Limit: settings.MaxRegistrationsPerWindow,
			TTL:   settings.RegisterWindow,
		},
	}
}

// WithWindow overrides the counting window.
func (l *RegistrationLimiter) WithWindow(window Window) *RegistrationLimiter {
	l.window = window
	return l
}

// Check reports whether addr may create another identity. An unreadable counter allows.
func (l *RegistrationLimiter) Check(ctx context.Context, addr string) Result {
	addr = strings.TrimSpace(addr)
	if l == nil || addr == "" || l.window.Limit <= 0 {
		return Result{Allowed: true}
	}
	raw, found, known := l.soft.Value(ctx, settings.RegisterIPKey(addr))
	if !known {
		log.WithField("addr", addr).Warn("rate limit: counter unreadable, allowing registration")
		return Result{Allowed: true}
	}
	if !found {
		return Result{Allowed: true, Known: true}
	}
	count, errParse := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if errParse != nil {
		return Result{Allowed: true, Known: true}
	}
	return Result{Allowed: count < l.window.Limit, Count: count, Known: true}
}

// Record counts a registration from addr and flags userID as new.
func (l *RegistrationLimiter) Record(ctx context.Context, addr string, userID uint64) {
	if l == nil {
		return
	}
	if addr = strings.TrimSpace(addr); addr != "" {
		if _, ok := l.soft.Incr(ctx, settings.RegisterIPKey(addr), l.window.TTL); !ok {
			log.WithField("addr", addr).Warn("rate limit: counter increment skipped")
		}
	}
	if userID != 0 {
		if !l.soft.Mark(ctx, settings.NewUserKey(userID), settings.NewUserTTL) {
			log.WithField("user_id", userID).Warn("rate limit: new-identity flag skipped")
		}
	}
}

// IsNew reports whether userID was created within the new-identity window.
func (l *RegistrationLimiter) IsNew(ctx context.Context, userID uint64) bool {
	if l == nil || userID == 0 {
		return false
	}
	set, _ := l.soft.Flag(ctx, settings.NewUserKey(userID))
	return set
}

// Forget drops the new-identity flag of userID.
func (l *RegistrationLimiter) Forget(ctx context.Context, userID uint64) {
	if l == nil || userID == 0 {
		return
	}
	l.soft.Clear(ctx, settings.NewUserKey(userID))
}
