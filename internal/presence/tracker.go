// Package presence answers online/offline questions from the connection registry,
// caching answers for a short TTL.
package presence

import (
	"strconv"
	"sync"
	"time"

	"github.com/router-for-me/ChatRelay/internal/registry"
	"github.com/router-for-me/ChatRelay/internal/settings"
	"golang.org/x/sync/singleflight"
)

// Source is the live view presence is derived from.
type Source interface {
	IsOnline(userID uint64) bool
	GroupMembers(groupID uint64) []registry.Member
}

type onlineEntry struct {
	online    bool
	expiresAt time.Time
}

type groupEntry struct {
	members   []registry.Member
	expiresAt time.Time
}

// Tracker caches presence lookups. Entries may be stale for up to ttl unless
// invalidated explicitly.
type Tracker struct {
	src   Source
	ttl   time.Duration
	nowFn func() time.Time

	mu     sync.Mutex
	users  map[uint64]onlineEntry
	groups map[uint64]groupEntry
	// Bumped on invalidation; a fill that started under an older generation is not cached.
	userGen  map[uint64]uint64
	groupGen map[uint64]uint64

	flight singleflight.Group
}

// NewTracker constructs a Tracker with the default TTL. nowFn defaults to time.Now.
func NewTracker(src Source, nowFn func() time.Time) *Tracker {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Tracker{
		src:    src,
		ttl:    settings.PresenceTTL,
		nowFn:  nowFn,
		users:    make(map[uint64]onlineEntry),
		groups:   make(map[uint64]groupEntry),
		userGen:  make(map[uint64]uint64),
		groupGen: make(map[uint64]uint64),
	}
}

// IsOnline reports whether userID has a live connection.
func (t *Tracker) IsOnline(userID uint64) bool {
	now := t.nowFn()
	t.mu.Lock()
	if entry, ok := t.users[userID]; ok && now.Before(entry.expiresAt) {
		t.mu.Unlock()
		return entry.online
	}
	gen := t.userGen[userID]
	t.mu.Unlock()

	online := t.src.IsOnline(userID)
	t.mu.Lock()
	if t.userGen[userID] == gen {
		t.users[userID] = onlineEntry{online: online, expiresAt: now.Add(t.ttl)}
	}
	t.mu.Unlock()
	return online
}

// GroupOnlineMembers lists the live connections joined to groupID.
func (t *Tracker) GroupOnlineMembers(groupID uint64) []registry.Member {
	now := t.nowFn()
	t.mu.Lock()
	if entry, ok := t.groups[groupID]; ok && now.Before(entry.expiresAt) {
		t.mu.Unlock()
		return cloneMembers(entry.members)
	}
	t.mu.Unlock()

	result, _, _ := t.flight.Do(groupKey(groupID), func() (any, error) {
		t.mu.Lock()
		gen := t.groupGen[groupID]
		t.mu.Unlock()

		members := t.src.GroupMembers(groupID)
		t.mu.Lock()
		if t.groupGen[groupID] == gen {
			t.groups[groupID] = groupEntry{members: members, expiresAt: t.nowFn().Add(t.ttl)}
		}
		t.mu.Unlock()
		return members, nil
	})
	members, _ := result.([]registry.Member)
	return cloneMembers(members)
}

// Invalidate drops the cached state of userID.
func (t *Tracker) Invalidate(userID uint64) {
	t.mu.Lock()
	delete(t.users, userID)
	t.userGen[userID]++
	t.mu.Unlock()
}

// InvalidateGroup drops the cached member list of each groupID.
func (t *Tracker) InvalidateGroup(groupIDs ...uint64) {
	t.mu.Lock()
	for _, groupID := range groupIDs {
		delete(t.groups, groupID)
		t.groupGen[groupID]++
	}
	t.mu.Unlock()
	for _, groupID := range groupIDs {
		t.flight.Forget(groupKey(groupID))
	}
}

func groupKey(groupID uint64) string {
	return strconv.FormatUint(groupID, 10)
}

func cloneMembers(in []registry.Member) []registry.Member {
	out := make([]registry.Member, len(in))
	copy(out, in)
	return out
}
