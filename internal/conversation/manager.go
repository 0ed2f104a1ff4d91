// Package conversation owns the per-(user, responder, group) turn history used as
// completion context.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/store"
)

const defaultMaxPairs = 10

// Key identifies a conversation. GroupID 0 is a private conversation.
type Key struct {
	UserID      uint64
	ResponderID uint64
	GroupID     uint64
}

// Manager serializes mutation per Key; unrelated keys never wait on each other.
type Manager struct {
	store *store.Identity
	locks *keyedMutex
	nowFn func() time.Time
}

// NewManager constructs a Manager. nowFn defaults to time.Now.
func NewManager(identity *store.Identity, nowFn func() time.Time) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{store: identity, locks: newKeyedMutex(), nowFn: nowFn}
}

// AppendAndBuildContext appends a user turn and returns the completion context:
// the system prompt, the last 2*maxPairs prior turns, and the new user turn.
// The user turn is persisted before returning; trimming waits for AppendAssistant.
func (m *Manager) AppendAndBuildContext(ctx context.Context, key Key, systemPrompt string, maxPairs int, text string) ([]models.Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperror.New(apperror.CodeValidation, "message is empty")
	}
	if key.UserID == 0 || key.ResponderID == 0 {
		return nil, apperror.New(apperror.CodeValidation, "conversation key is incomplete")
	}
	unlock := m.locks.Lock(key)
	defer unlock()

	now := m.nowFn().UTC()
	conv, errConv := m.store.FindOrCreateConversation(ctx, key.UserID, key.ResponderID, key.GroupID, now)
	if errConv != nil {
		return nil, errConv
	}
	prior := tail(conv.Turns, 2*normalizePairs(maxPairs))
	turn := models.Turn{Role: models.RoleUser, Text: text, At: now}

	turns := append(append(models.Turns{}, conv.Turns...), turn)
	if errSave := m.store.SaveTurns(ctx, conv.ID, turns, now); errSave != nil {
		return nil, errSave
	}

	out := make([]models.Turn, 0, len(prior)+2)
	if prompt := strings.TrimSpace(systemPrompt); prompt != "" {
		out = append(out, models.Turn{Role: models.RoleSystem, Text: prompt, At: now})
	}
	out = append(out, prior...)
	out = append(out, turn)
	return out, nil
}

// AppendAssistant appends the final answer and trims to 2*maxPairs turns, oldest first.
func (m *Manager) AppendAssistant(ctx context.Context, key Key, text string, maxPairs int) error {
	unlock := m.locks.Lock(key)
	defer unlock()

	now := m.nowFn().UTC()
	conv, errConv := m.store.FindOrCreateConversation(ctx, key.UserID, key.ResponderID, key.GroupID, now)
	if errConv != nil {
		return errConv
	}
	turns := append(append(models.Turns{}, conv.Turns...), models.Turn{Role: models.RoleAssistant, Text: text, At: now})
	turns = tail(turns, 2*normalizePairs(maxPairs))
	return m.store.SaveTurns(ctx, conv.ID, turns, now)
}

// Clear empties the turn history of key. A missing conversation is a no-op.
func (m *Manager) Clear(ctx context.Context, key Key) error {
	unlock := m.locks.Lock(key)
	defer unlock()

	conv, errFind := m.store.FindConversation(ctx, key.UserID, key.ResponderID, key.GroupID)
	if errFind != nil {
		if errors.Is(errFind, apperror.ErrNotFound) {
			return nil
		}
		return errFind
	}
	return m.store.SaveTurns(ctx, conv.ID, models.Turns{}, m.nowFn().UTC())
}

// Load returns the conversation of key.
func (m *Manager) Load(ctx context.Context, key Key) (*models.Conversation, error) {
	return m.store.FindConversation(ctx, key.UserID, key.ResponderID, key.GroupID)
}

func normalizePairs(maxPairs int) int {
	if maxPairs <= 0 {
		return defaultMaxPairs
	}
	return maxPairs
}

func tail(turns models.Turns, n int) models.Turns {
	if len(turns) <= n {
		return append(models.Turns{}, turns...)
	}
	return append(models.Turns{}, turns[len(turns)-n:]...)
}
