package store

import (
	"context"
	"errors"
	"time"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/db"
	"github.com/router-for-me/ChatRelay/internal/models"
	"gorm.io/gorm"
)

// FindConversation loads the conversation of a (user, responder, group) triple.
func (s *Identity) FindConversation(ctx context.Context, userID, responderID, groupID uint64) (*models.Conversation, error) {
	var conv models.Conversation
	errFind := s.conn(ctx).
		Where("user_id = ? AND responder_id = ? AND group_id = ?", userID, responderID, groupID).
		Take(&conv).Error
	if errFind != nil {
		return nil, notFoundOr("load conversation", "conversation not found", errFind)
	}
	return &conv, nil
}

// FindOrCreateConversation returns the conversation of the triple, creating it when
// absent. A concurrent insert that wins the unique index is re-read.
func (s *Identity) FindOrCreateConversation(ctx context.Context, userID, responderID, groupID uint64, now time.Time) (*models.Conversation, error) {
	conv, errFind := s.FindConversation(ctx, userID, responderID, groupID)
	if errFind == nil {
		return conv, nil
	}
	if !errors.Is(errFind, apperror.ErrNotFound) {
		return nil, errFind
	}

	created := models.Conversation{
		UserID:       userID,
		ResponderID:  responderID,
		GroupID:      groupID,
		Turns:        models.Turns{},
		LastActiveAt: now,
	}
	if errCreate := s.conn(ctx).Create(&created).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return s.FindConversation(ctx, userID, responderID, groupID)
		}
		return nil, apperror.Storage("create conversation", errCreate)
	}
	return &created, nil
}

// SaveTurns replaces the turn sequence of a conversation in one update.
func (s *Identity) SaveTurns(ctx context.Context, conversationID uint64, turns models.Turns, at time.Time) error {
	if turns == nil {
		turns = models.Turns{}
	}
	errUpdate := s.conn(ctx).Model(&models.Conversation{}).Where("id = ?", conversationID).
		Updates(map[string]any{"turns": turns, "last_active_at": at}).Error
	if errUpdate != nil {
		return apperror.Storage("save conversation", errUpdate)
	}
	return nil
}

// DeleteConversationsOf removes every conversation held by userID.
func (s *Identity) DeleteConversationsOf(ctx context.Context, userID uint64) error {
	errDelete := s.conn(ctx).Where("user_id = ?", userID).Delete(&models.Conversation{}).Error
	if errDelete != nil && !errors.Is(errDelete, gorm.ErrRecordNotFound) {
		return apperror.Storage("delete conversations", errDelete)
	}
	return nil
}
