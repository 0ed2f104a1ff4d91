package store

import (
	"context"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/models"
	"gorm.io/gorm/clause"
)

// SaveSocket upserts the persisted record of a live connection.
func (s *Identity) SaveSocket(ctx context.Context, socket *models.Socket) error {
	errSave := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "ip", "os", "browser", "environment", "updated_at"}),
	}).Create(socket).Error
	if errSave != nil {
		return apperror.Storage("save socket", errSave)
	}
	return nil
}

// BindSocket records the identity a connection authenticated as.
func (s *Identity) BindSocket(ctx context.Context, socketID string, userID uint64) error {
	errUpdate := s.conn(ctx).Model(&models.Socket{}).Where("id = ?", socketID).Update("user_id", userID).Error
	if errUpdate != nil {
		return apperror.Storage("bind socket", errUpdate)
	}
	return nil
}

// DeleteSocket removes the persisted record of a closed connection.
func (s *Identity) DeleteSocket(ctx context.Context, socketID string) error {
	if errDelete := s.conn(ctx).Where("id = ?", socketID).Delete(&models.Socket{}).Error; errDelete != nil {
		return apperror.Storage("delete socket", errDelete)
	}
	return nil
}

// DeleteSocketsOf removes every persisted connection bound to userID.
func (s *Identity) DeleteSocketsOf(ctx context.Context, userID uint64) error {
	if errDelete := s.conn(ctx).Where("user_id = ?", userID).Delete(&models.Socket{}).Error; errDelete != nil {
		return apperror.Storage("delete sockets", errDelete)
	}
	return nil
}

// DeleteNotificationsOf removes every push subscription of userID.
func (s *Identity) DeleteNotificationsOf(ctx context.Context, userID uint64) error {
	if errDelete := s.conn(ctx).Where("user_id = ?", userID).Delete(&models.Notification{}).Error; errDelete != nil {
		return apperror.Storage("delete notifications", errDelete)
	}
	return nil
}
