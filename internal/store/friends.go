package store

import (
	"context"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/models"
	"gorm.io/gorm/clause"
)

// FriendsOf lists the identities userID has an outgoing edge to.
func (s *Identity) FriendsOf(ctx context.Context, userID uint64) ([]models.User, error) {
	var users []models.User
	errFind := s.conn(ctx).
		Joins("JOIN friends ON friends.to_id = users.id").
		Where("friends.from_id = ?", userID).
		Order("friends.id ASC").
		Find(&users).Error
	if errFind != nil {
		return nil, apperror.Storage("list friends", errFind)
	}
	return users, nil
}

// AddFriend creates the directed edge from -> to. An existing edge is left as is.
func (s *Identity) AddFriend(ctx context.Context, fromID, toID uint64) error {
	if fromID == toID {
		return apperror.New(apperror.CodeValidation, "cannot add yourself")
	}
	if _, errTarget := s.UserByID(ctx, toID); errTarget != nil {
		return errTarget
	}
	edge := models.Friend{FromID: fromID, ToID: toID}
	errCreate := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&edge).Error
	if errCreate != nil {
		return apperror.Storage("add friend", errCreate)
	}
	return nil
}

// DeleteFriend removes the directed edge from -> to.
func (s *Identity) DeleteFriend(ctx context.Context, fromID, toID uint64) error {
	errDelete := s.conn(ctx).Where("from_id = ? AND to_id = ?", fromID, toID).Delete(&models.Friend{}).Error
	if errDelete != nil {
		return apperror.Storage("delete friend", errDelete)
	}
	return nil
}

// DeleteFriendEdges removes every edge touching userID in either direction.
func (s *Identity) DeleteFriendEdges(ctx context.Context, userID uint64) (int64, error) {
	res := s.conn(ctx).Where("from_id = ? OR to_id = ?", userID, userID).Delete(&models.Friend{})
	if res.Error != nil {
		return 0, apperror.Storage("delete friend edges", res.Error)
	}
	return res.RowsAffected, nil
}
