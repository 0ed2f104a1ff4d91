package store

import (
	"context"
	"strings"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/db"
	"github.com/router-for-me/ChatRelay/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultGroup returns the single default group.
func (s *Identity) DefaultGroup(ctx context.Context) (*models.Group, error) {
	var group models.Group
	errFind := s.conn(ctx).Where("is_default = ?", true).Order("id ASC").Take(&group).Error
	if errFind != nil {
		return nil, notFoundOr("load default group", "default group not found", errFind)
	}
	return &group, nil
}

// GroupByID loads a group by id.
func (s *Identity) GroupByID(ctx context.Context, id uint64) (*models.Group, error) {
	var group models.Group
	if errFind := s.conn(ctx).Where("id = ?", id).Take(&group).Error; errFind != nil {
		return nil, notFoundOr("load group", "group not found", errFind)
	}
	return &group, nil
}

// GroupsOf lists the groups whose member set contains userID.
func (s *Identity) GroupsOf(ctx context.Context, userID uint64) ([]models.Group, error) {
	var groups []models.Group
	conn := s.conn(ctx)
	if errFind := conn.Scopes(db.WhereMember(conn, userID)).Order("id ASC").Find(&groups).Error; errFind != nil {
		return nil, apperror.Storage("list groups", errFind)
	}
	return groups, nil
}

// CreateGroup creates a group owned by creatorID with the creator as first member.
func (s *Identity) CreateGroup(ctx context.Context, name string, creatorID uint64) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperror.New(apperror.CodeValidation, "group name is required")
	}
	creator := creatorID
	group := models.Group{
		Name:        name,
		DisplayName: name,
		CreatorID:   &creator,
		Members:     models.MemberIDs{creatorID},
	}
	if errCreate := s.conn(ctx).Create(&group).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return nil, apperror.New(apperror.CodeValidation, "group name already exists")
		}
		return nil, apperror.Storage("create group", errCreate)
	}
	return &group, nil
}

// AddMember appends userID to the member set of groupID if absent.
func (s *Identity) AddMember(ctx context.Context, groupID, userID uint64) (*models.Group, error) {
	var out *models.Group
	errTx := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		group, errAdd := addMember(tx, tx.Where("id = ?", groupID), userID)
		out = group
		return errAdd
	})
	if errTx != nil {
		return nil, classify("add member", errTx)
	}
	return out, nil
}

// CreateUserInDefaultGroup inserts user and joins it to the default group in one
// transaction, so a failed join leaves no identity behind.
func (s *Identity) CreateUserInDefaultGroup(ctx context.Context, user *models.User) (*models.Group, error) {
	if user == nil || strings.TrimSpace(user.Username) == "" {
		return nil, apperror.New(apperror.CodeValidation, "username is required")
	}
	var out *models.Group
	errTx := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(user).Error; errCreate != nil {
			if db.IsUniqueViolation(errCreate) {
				return apperror.New(apperror.CodeValidation, "username already exists")
			}
			return apperror.Storage("create user", errCreate)
		}
		group, errAdd := addMember(tx, tx.Where("is_default = ?", true).Order("id ASC"), user.ID)
		out = group
		return errAdd
	})
	if errTx != nil {
		user.ID = 0
		return nil, classify("create user", errTx)
	}
	return out, nil
}

// addMember locks the group selected by query and appends userID when absent.
func addMember(tx *gorm.DB, query *gorm.DB, userID uint64) (*models.Group, error) {
	var group models.Group
	if errFind := query.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&group).Error; errFind != nil {
		return nil, notFoundOr("load group", "group not found", errFind)
	}
	if !group.Members.Contains(userID) {
		group.Members = append(group.Members, userID)
		if errSave := tx.Model(&group).Update("members", group.Members).Error; errSave != nil {
			return nil, apperror.Storage("add member", errSave)
		}
	}
	return &group, nil
}

// RemoveMemberEverywhere drops userID from every group member set.
func (s *Identity) RemoveMemberEverywhere(ctx context.Context, userID uint64) (int, error) {
	changed := 0
	errTx := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var groups []models.Group
		if errFind := tx.Scopes(db.WhereMember(tx, userID)).Find(&groups).Error; errFind != nil {
			return errFind
		}
		for i := range groups {
			members := groups[i].Members.Without(userID)
			if errSave := tx.Model(&groups[i]).Update("members", members).Error; errSave != nil {
				return errSave
			}
			changed++
		}
		return nil
	})
	if errTx != nil {
		return 0, apperror.Storage("remove member", errTx)
	}
	return changed, nil
}

// ClearCreator unsets the creator reference of every group created by userID.
func (s *Identity) ClearCreator(ctx context.Context, userID uint64) error {
	errUpdate := s.conn(ctx).Model(&models.Group{}).Where("creator_id = ?", userID).
		Update("creator_id", nil).Error
	if errUpdate != nil {
		return apperror.Storage("clear group creator", errUpdate)
	}
	return nil
}

// classify passes through apperror values and wraps anything else as a storage fault.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperror.CodeOf(err) != apperror.CodeInternal {
		return err
	}
	return apperror.Storage(op, err)
}
