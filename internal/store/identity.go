package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/db"
	"github.com/router-for-me/ChatRelay/internal/models"
	"gorm.io/gorm"
)

// Identity is the durable identity store. Every fault it returns is classified;
// storage faults carry apperror.CodeStorageUnavailable and are fatal to the caller.
type Identity struct {
	db *gorm.DB
}

// NewIdentity constructs an Identity store over conn.
func NewIdentity(conn *gorm.DB) *Identity {
	return &Identity{db: conn}
}

// Ping checks the underlying connection.
func (s *Identity) Ping(ctx context.Context) error {
	sqlDB, errDB := s.db.DB()
	if errDB != nil {
		return apperror.Storage("ping", errDB)
	}
	if errPing := sqlDB.PingContext(ctx); errPing != nil {
		return apperror.Storage("ping", errPing)
	}
	return nil
}

func (s *Identity) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// UserByID loads an identity by id.
func (s *Identity) UserByID(ctx context.Context, id uint64) (*models.User, error) {
	var user models.User
	if errFind := s.conn(ctx).Where("id = ?", id).Take(&user).Error; errFind != nil {
		return nil, notFoundOr("load user", "user not found", errFind)
	}
	return &user, nil
}

// UserByName loads an identity by its case-sensitive handle.
func (s *Identity) UserByName(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if errFind := s.conn(ctx).Where("username = ?", username).Take(&user).Error; errFind != nil {
		return nil, notFoundOr("load user", "user not found", errFind)
	}
	return &user, nil
}

// UsersByIDs loads identities in ascending id order. Missing ids are skipped.
func (s *Identity) UsersByIDs(ctx context.Context, ids []uint64) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []models.User
	if errFind := s.conn(ctx).Where("id IN ?", ids).Order("id ASC").Find(&users).Error; errFind != nil {
		return nil, apperror.Storage("load users", errFind)
	}
	return users, nil
}

// ListUsers returns identities whose handle contains search, newest first.
// An empty search lists everything up to limit.
func (s *Identity) ListUsers(ctx context.Context, search string, limit int) ([]models.User, error) {
	q := s.conn(ctx).Model(&models.User{})
	if search = strings.TrimSpace(search); search != "" {
		q = q.Where(db.CaseInsensitiveLikeExpr(s.db, "username"), db.NormalizeLikePattern(s.db, "%"+search+"%"))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var users []models.User
	if errFind := q.Order("id DESC").Find(&users).Error; errFind != nil {
		return nil, apperror.Storage("list users", errFind)
	}
	return users, nil
}

// CreateUser inserts user. A taken handle is a validation failure.
func (s *Identity) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil || strings.TrimSpace(user.Username) == "" {
		return apperror.New(apperror.CodeValidation, "username is required")
	}
	if errCreate := s.conn(ctx).Create(user).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return apperror.New(apperror.CodeValidation, "username already exists")
		}
		return apperror.Storage("create user", errCreate)
	}
	return nil
}

// TouchLogin records the time and origin address of a successful login.
func (s *Identity) TouchLogin(ctx context.Context, userID uint64, at time.Time, addr string) error {
	errUpdate := s.conn(ctx).Model(&models.User{}).Where("id = ?", userID).
		Updates(map[string]any{"last_login_at": at, "last_login_ip": addr}).Error
	if errUpdate != nil {
		return apperror.Storage("update last login", errUpdate)
	}
	return nil
}

// SetSealed sets the durable suppression flag of userID.
func (s *Identity) SetSealed(ctx context.Context, userID uint64, sealed bool) error {
	res := s.conn(ctx).Model(&models.User{}).Where("id = ?", userID).Update("sealed", sealed)
	if res.Error != nil {
		return apperror.Storage("seal user", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperror.New(apperror.CodeNotFound, "user not found")
	}
	return nil
}

// SetAdmin sets the administrator role flag of userID.
func (s *Identity) SetAdmin(ctx context.Context, userID uint64, admin bool) error {
	res := s.conn(ctx).Model(&models.User{}).Where("id = ?", userID).Update("is_admin", admin)
	if res.Error != nil {
		return apperror.Storage("set admin", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperror.New(apperror.CodeNotFound, "user not found")
	}
	return nil
}

// DeleteUser removes the identity record itself.
func (s *Identity) DeleteUser(ctx context.Context, userID uint64) error {
	if errDelete := s.conn(ctx).Where("id = ?", userID).Delete(&models.User{}).Error; errDelete != nil {
		return apperror.Storage("delete user", errDelete)
	}
	return nil
}

func notFoundOr(op, notFound string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperror.New(apperror.CodeNotFound, notFound)
	}
	return apperror.Storage(op, err)
}
