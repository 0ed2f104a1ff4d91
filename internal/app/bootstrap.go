package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/config"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/security"
	"github.com/router-for-me/ChatRelay/internal/session"
	"github.com/router-for-me/ChatRelay/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const minAdminPasswordLength = 6

// HasAdminInitialized reports whether the system has at least one administrator identity.
func HasAdminInitialized(conn *gorm.DB) (bool, error) {
	if conn == nil {
		return false, fmt.Errorf("nil db")
	}
	if !conn.Migrator().HasTable(&models.User{}) {
		return false, nil
	}
	var count int64
	if errCount := conn.Model(&models.User{}).Where("is_admin = ?", true).Count(&count).Error; errCount != nil {
		return false, errCount
	}
	return count > 0, nil
}

// EnsureAdmin seeds the configured administrator when none exists yet. An existing
// local identity with the configured handle is promoted instead of recreated.
// It reports whether an administrator was created or promoted.
func EnsureAdmin(ctx context.Context, conn *gorm.DB, identity *store.Identity, cfg config.AdminConfig) (bool, error) {
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		return false, nil
	}
	initialized, errInit := HasAdminInitialized(conn)
	if errInit != nil {
		return false, fmt.Errorf("check admin status: %w", errInit)
	}
	if initialized {
		return false, nil
	}
	if !session.IsHandle(username) {
		return false, fmt.Errorf("admin username %q is not a valid handle", username)
	}

	existing, errFind := identity.UserByName(ctx, username)
	switch {
	case errFind == nil:
		if existing.Provider == models.ProviderBot {
			return false, fmt.Errorf("admin username %q belongs to a responder", username)
		}
		if errPromote := identity.SetAdmin(ctx, existing.ID, true); errPromote != nil {
			return false, fmt.Errorf("promote admin: %w", errPromote)
		}
		log.WithField("user_id", existing.ID).Info("app: promoted configured administrator")
		return true, nil
	case !errors.Is(errFind, apperror.ErrNotFound):
		return false, errFind
	}

	if len(cfg.Password) < minAdminPasswordLength {
		return false, fmt.Errorf("admin password must be at least %d characters", minAdminPasswordLength)
	}
	salt, errSalt := security.NewSalt()
	if errSalt != nil {
		return false, errSalt
	}
	hash, errHash := security.HashPassword(salt, cfg.Password)
	if errHash != nil {
		return false, errHash
	}
	admin := &models.User{
		Username: username,
		Salt:     salt,
		Password: hash,
		Provider: models.ProviderLocal,
		IsAdmin:  true,
	}
	if _, errCreate := identity.CreateUserInDefaultGroup(ctx, admin); errCreate != nil {
		return false, fmt.Errorf("create admin: %w", errCreate)
	}
	log.WithField("user_id", admin.ID).Info("app: created configured administrator")
	return true, nil
}
