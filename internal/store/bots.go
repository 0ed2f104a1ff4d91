package store

import (
	"context"
	"errors"
	"strings"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BotByName loads the responder registered under name.
func (s *Identity) BotByName(ctx context.Context, name string) (*models.Bot, error) {
	var bot models.Bot
	if errFind := s.conn(ctx).Where("name = ?", name).Take(&bot).Error; errFind != nil {
		return nil, notFoundOr("load responder", "responder not found", errFind)
	}
	return &bot, nil
}

// EnsureResponder creates or refreshes the named responder and its backing identity.
func (s *Identity) EnsureResponder(ctx context.Context, name, avatar string, enabled bool, cfg models.BotConfig) (*models.Bot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperror.New(apperror.CodeValidation, "responder name is required")
	}
	var out models.Bot
	errTx := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		errUser := tx.Where("username = ?", name).Take(&user).Error
		switch {
		case errors.Is(errUser, gorm.ErrRecordNotFound):
			user = models.User{Username: name, Provider: models.ProviderBot, Avatar: avatar}
			if errCreate := tx.Create(&user).Error; errCreate != nil {
				return errCreate
			}
		case errUser != nil:
			return errUser
		case user.Provider != models.ProviderBot:
			return apperror.Newf(apperror.CodeValidation, "responder name %q is taken by a user", name)
		}

		var bot models.Bot
		errBot := tx.Where("name = ?", name).Take(&bot).Error
		switch {
		case errors.Is(errBot, gorm.ErrRecordNotFound):
			bot = models.Bot{
				Name:    name,
				UserID:  user.ID,
				Avatar:  avatar,
				Enabled: enabled,
				Config:  datatypes.NewJSONType(cfg),
			}
			if errCreate := tx.Create(&bot).Error; errCreate != nil {
				return errCreate
			}
			// gorm skips zero values that carry a column default on insert.
			if !enabled {
				if errUpdate := tx.Model(&bot).Update("enabled", false).Error; errUpdate != nil {
					return errUpdate
				}
			}
		case errBot != nil:
			return errBot
		default:
			bot.UserID = user.ID
			bot.Avatar = avatar
			bot.Enabled = enabled
			bot.Config = datatypes.NewJSONType(cfg)
			errUpdate := tx.Model(&models.Bot{}).Where("id = ?", bot.ID).Updates(map[string]any{
				"user_id": bot.UserID,
				"avatar":  bot.Avatar,
				"enabled": bot.Enabled,
				"config":  bot.Config,
			}).Error
			if errUpdate != nil {
				return errUpdate
			}
		}
		out = bot
		return nil
	})
	if errTx != nil {
		return nil, classify("ensure responder", errTx)
	}
	return &out, nil
}

// ClearBotOwner unsets the owner reference of every responder owned by userID.
func (s *Identity) ClearBotOwner(ctx context.Context, userID uint64) error {
	errUpdate := s.conn(ctx).Model(&models.Bot{}).Where("owner_id = ?", userID).Update("owner_id", nil).Error
	if errUpdate != nil {
		return apperror.Storage("clear responder owner", errUpdate)
	}
	return nil
}
