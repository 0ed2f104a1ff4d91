package db

import (
	"errors"
	"fmt"

	"github.com/router-for-me/ChatRelay/internal/models"
	"gorm.io/gorm"
)

// DefaultGroupName is the handle of the seeded default group.
const DefaultGroupName = "default"

// Migrate runs database migrations and seeds the default group.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite, DialectPostgres, "":
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}

	if errAutoMigrate := conn.AutoMigrate(
		&models.User{},
		&models.Group{},
		&models.Friend{},
		&models.Message{},
		&models.History{},
		&models.Socket{},
		&models.Notification{},
		&models.Bot{},
		&models.Conversation{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	if errSeed := ensureDefaultGroup(conn); errSeed != nil {
		return errSeed
	}
	// Socket rows describe live connections of a previous process.
	if errClear := conn.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Socket{}).Error; errClear != nil {
		return fmt.Errorf("db: clear sockets: %w", errClear)
	}
	return nil
}

// ensureDefaultGroup makes sure exactly one default group exists.
func ensureDefaultGroup(conn *gorm.DB) error {
	var defaults []models.Group
	if errFind := conn.Where("is_default = ?", true).Order("id ASC").Find(&defaults).Error; errFind != nil {
		return fmt.Errorf("db: load default group: %w", errFind)
	}
	if len(defaults) == 1 {
		return nil
	}
	if len(defaults) > 1 {
		extra := make([]uint64, 0, len(defaults)-1)
		for _, group := range defaults[1:] {
			extra = append(extra, group.ID)
		}
		if errClear := conn.Model(&models.Group{}).Where("id IN ?", extra).
			Update("is_default", false).Error; errClear != nil {
			return fmt.Errorf("db: clear extra default groups: %w", errClear)
		}
		return nil
	}

	var existing models.Group
	errFind := conn.Where("name = ?", DefaultGroupName).Take(&existing).Error
	if errFind == nil {
		if errUpdate := conn.Model(&existing).Update("is_default", true).Error; errUpdate != nil {
			return fmt.Errorf("db: mark default group: %w", errUpdate)
		}
		return nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: find default group: %w", errFind)
	}
	group := models.Group{
		Name:        DefaultGroupName,
		DisplayName: "Default",
		Members:     models.MemberIDs{},
		IsDefault:   true,
	}
	if errCreate := conn.Create(&group).Error; errCreate != nil {
		return fmt.Errorf("db: seed default group: %w", errCreate)
	}
	return nil
}
