package models

import "time"

// Identity provider tags.
const (
	ProviderLocal     = "local"
	ProviderDirectory = "ldap"
	ProviderBot       = "bot"
)

// User represents an identity: a registered, directory-provisioned, or responder account.
type User struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Username string `gorm:"type:text;not null;uniqueIndex"` // Unique, case-sensitive handle.
	Salt     string `gorm:"type:text"`                      // Per-identity salt; empty for directory identities.
	Password string `gorm:"type:text"`                      // Salted hash; empty for directory identities.
	Provider string `gorm:"type:text;not null;default:'local'"`
	Avatar   string `gorm:"type:text"` // Avatar reference.

	IsAdmin bool `gorm:"not null;default:false"` // Administrator role flag.
	Sealed  bool `gorm:"not null;default:false"` // Permanently suppressed identity.

	LastLoginAt *time.Time // Last successful login.
	LastLoginIP string     `gorm:"type:text"` // Origin address of the last login.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
