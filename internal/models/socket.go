package models

import "time"

// Socket is the denormalized record of a live connection, kept for presence queries.
type Socket struct {
	ID string `gorm:"type:text;primaryKey"` // Transport connection id.

	UserID      *uint64 `gorm:"index"` // Bound identity once authenticated.
	IP          string  `gorm:"type:text"`
	OS          string  `gorm:"type:text"`
	Browser     string  `gorm:"type:text"`
	Environment string  `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Notification is a push subscription registered by an identity.
type Notification struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"`
	Token  string `gorm:"type:text;not null;uniqueIndex"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
