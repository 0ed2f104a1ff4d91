package models

import "time"

// Friend is a directed friendship edge.
type Friend struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	FromID uint64 `gorm:"not null;uniqueIndex:ux_friend_pair,priority:1"` // Edge source.
	ToID   uint64 `gorm:"not null;uniqueIndex:ux_friend_pair,priority:2;index"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
