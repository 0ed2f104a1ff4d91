package models

import (
	"fmt"
	"time"
)

// Message types.
const (
	MessageText     = "text"
	MessageImage    = "image"
	MessageFile     = "file"
	MessageCode     = "code"
	MessageSystem   = "system"
	MessageInviteV2 = "inviteV2"
)

// Message is a durable chat message addressed to a group or a private pair.
type Message struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	FromID  uint64 `gorm:"not null;index"`           // Author identity.
	Target  string `gorm:"type:text;not null;index"` // GroupTarget or PrivateTarget.
	Type    string `gorm:"type:text;not null;default:'text'"`
	Content string `gorm:"type:text;not null"`
	Deleted bool   `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;index"` // Creation timestamp.
}

// History records the last message a user has seen for a target.
type History struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID    uint64 `gorm:"not null;index"`
	Target    string `gorm:"type:text;not null"`
	MessageID uint64 `gorm:"not null;index"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// GroupTarget returns the message target for a group.
func GroupTarget(groupID uint64) string {
	return fmt.Sprintf("group:%d", groupID)
}

// PrivateTarget returns the message target for a pair of identities, independent of order.
func PrivateTarget(a, b uint64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("user:%d:%d", a, b)
}
