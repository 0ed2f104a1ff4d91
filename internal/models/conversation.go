package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one role-tagged entry of a conversation.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Turns stores an ordered turn sequence as JSON.
type Turns []Turn

// Value implements driver.Valuer for database serialization.
func (t Turns) Value() (driver.Value, error) {
	if t == nil {
		t = Turns{}
	}
	data, errMarshal := json.Marshal([]Turn(t))
	if errMarshal != nil {
		return nil, fmt.Errorf("turns marshal: %w", errMarshal)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for database deserialization.
func (t *Turns) Scan(value any) error {
	if t == nil {
		return fmt.Errorf("turns scan: nil receiver")
	}
	var data []byte
	switch typed := value.(type) {
	case nil:
		*t = Turns{}
		return nil
	case []byte:
		data = typed
	case string:
		data = []byte(typed)
	default:
		return fmt.Errorf("turns scan: unsupported type %T", value)
	}
	if len(data) == 0 {
		*t = Turns{}
		return nil
	}
	var list []Turn
	if errUnmarshal := json.Unmarshal(data, &list); errUnmarshal != nil {
		return fmt.Errorf("turns scan: %w", errUnmarshal)
	}
	*t = list
	return nil
}

// Conversation is the turn history of one (user, responder, group) triple.
// GroupID 0 marks a private conversation.
type Conversation struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID      uint64 `gorm:"not null;uniqueIndex:ux_conversation_triple,priority:1"`
	ResponderID uint64 `gorm:"not null;uniqueIndex:ux_conversation_triple,priority:2"`
	GroupID     uint64 `gorm:"not null;default:0;uniqueIndex:ux_conversation_triple,priority:3"`

	Turns Turns `gorm:"type:text;not null;default:'[]'"` // Ordered turns, oldest first.

	LastActiveAt time.Time `gorm:"not null"`                 // Last append or clear.
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
