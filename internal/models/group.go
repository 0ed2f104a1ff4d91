package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MemberIDs stores ordered, unique identity ids as a JSON array.
type MemberIDs []uint64

// Value implements driver.Valuer for database serialization.
func (ids MemberIDs) Value() (driver.Value, error) {
	cleaned := ids.Clean()
	data, errMarshal := json.Marshal([]uint64(cleaned))
	if errMarshal != nil {
		return nil, fmt.Errorf("member ids marshal: %w", errMarshal)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for database deserialization.
func (ids *MemberIDs) Scan(value any) error {
	if ids == nil {
		return fmt.Errorf("member ids scan: nil receiver")
	}
	var data []byte
	switch typed := value.(type) {
	case nil:
		*ids = MemberIDs{}
		return nil
	case []byte:
		data = typed
	case string:
		data = []byte(typed)
	default:
		return fmt.Errorf("member ids scan: unsupported type %T", value)
	}
	if len(data) == 0 {
		*ids = MemberIDs{}
		return nil
	}
	var list []uint64
	if errUnmarshal := json.Unmarshal(data, &list); errUnmarshal != nil {
		return fmt.Errorf("member ids scan: invalid json")
	}
	*ids = MemberIDs(list).Clean()
	return nil
}

// Clean removes zero values and duplicates while keeping order.
func (ids MemberIDs) Clean() MemberIDs {
	if len(ids) == 0 {
		return MemberIDs{}
	}
	seen := make(map[uint64]struct{}, len(ids))
	cleaned := make(MemberIDs, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		cleaned = append(cleaned, id)
	}
	return cleaned
}

// Contains reports whether id is a member.
func (ids MemberIDs) Contains(id uint64) bool {
	for _, member := range ids {
		if member == id {
			return true
		}
	}
	return false
}

// Without returns a copy with id removed.
func (ids MemberIDs) Without(id uint64) MemberIDs {
	out := make(MemberIDs, 0, len(ids))
	for _, member := range ids {
		if member != id {
			out = append(out, member)
		}
	}
	return out
}

// Group is a chat room with an ordered member set.
type Group struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name        string `gorm:"type:text;not null;uniqueIndex"` // Unique handle.
	DisplayName string `gorm:"type:text"`                      // Display name.
	Avatar      string `gorm:"type:text"`                      // Avatar reference.

	CreatorID *uint64   `gorm:"index"`                            // Creator identity; cleared when the creator is deleted.
	Members   MemberIDs `gorm:"type:jsonb;not null;default:'[]'"` // Ordered member identity ids.

	IsDefault bool `gorm:"not null;default:false"` // Marks the default group.
	Mute      bool `gorm:"not null;default:false"` // Blocks non-admin messages.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
