package models

import (
	"time"

	"gorm.io/datatypes"
)

// BotConfig is the completion configuration of a responder.
type BotConfig struct {
	Endpoint     string  `json:"endpoint"`
	APIKey       string  `json:"api_key"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
	MaxPairs     int     `json:"max_pairs"`
}

// Bot is a named responder. UserID is the identity its messages are attributed to.
type Bot struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name    string `gorm:"type:text;not null;uniqueIndex"` // Unique responder name.
	UserID  uint64 `gorm:"not null;uniqueIndex"`           // Backing identity.
	Avatar  string `gorm:"type:text"`
	Enabled bool   `gorm:"not null;default:true"`

	Config  datatypes.JSONType[BotConfig] `gorm:"type:text"` // Completion settings.
	OwnerID *uint64                       `gorm:"index"`     // Owning administrator.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
