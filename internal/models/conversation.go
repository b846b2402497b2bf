package models

import "time"

// Handoff states for a conversation.
const (
	HandoffActive = "active"
	HandoffPaused = "paused"
)

// Conversation is the durable per-lead conversation row, keyed by the
// normalized phone number (digits only, country code included).
type Conversation struct {
	PhoneKey       string `gorm:"primaryKey;size:32"`
	HandoffState   string `gorm:"size:8;default:active"`
	PausedAt       *time.Time
	QuestionStreak int `gorm:"default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeadAttribute is one collected lead field. Rows are upserted per field so
// concurrent replicas get field-level last-write-wins; an absent row means
// "not yet known", never "empty".
type LeadAttribute struct {
	PhoneKey  string `gorm:"primaryKey;size:32"`
	Name      string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}
