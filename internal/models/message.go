package models

import "time"

// Message roles within a conversation.
const (
	RoleLead     = "lead"
	RoleAgent    = "agent"
	RoleOperator = "operator"
)

// Message is one entry in a conversation's append-only history. Sequence is
// assigned by the in-process store and is the only valid ordering; rows are
// insert-only and never updated.
type Message struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	PhoneKey  string `gorm:"size:32;not null;uniqueIndex:idx_messages_phone_seq,priority:1"`
	Sequence  int    `gorm:"not null;uniqueIndex:idx_messages_phone_seq,priority:2"`
	Role      string `gorm:"size:8;not null"`
	Content   string `gorm:"type:text"`
	SentAt    time.Time
	CreatedAt time.Time
}
