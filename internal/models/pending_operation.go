package models

import "time"

// Pending operation statuses. Completed and failed are terminal.
const (
	OpPending    = "pending"
	OpProcessing = "processing"
	OpCompleted  = "completed"
	OpFailed     = "failed"
)

// Operation types replayed by the reconciler.
const (
	OpCRMUpsert      = "crm_upsert"
	OpMessageAppend  = "message_append"
	OpAttributeMerge = "attribute_merge"
)

// PendingOperation is a durably recorded external side effect awaiting
// delivery. Created only after an inline retry budget is exhausted; mutated
// only by the reconciler thereafter.
type PendingOperation struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	OperationType string `gorm:"size:32;not null;index"`
	EntityType    string `gorm:"size:32;not null"`
	EntityID      string `gorm:"size:64;index"`
	Payload       string `gorm:"type:json"`
	Status        string `gorm:"size:16;default:pending;index"`
	RetryCount    int    `gorm:"default:0"`
	MaxRetries    int    `gorm:"default:3"`
	LastError     string `gorm:"type:text"`
	LastAttemptAt *time.Time
	CreatedAt     time.Time
	CompletedAt   *time.Time
}
