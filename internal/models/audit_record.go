package models

import "time"

// Audit actions.
const (
	AuditCreate  = "CREATE"
	AuditUpdate  = "UPDATE"
	AuditDelete  = "DELETE"
	AuditAPICall = "API_CALL"
)

// AuditRecord is a write-once entry describing an entity mutation or an
// outbound API call. Changes and Metadata are JSON with PII already masked;
// no unmasked copy ever reaches storage.
type AuditRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Action     string `gorm:"size:16;not null;index"`
	EntityType string `gorm:"size:32;not null;index"`
	EntityID   string `gorm:"size:64;index"`
	Actor      string `gorm:"size:64"`
	Changes    string `gorm:"type:json"`
	Metadata   string `gorm:"type:json"`
	CreatedAt  time.Time
}
