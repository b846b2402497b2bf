// Package audit appends immutable records of entity mutations and outbound
// API calls, masking direct personal identifiers before anything reaches
// storage. Audit writes are observational: a failure here must never block
// the primary mutation it describes.
package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vtorres/leadline/internal/models"
	"gorm.io/gorm"
)

// Trail appends audit records to the durable store.
type Trail struct {
	db *gorm.DB
}

// NewTrail creates a Trail.
func NewTrail(db *gorm.DB) (*Trail, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: db is required")
	}
	return &Trail{db: db}, nil
}

// Record writes one audit entry. For updates the changes column holds a
// field-level diff of before/after; for creates only the after values, for
// deletes only the before values. All values pass through masking first.
func (t *Trail) Record(action, entityType, entityID, actor string, before, after, metadata map[string]string) error {
	changes, err := buildChanges(action, before, after)
	if err != nil {
		return fmt.Errorf("audit: build changes: %w", err)
	}
	meta, err := marshalMasked(metadata)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}

	rec := models.AuditRecord{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor,
		Changes:    changes,
		Metadata:   meta,
	}
	if err := t.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("audit: record %s %s/%s: %w", action, entityType, entityID, err)
	}
	return nil
}

// RecordAPICall writes an audit entry for an outbound API call. The request
// summary is masked like any other metadata.
func (t *Trail) RecordAPICall(service, endpoint string, status int, duration time.Duration, summary map[string]string) error {
	meta := map[string]string{
		"status":      fmt.Sprintf("%d", status),
		"duration_ms": fmt.Sprintf("%d", duration.Milliseconds()),
	}
	for k, v := range summary {
		meta[k] = v
	}
	masked, err := marshalMasked(meta)
	if err != nil {
		return fmt.Errorf("audit: marshal api summary: %w", err)
	}

	rec := models.AuditRecord{
		Action:     models.AuditAPICall,
		EntityType: service,
		EntityID:   endpoint,
		Actor:      "system",
		Metadata:   masked,
	}
	if err := t.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("audit: record api call %s %s: %w", service, endpoint, err)
	}
	return nil
}

// fieldChange is one entry in the changes diff.
type fieldChange struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// buildChanges computes the masked field-level diff for the changes column.
func buildChanges(action string, before, after map[string]string) (string, error) {
	diff := make(map[string]fieldChange)

	switch action {
	case models.AuditCreate:
		for k, v := range after {
			diff[k] = fieldChange{After: Mask(k, v)}
		}
	case models.AuditDelete:
		for k, v := range before {
			diff[k] = fieldChange{Before: Mask(k, v)}
		}
	default:
		for k, afterVal := range after {
			beforeVal, had := before[k]
			if had && beforeVal == afterVal {
				continue
			}
			diff[k] = fieldChange{Before: Mask(k, beforeVal), After: Mask(k, afterVal)}
		}
		for k, beforeVal := range before {
			if _, still := after[k]; !still {
				diff[k] = fieldChange{Before: Mask(k, beforeVal)}
			}
		}
	}

	if len(diff) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(diff)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// marshalMasked masks every value in m and marshals the result.
func marshalMasked(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	masked := make(map[string]string, len(m))
	for k, v := range m {
		masked[k] = Mask(k, v)
	}
	data, err := json.Marshal(masked)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Mask redacts a value when its field name classifies as a direct personal
// identifier: phone and tax-id keep the last 4 digits, email keeps the
// domain only. Everything else passes through unchanged.
func Mask(field, value string) string {
	if value == "" {
		return value
	}
	name := strings.ToLower(field)
	switch {
	case strings.Contains(name, "email"):
		return maskEmail(value)
	case strings.Contains(name, "phone"):
		return keepLast4(value)
	case strings.Contains(name, "tax_id"), strings.Contains(name, "cpf"), strings.Contains(name, "cnpj"):
		return keepLast4(value)
	}
	return value
}

// keepLast4 replaces all but the last 4 characters with asterisks.
func keepLast4(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}

// maskEmail keeps only the domain part of an email address.
func maskEmail(value string) string {
	at := strings.LastIndex(value, "@")
	if at < 0 {
		return strings.Repeat("*", len(value))
	}
	return "***" + value[at:]
}
