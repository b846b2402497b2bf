package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vtorres/leadline/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Durable is the durable-store boundary behind the in-memory cache. It is
// the cross-replica source of truth: message appends are insert-only, and
// attribute merges are field-level last-write-wins.
type Durable interface {
	// LoadConversation returns the conversation row, or nil when this
	// phone has never been persisted.
	LoadConversation(ctx context.Context, phone string) (*models.Conversation, error)

	// UpsertConversation creates or updates the conversation row.
	UpsertConversation(ctx context.Context, conv *models.Conversation) error

	// LoadMessages returns the most recent limit messages in
	// chronological order.
	LoadMessages(ctx context.Context, phone string, limit int) ([]models.Message, error)

	// AppendMessage inserts one message. Replaying the same (phone,
	// sequence) pair is a no-op, so duplicate delivery is harmless.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// LoadAttributes returns all collected attributes for a phone.
	LoadAttributes(ctx context.Context, phone string) (map[string]string, error)

	// MergeAttributes upserts each field in partial. Absent fields are
	// untouched.
	MergeAttributes(ctx context.Context, phone string, partial map[string]string) error
}

// GormDurable implements Durable on a GORM connection.
type GormDurable struct {
	db *gorm.DB
}

// NewGormDurable creates a GormDurable.
func NewGormDurable(db *gorm.DB) (*GormDurable, error) {
	if db == nil {
		return nil, fmt.Errorf("store: durable: db is required")
	}
	return &GormDurable{db: db}, nil
}

// LoadConversation implements Durable.
func (g *GormDurable) LoadConversation(ctx context.Context, phone string) (*models.Conversation, error) {
	var conv models.Conversation
	err := g.db.WithContext(ctx).First(&conv, "phone_key = ?", phone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load conversation %s: %w", phone, err)
	}
	return &conv, nil
}

// UpsertConversation implements Durable.
func (g *GormDurable) UpsertConversation(ctx context.Context, conv *models.Conversation) error {
	result := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"handoff_state", "paused_at", "question_streak", "updated_at"}),
	}).Create(conv)
	if result.Error != nil {
		return fmt.Errorf("store: upsert conversation %s: %w", conv.PhoneKey, result.Error)
	}
	return nil
}

// LoadMessages implements Durable.
func (g *GormDurable) LoadMessages(ctx context.Context, phone string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	tx := g.db.WithContext(ctx).Where("phone_key = ?", phone).Order("sequence DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: load messages %s: %w", phone, err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AppendMessage implements Durable.
func (g *GormDurable) AppendMessage(ctx context.Context, msg *models.Message) error {
	result := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone_key"}, {Name: "sequence"}},
		DoNothing: true,
	}).Create(msg)
	if result.Error != nil {
		return fmt.Errorf("store: append message %s/%d: %w", msg.PhoneKey, msg.Sequence, result.Error)
	}
	return nil
}

// LoadAttributes implements Durable.
func (g *GormDurable) LoadAttributes(ctx context.Context, phone string) (map[string]string, error) {
	var rows []models.LeadAttribute
	if err := g.db.WithContext(ctx).Where("phone_key = ?", phone).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: load attributes %s: %w", phone, err)
	}
	attrs := make(map[string]string, len(rows))
	for _, row := range rows {
		attrs[row.Name] = row.Value
	}
	return attrs, nil
}

// MergeAttributes implements Durable.
func (g *GormDurable) MergeAttributes(ctx context.Context, phone string, partial map[string]string) error {
	if len(partial) == 0 {
		return nil
	}
	now := time.Now()
	for name, value := range partial {
		row := models.LeadAttribute{PhoneKey: phone, Name: name, Value: value, UpdatedAt: now}
		result := g.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "phone_key"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&row)
		if result.Error != nil {
			return fmt.Errorf("store: merge attribute %s.%s: %w", phone, name, result.Error)
		}
	}
	return nil
}
