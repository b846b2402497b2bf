package crm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vtorres/leadline/internal/models"
	"github.com/vtorres/leadline/internal/pending"
	"github.com/vtorres/leadline/internal/retry"
)

// UpsertPayload is the pending-queue payload for a deferred CRM upsert.
// CreateOrUpdate keys on the natural key, so replaying it after a later
// successful upsert updates rather than duplicates.
type UpsertPayload struct {
	EntityType string            `json:"entity_type"`
	Fields     map[string]string `json:"fields"`
}

// ReplayHandler returns a pending-operation handler that replays CRM
// upserts through w.
func ReplayHandler(w Writer) pending.Handler {
	return func(ctx context.Context, op models.PendingOperation) error {
		var payload UpsertPayload
		if err := json.Unmarshal([]byte(op.Payload), &payload); err != nil {
			return retry.Permanent(fmt.Errorf("crm: decode upsert payload: %w", err))
		}
		_, err := w.CreateOrUpdate(ctx, payload.EntityType, payload.Fields)
		return err
	}
}
