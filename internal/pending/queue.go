// Package pending is the durable at-least-once delivery queue for side
// effects that could not complete synchronously. It is the second line of
// defense: records are enqueued only after an inline retry budget has
// already been exhausted.
package pending

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/vtorres/leadline/internal/audit"
	"github.com/vtorres/leadline/internal/models"
	"gorm.io/gorm"
)

// Queue inserts and inspects pending operations. Status transitions after
// creation belong to the Reconciler alone.
type Queue struct {
	db                *gorm.DB
	trail             *audit.Trail
	defaultMaxRetries int
}

// QueueOpts holds parameters for creating a Queue.
type QueueOpts struct {
	DB                *gorm.DB
	Trail             *audit.Trail // optional; mutations are audited when set
	DefaultMaxRetries int          // defaults to 3
}

// NewQueue creates a Queue.
func NewQueue(opts QueueOpts) (*Queue, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("pending: queue: db is required")
	}
	maxRetries := opts.DefaultMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{db: opts.DB, trail: opts.Trail, defaultMaxRetries: maxRetries}, nil
}

// Enqueue inserts a pending record for later reconciliation. payload is
// marshaled to JSON. maxRetries <= 0 uses the queue default.
func (q *Queue) Enqueue(opType, entityType, entityID string, payload interface{}, maxRetries int) (uint, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("pending: marshal payload: %w", err)
	}
	if maxRetries <= 0 {
		maxRetries = q.defaultMaxRetries
	}

	op := models.PendingOperation{
		OperationType: opType,
		EntityType:    entityType,
		EntityID:      entityID,
		Payload:       string(data),
		Status:        models.OpPending,
		MaxRetries:    maxRetries,
	}
	if err := q.db.Create(&op).Error; err != nil {
		return 0, fmt.Errorf("pending: enqueue %s for %s/%s: %w", opType, entityType, entityID, err)
	}

	log.Printf("pending: enqueued op %d (%s %s/%s, max_retries=%d)", op.ID, opType, entityType, entityID, maxRetries)
	q.auditEnqueue(&op)
	return op.ID, nil
}

// ForceRetry re-queues a failed operation as a fresh record with a reset
// retry count. The original record stays terminal. Returns the new ID.
func (q *Queue) ForceRetry(id uint) (uint, error) {
	var op models.PendingOperation
	if err := q.db.First(&op, id).Error; err != nil {
		return 0, fmt.Errorf("pending: force retry: load op %d: %w", id, err)
	}
	if op.Status != models.OpFailed {
		return 0, fmt.Errorf("pending: force retry: op %d is %s, only failed operations can be retried", id, op.Status)
	}

	fresh := models.PendingOperation{
		OperationType: op.OperationType,
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		Payload:       op.Payload,
		Status:        models.OpPending,
		MaxRetries:    op.MaxRetries,
	}
	if err := q.db.Create(&fresh).Error; err != nil {
		return 0, fmt.Errorf("pending: force retry: enqueue: %w", err)
	}

	log.Printf("pending: force retry of op %d as op %d", id, fresh.ID)
	q.auditEnqueue(&fresh)
	return fresh.ID, nil
}

// Failed returns failed operations, newest first.
func (q *Queue) Failed(limit int) ([]models.PendingOperation, error) {
	return q.byStatus(models.OpFailed, limit)
}

// Pending returns operations awaiting reconciliation, oldest first.
func (q *Queue) Pending(limit int) ([]models.PendingOperation, error) {
	var ops []models.PendingOperation
	tx := q.db.Where("status = ?", models.OpPending).Order("created_at")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("pending: list pending: %w", err)
	}
	return ops, nil
}

// Get loads a single operation by ID.
func (q *Queue) Get(id uint) (*models.PendingOperation, error) {
	var op models.PendingOperation
	if err := q.db.First(&op, id).Error; err != nil {
		return nil, fmt.Errorf("pending: get op %d: %w", id, err)
	}
	return &op, nil
}

func (q *Queue) byStatus(status string, limit int) ([]models.PendingOperation, error) {
	var ops []models.PendingOperation
	tx := q.db.Where("status = ?", status).Order("created_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("pending: list %s: %w", status, err)
	}
	return ops, nil
}

// auditEnqueue records the creation; audit failure never blocks the enqueue.
func (q *Queue) auditEnqueue(op *models.PendingOperation) {
	if q.trail == nil {
		return
	}
	after := map[string]string{
		"operation_type": op.OperationType,
		"entity_type":    op.EntityType,
		"entity_id":      op.EntityID,
		"status":         op.Status,
	}
	if err := q.trail.Record(models.AuditCreate, "pending_operation", fmt.Sprintf("%d", op.ID), "system", nil, after, nil); err != nil {
		log.Printf("pending: audit enqueue op %d: %v", op.ID, err)
	}
}
