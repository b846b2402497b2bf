package pending

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vtorres/leadline/internal/audit"
	"github.com/vtorres/leadline/internal/models"
	"github.com/vtorres/leadline/internal/retry"
	"gorm.io/gorm"
)

func newTestTrail(t *testing.T, db *gorm.DB) *audit.Trail {
	t.Helper()
	trail, err := audit.NewTrail(db)
	if err != nil {
		t.Fatalf("NewTrail: %v", err)
	}
	return trail
}

// fastExecutor retries instantly so reconciler tests do not sleep.
func fastExecutor(maxAttempts int) *retry.Executor {
	return retry.New(retry.Policy{
		MaxAttempts: maxAttempts,
		BaseBackoff: time.Nanosecond,
		MaxBackoff:  time.Nanosecond,
	})
}

func newTestReconciler(t *testing.T, db *gorm.DB) *Reconciler {
	t.Helper()
	r, err := NewReconciler(ReconcilerOpts{
		DB:       db,
		Executor: fastExecutor(1),
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

func TestSweep_CompletesOperation(t *testing.T) {
	db := openQueueTestDB(t)
	q := newTestQueue(t, db)
	r := newTestReconciler(t, db)

	id, _ := q.Enqueue(models.OpCRMUpsert, "lead", "p1", map[string]string{"name": "Maria"}, 3)

	var gotPayload string
	r.Register(models.OpCRMUpsert, func(ctx context.Context, op models.PendingOperation) error {
		gotPayload = op.Payload
		return nil
	})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	op, _ := q.Get(id)
	if op.Status != models.OpCompleted {
		t.Errorf("Status = %q, want completed", op.Status)
	}
	if op.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if gotPayload != `{"name":"Maria"}` {
		t.Errorf("handler payload = %q", gotPayload)
	}
}

func TestSweep_FailureIncrementsAndEventuallyFails(t *testing.T) {
	db := openQueueTestDB(t)
	q := newTestQueue(t, db)
	r := newTestReconciler(t, db)

	id, _ := q.Enqueue(models.OpCRMUpsert, "lead", "p1", nil, 3)
	r.Register(models.OpCRMUpsert, func(ctx context.Context, op models.PendingOperation) error {
		return errors.New("503 service unavailable")
	})

	// Three reconciler attempts: pending -> pending -> pending -> failed.
	for i := 1; i <= 3; i++ {
		if err := r.Sweep(context.Background()); err != nil {
			t.Fatalf("Sweep %d: %v", i, err)
		}
		op, _ := q.Get(id)
		if op.RetryCount != i {
			t.Errorf("after sweep %d: RetryCount = %d, want %d", i, op.RetryCount, i)
		}
		wantStatus := models.OpPending
		if i == 3 {
			wantStatus = models.OpFailed
		}
		if op.Status != wantStatus {
			t.Errorf("after sweep %d: Status = %q, want %q", i, op.Status, wantStatus)
		}
		if op.LastError == "" {
			t.Errorf("after sweep %d: LastError not recorded", i)
		}
		if op.LastAttemptAt == nil {
			t.Errorf("after sweep %d: LastAttemptAt not recorded", i)
		}
	}

	// Terminal: further sweeps never touch it again.
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep after failure: %v", err)
	}
	op, _ := q.Get(id)
	if op.Status != models.OpFailed || op.RetryCount != 3 {
		t.Errorf("failed op changed state automatically: status=%q retry_count=%d", op.Status, op.RetryCount)
	}
}

func TestSweep_RecoversStuckProcessing(t *testing.T) {
	db := openQueueTestDB(t)
	q := newTestQueue(t, db)

	r, err := NewReconciler(ReconcilerOpts{
		DB:         db,
		Executor:   fastExecutor(1),
		StaleAfter: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	id, _ := q.Enqueue(models.OpMessageAppend, "conversation", "p1", nil, 3)
	longAgo := time.Now().Add(-time.Hour)
	db.Model(&models.PendingOperation{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.OpProcessing, "last_attempt_at": longAgo})

	r.Register(models.OpMessageAppend, func(ctx context.Context, op models.PendingOperation) error {
		return nil
	})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	op, _ := q.Get(id)
	if op.Status != models.OpCompleted {
		t.Errorf("Status = %q, want completed after crash recovery", op.Status)
	}
}

func TestSweep_FreshProcessingLeftAlone(t *testing.T) {
	db := openQueueTestDB(t)
	q := newTestQueue(t, db)

	r, err := NewReconciler(ReconcilerOpts{
		DB:         db,
		Executor:   fastExecutor(1),
		StaleAfter: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	id, _ := q.Enqueue(models.OpCRMUpsert, "lead", "p1", nil, 3)
	db.Model(&models.PendingOperation{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.OpProcessing, "last_attempt_at": time.Now()})

	called := false
	r.Register(models.OpCRMUpsert, func(ctx context.Context, op models.PendingOperation) error {
		called = true
		return nil
	})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if called {
		t.Error("handler called for a recently claimed operation")
	}
	op, _ := q.Get(id)
	if op.Status != models.OpProcessing {
		t.Errorf("Status = %q, want untouched processing", op.Status)
	}
}

func TestSweep_UnknownTypeLeftPending(t *testing.T) {
	db := openQueueTestDB(t)
	q := newTestQueue(t, db)
	r := newTestReconciler(t, db)

	id, _ := q.Enqueue("mystery_op", "lead", "p1", nil, 3)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	op, _ := q.Get(id)
	if op.Status != models.OpPending || op.RetryCount != 0 {
		t.Errorf("unknown op mutated: status=%q retry_count=%d", op.Status, op.RetryCount)
	}
}

func TestSweep_BatchLimit(t *testing.T) {
	db := openQueueTestDB(t)
	q := newTestQueue(t, db)

	r, err := NewReconciler(ReconcilerOpts{
		DB:         db,
		Executor:   fastExecutor(1),
		BatchLimit: 2,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	for i := 0; i < 5; i++ {
		q.Enqueue(models.OpCRMUpsert, "lead", fmt.Sprintf("p%d", i), nil, 3)
	}
	calls := 0
	r.Register(models.OpCRMUpsert, func(ctx context.Context, op models.PendingOperation) error {
		calls++
		return nil
	})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want batch limit 2", calls)
	}
}

func TestSweep_AuditsTerminalTransitions(t *testing.T) {
	db := openQueueTestDB(t)
	q := newTestQueue(t, db)
	trail := newTestTrail(t, db)

	r, err := NewReconciler(ReconcilerOpts{
		DB:       db,
		Executor: fastExecutor(1),
		Trail:    trail,
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}

	q.Enqueue(models.OpCRMUpsert, "lead", "p1", nil, 3)
	r.Register(models.OpCRMUpsert, func(ctx context.Context, op models.PendingOperation) error {
		return nil
	})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	var count int64
	db.Model(&models.AuditRecord{}).
		Where("entity_type = ? AND action = ?", "pending_operation", models.AuditUpdate).
		Count(&count)
	if count != 1 {
		t.Errorf("audit update records = %d, want 1", count)
	}
}
