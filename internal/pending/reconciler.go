package pending

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/vtorres/leadline/internal/audit"
	"github.com/vtorres/leadline/internal/models"
	"github.com/vtorres/leadline/internal/retry"
	"gorm.io/gorm"
)

// Handler replays one operation type. Handlers must tolerate duplicate
// execution: the original synchronous attempt's outcome on the remote
// system is unknown, so a replay can run against already-applied state.
type Handler func(ctx context.Context, op models.PendingOperation) error

// Reconciler sweeps pending operations and re-attempts them with a fresh
// retry budget per sweep.
type Reconciler struct {
	db         *gorm.DB
	exec       *retry.Executor
	trail      *audit.Trail
	handlers   map[string]Handler
	batchLimit int
	staleAfter time.Duration
	window     time.Duration
	out        io.Writer
}

// ReconcilerOpts holds parameters for creating a Reconciler.
type ReconcilerOpts struct {
	DB         *gorm.DB
	Executor   *retry.Executor
	Trail      *audit.Trail  // optional
	BatchLimit int           // max records per sweep, defaults to 50
	StaleAfter time.Duration // processing records older than this are crash-recovered
	Window     time.Duration // time bound per sweep, defaults to 2m
	Out        io.Writer     // defaults to io.Discard
}

// NewReconciler creates a Reconciler.
func NewReconciler(opts ReconcilerOpts) (*Reconciler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("pending: reconciler: db is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("pending: reconciler: executor is required")
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 50
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 2 * time.Minute
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	return &Reconciler{
		db:         opts.DB,
		exec:       opts.Executor,
		trail:      opts.Trail,
		handlers:   make(map[string]Handler),
		batchLimit: opts.BatchLimit,
		staleAfter: opts.StaleAfter,
		window:     opts.Window,
		out:        opts.Out,
	}, nil
}

// Register installs the replay handler for an operation type.
func (r *Reconciler) Register(opType string, h Handler) {
	r.handlers[opType] = h
}

// Sweep processes one bounded batch. A sweep that cannot finish inside its
// window stops and leaves the remainder for the next scheduled run.
func (r *Reconciler) Sweep(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.window)
	defer cancel()

	recovered, err := r.recoverStuck()
	if err != nil {
		return err
	}
	if recovered > 0 {
		fmt.Fprintf(r.out, "reconciler: crash-recovered %d stuck operations\n", recovered)
	}

	var ops []models.PendingOperation
	if err := r.db.Where("status = ?", models.OpPending).
		Order("created_at").Limit(r.batchLimit).Find(&ops).Error; err != nil {
		return fmt.Errorf("pending: reconciler: select batch: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}
	fmt.Fprintf(r.out, "reconciler: sweeping %d operations\n", len(ops))

	for _, op := range ops {
		select {
		case <-ctx.Done():
			fmt.Fprintf(r.out, "reconciler: sweep window expired, %s resumes next run\n", ctx.Err())
			return nil
		default:
		}
		r.reconcileOne(ctx, op)
	}
	return nil
}

// recoverStuck resets processing records whose last attempt is older than
// the staleness threshold. They are treated as orphans of a crashed sweep.
func (r *Reconciler) recoverStuck() (int64, error) {
	cutoff := time.Now().Add(-r.staleAfter)
	result := r.db.Model(&models.PendingOperation{}).
		Where("status = ? AND last_attempt_at < ?", models.OpProcessing, cutoff).
		Update("status", models.OpPending)
	if result.Error != nil {
		return 0, fmt.Errorf("pending: reconciler: recover stuck: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// reconcileOne claims a record, replays it with a fresh retry budget, and
// records the outcome.
func (r *Reconciler) reconcileOne(ctx context.Context, op models.PendingOperation) {
	handler, ok := r.handlers[op.OperationType]
	if !ok {
		log.Printf("reconciler: op %d: no handler for %q, leaving pending", op.ID, op.OperationType)
		return
	}

	now := time.Now()
	claim := r.db.Model(&models.PendingOperation{}).
		Where("id = ? AND status = ?", op.ID, models.OpPending).
		Updates(map[string]interface{}{
			"status":          models.OpProcessing,
			"last_attempt_at": now,
		})
	if claim.Error != nil {
		log.Printf("reconciler: op %d: claim: %v", op.ID, claim.Error)
		return
	}
	if claim.RowsAffected == 0 {
		// Another replica claimed it first.
		return
	}

	opName := fmt.Sprintf("pending-op-%d(%s)", op.ID, op.OperationType)
	err := r.exec.Execute(ctx, opName, func(ctx context.Context) error {
		return handler(ctx, op)
	})
	if err == nil {
		r.markCompleted(op)
		return
	}
	r.markFailed(op, err)
}

func (r *Reconciler) markCompleted(op models.PendingOperation) {
	now := time.Now()
	if err := r.db.Model(&models.PendingOperation{}).
		Where("id = ?", op.ID).
		Updates(map[string]interface{}{
			"status":       models.OpCompleted,
			"completed_at": now,
		}).Error; err != nil {
		log.Printf("reconciler: op %d: mark completed: %v", op.ID, err)
		return
	}
	fmt.Fprintf(r.out, "reconciler: op %d (%s) completed\n", op.ID, op.OperationType)
	r.auditTransition(op, models.OpCompleted)
}

func (r *Reconciler) markFailed(op models.PendingOperation, attemptErr error) {
	retryCount := op.RetryCount + 1
	status := models.OpPending
	if retryCount >= op.MaxRetries {
		status = models.OpFailed
	}

	now := time.Now()
	if err := r.db.Model(&models.PendingOperation{}).
		Where("id = ?", op.ID).
		Updates(map[string]interface{}{
			"status":          status,
			"retry_count":     retryCount,
			"last_error":      attemptErr.Error(),
			"last_attempt_at": now,
		}).Error; err != nil {
		log.Printf("reconciler: op %d: record failure: %v", op.ID, err)
		return
	}

	if status == models.OpFailed {
		// Terminal: requires operator attention via the ops surface.
		log.Printf("reconciler: op %d (%s) failed permanently after %d attempts: %v",
			op.ID, op.OperationType, retryCount, attemptErr)
		r.auditTransition(op, models.OpFailed)
		return
	}
	fmt.Fprintf(r.out, "reconciler: op %d (%s) attempt %d/%d failed, will retry: %v\n",
		op.ID, op.OperationType, retryCount, op.MaxRetries, attemptErr)
}

func (r *Reconciler) auditTransition(op models.PendingOperation, newStatus string) {
	if r.trail == nil {
		return
	}
	before := map[string]string{"status": models.OpProcessing}
	after := map[string]string{"status": newStatus}
	if err := r.trail.Record(models.AuditUpdate, "pending_operation", fmt.Sprintf("%d", op.ID), "reconciler", before, after, nil); err != nil {
		log.Printf("reconciler: audit op %d: %v", op.ID, err)
	}
}
