package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vtorres/leadline/internal/audit"
	"github.com/vtorres/leadline/internal/config"
	"github.com/vtorres/leadline/internal/db"
	"github.com/vtorres/leadline/internal/models"
	"github.com/vtorres/leadline/internal/pending"
)

func newPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Pending operation commands",
	}

	cmd.AddCommand(newPendingListCmd())
	cmd.AddCommand(newPendingRetryCmd())
	return cmd
}

func newPendingListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending or failed operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPendingList(cmd.OutOrStdout(), configPath, status, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "leadline.yaml", "path to Leadline config file")
	cmd.Flags().StringVar(&status, "status", models.OpFailed, "status filter: pending or failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "max operations to list")
	return cmd
}

func runPendingList(out io.Writer, configPath, status string, limit int) error {
	queue, err := openQueue(configPath)
	if err != nil {
		return err
	}

	var ops []models.PendingOperation
	switch status {
	case models.OpFailed:
		ops, err = queue.Failed(limit)
	case models.OpPending:
		ops, err = queue.Pending(limit)
	default:
		return fmt.Errorf("status must be %q or %q", models.OpPending, models.OpFailed)
	}
	if err != nil {
		return err
	}

	if len(ops) == 0 {
		fmt.Fprintf(out, "No %s operations\n", status)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tENTITY\tRETRIES\tLAST ERROR\tCREATED")
	for _, op := range ops {
		lastErr := op.LastError
		if len(lastErr) > 60 {
			lastErr = lastErr[:57] + "..."
		}
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s/%s\t%d/%d\t%s\t%s\n",
			op.ID, op.OperationType, op.EntityType, op.EntityID,
			op.RetryCount, op.MaxRetries, lastErr,
			op.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func newPendingRetryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-enqueue a failed operation with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid operation id %q", args[0])
			}
			return runPendingRetry(cmd.OutOrStdout(), configPath, uint(id))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "leadline.yaml", "path to Leadline config file")
	return cmd
}

func runPendingRetry(out io.Writer, configPath string, id uint) error {
	queue, err := openQueue(configPath)
	if err != nil {
		return err
	}
	newID, err := queue.ForceRetry(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Operation %d re-enqueued as %d\n", id, newID)
	return nil
}

func openQueue(configPath string) (*pending.Queue, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Database.Database, err)
	}
	trail, err := audit.NewTrail(gormDB)
	if err != nil {
		return nil, err
	}
	return pending.NewQueue(pending.QueueOpts{
		DB:                gormDB,
		Trail:             trail,
		DefaultMaxRetries: cfg.Reconciler.DefaultMaxRetries,
	})
}
