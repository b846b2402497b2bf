package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/vtorres/leadline/internal/audit"
	"github.com/vtorres/leadline/internal/config"
	"github.com/vtorres/leadline/internal/console"
	"github.com/vtorres/leadline/internal/console/discord"
	"github.com/vtorres/leadline/internal/console/slack"
	"github.com/vtorres/leadline/internal/crm"
	"github.com/vtorres/leadline/internal/db"
	"github.com/vtorres/leadline/internal/handoff"
	"github.com/vtorres/leadline/internal/hours"
	"github.com/vtorres/leadline/internal/ingest"
	"github.com/vtorres/leadline/internal/models"
	"github.com/vtorres/leadline/internal/ops"
	"github.com/vtorres/leadline/internal/pending"
	"github.com/vtorres/leadline/internal/retry"
	"github.com/vtorres/leadline/internal/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Leadline daemon",
		Long:  "Starts the ops HTTP API, the console mirror, and the pending-operations reconciler. SIGHUP reloads the business-hours schedule; SIGINT/SIGTERM shut down gracefully.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "leadline.yaml", "path to Leadline config file")
	return cmd
}

func runServe(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Database.Database, err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s at %s:%d\n", cfg.Database.Database, cfg.Database.Host, cfg.Database.Port)

	trail, err := audit.NewTrail(gormDB)
	if err != nil {
		return err
	}
	exec := retry.New(retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.BaseBackoff.Std(),
		MaxBackoff:  cfg.Retry.MaxBackoff.Std(),
	})
	queue, err := pending.NewQueue(pending.QueueOpts{
		DB:                gormDB,
		Trail:             trail,
		DefaultMaxRetries: cfg.Reconciler.DefaultMaxRetries,
	})
	if err != nil {
		return err
	}

	mirror, err := newMirror(cfg.Console)
	if err != nil {
		return err
	}
	defer mirror.Close()
	fmt.Fprintf(out, "Console mirror: %s\n", cfg.Console.Platform)

	durable, err := store.NewGormDurable(gormDB)
	if err != nil {
		return err
	}
	st, err := store.New(store.Opts{
		Durable:      durable,
		Queue:        queue,
		Executor:     exec,
		Trail:        trail,
		Mirror:       mirror,
		HistoryLimit: cfg.Store.HistoryLimit,
		Workers:      cfg.Store.Workers,
		QueueSize:    cfg.Store.QueueSize,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	schedule, err := hours.ParseSchedule(cfg.Hours)
	if err != nil {
		return err
	}
	oracle, err := hours.NewOracle(schedule)
	if err != nil {
		return err
	}
	machine, err := handoff.New(handoff.MachineOpts{
		Oracle:         oracle,
		ResumeCommands: cfg.Handoff.ResumeCommands,
	})
	if err != nil {
		return err
	}

	var crmWriter crm.Writer
	if cfg.CRM.BaseURL != "" {
		client, err := crm.NewClient(crm.ClientOpts{
			Config:  cfg.CRM,
			Trail:   trail,
			Timeout: cfg.Retry.CallTimeout.Std(),
		})
		if err != nil {
			return err
		}
		crmWriter = client
		fmt.Fprintf(out, "CRM sync: %s\n", cfg.CRM.BaseURL)
	} else {
		fmt.Fprintln(out, "CRM sync: disabled (no base_url)")
	}

	svc, err := ingest.New(ingest.Opts{
		Store:       st,
		Machine:     machine,
		Responder:   ingest.NopResponder{},
		CRM:         crmWriter,
		Queue:       queue,
		Executor:    exec,
		StreakLimit: cfg.Handoff.QuestionStreakLimit,
	})
	if err != nil {
		return err
	}

	reconciler, err := pending.NewReconciler(pending.ReconcilerOpts{
		DB:         gormDB,
		Executor:   exec,
		Trail:      trail,
		BatchLimit: cfg.Reconciler.BatchLimit,
		StaleAfter: cfg.Reconciler.StaleAfter.Std(),
		Window:     cfg.Reconciler.SweepWindow.Std(),
		Out:        out,
	})
	if err != nil {
		return err
	}
	st.RegisterReplayHandlers(reconciler)
	if crmWriter != nil {
		reconciler.Register(models.OpCRMUpsert, crm.ReplayHandler(crmWriter))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := cron.New()
	_, err = sched.AddFunc(cfg.Reconciler.Schedule, func() {
		if err := reconciler.Sweep(ctx); err != nil {
			log.Printf("serve: reconciler sweep: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciler %q: %w", cfg.Reconciler.Schedule, err)
	}
	sched.Start()
	defer sched.Stop()
	fmt.Fprintf(out, "Reconciler scheduled: %s\n", cfg.Reconciler.Schedule)

	// SIGHUP reloads the business-hours schedule without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			fresh, err := config.Load(configPath)
			if err != nil {
				log.Printf("serve: reload config: %v", err)
				continue
			}
			reloaded, err := hours.ParseSchedule(fresh.Hours)
			if err != nil {
				log.Printf("serve: reload hours: %v", err)
				continue
			}
			oracle.Reload(reloaded)
			log.Printf("serve: business-hours schedule reloaded")
		}
	}()

	return ops.Start(ctx, ops.StartOpts{
		DB:     gormDB,
		Store:  st,
		Queue:  queue,
		Ingest: svc,
		Port:   cfg.Ops.Port,
		Out:    out,
	})
}

// newMirror builds the configured console mirror.
func newMirror(cfg config.ConsoleConfig) (console.Mirror, error) {
	switch cfg.Platform {
	case "slack":
		return slack.New(slack.MirrorOpts{
			BotToken: cfg.Slack.BotToken,
			Channel:  cfg.Slack.Channel,
		})
	case "discord":
		return discord.New(discord.MirrorOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.ChannelID,
		})
	case "", "none":
		return console.Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown console platform %q", cfg.Platform)
	}
}
