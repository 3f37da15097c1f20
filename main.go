package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jorgepascosoto/sqlscript-backups/internal/config"
	"github.com/jorgepascosoto/sqlscript-backups/internal/dump"
	"github.com/jorgepascosoto/sqlscript-backups/internal/logging"
	"github.com/jorgepascosoto/sqlscript-backups/internal/metrics"
	"github.com/jorgepascosoto/sqlscript-backups/internal/notify"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("Received shutdown signal, canceling...")
		cancel()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.WithError(err).Fatal("Run failed")
	}
}

func newLogger(level, format string) *logrus.Logger {
	return logging.New(logging.Config{Level: level, Format: format})
}

func newRootCmd() *cobra.Command {
	var flags backupFlags

	root := &cobra.Command{
		Use:   "sqlscript-backups",
		Short: "Dump MySQL databases into self-contained SQL scripts and restore them",
		Long: `sqlscript-backups writes each configured database as a plain SQL script,
optionally archives, encrypts and uploads it, and restores such scripts
atomically with foreign key checks suspended.

Without a subcommand it runs a backup, which is how the GitHub Action calls it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context(), cmd, flags)
		},
	}

	flags.register(root)

	root.AddCommand(
		newBackupCmd(),
		newRestoreCmd(),
		newValidateCmd(),
		newDecryptCmd(),
	)
	return root
}

// app carries what every database operation of one run shares.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	metrics *metrics.Recorder
	runID   string
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	runID := uuid.NewString()
	log := newLogger(cfg.LogLevel, cfg.LogFormat)

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: metrics.NewRecorder(),
		runID:   runID,
	}, nil
}

func (a *app) dumpOptions() dump.Options {
	opts := dump.DefaultOptions()
	opts.IncludeData = a.cfg.IncludeData
	opts.DropBeforeRestore = a.cfg.DropBeforeRestore
	opts.BatchSize = a.cfg.BatchSize
	opts.MaxStatementBytes = a.cfg.MaxStatementBytes
	return opts
}

func (a *app) sendNotifications(ctx context.Context, summary *notify.RunSummary, attachment string) {
	log := a.log.WithField("database", summary.DatabaseName)

	if err := notify.WriteGitHubSummary(summary); err != nil {
		log.WithError(err).Warn("Failed to write GitHub summary")
	}

	shouldNotify := (summary.Success && a.cfg.NotifyOnSuccess) || (!summary.Success && a.cfg.NotifyOnFailure)
	if !shouldNotify {
		return
	}

	if a.cfg.WebhookURL != "" {
		if err := notify.NewWebhookNotifier(a.cfg.WebhookURL).Notify(ctx, summary); err != nil {
			log.WithError(err).Warn("Failed to send webhook notification")
		}
	}

	if a.cfg.HasEmail() {
		mailer := notify.NewEmailNotifier(notify.EmailConfig{
			Host:     a.cfg.SMTPHost,
			Port:     a.cfg.SMTPPort,
			Username: a.cfg.SMTPUsername,
			Password: a.cfg.SMTPPassword,
			From:     a.cfg.SMTPFrom,
			To:       []string{a.cfg.EmailRecipient},
		})
		if err := mailer.Send(ctx, summary, attachment); err != nil {
			log.WithError(err).Warn("Failed to send email notification")
		}
	}
}

// pushMetrics runs after ctx may have been cancelled, so it gets its own
// deadline.
func (a *app) pushMetrics(ctx context.Context) {
	if a.cfg.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if err := a.metrics.Push(ctx, a.cfg.PushgatewayURL, a.runID); err != nil {
		a.log.WithError(err).Warn("Failed to push metrics")
	}
}
