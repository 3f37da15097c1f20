package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jorgepascosoto/sqlscript-backups/internal/compress"
	"github.com/jorgepascosoto/sqlscript-backups/internal/config"
	"github.com/jorgepascosoto/sqlscript-backups/internal/database"
	"github.com/jorgepascosoto/sqlscript-backups/internal/dump"
	"github.com/jorgepascosoto/sqlscript-backups/internal/encrypt"
	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
	"github.com/jorgepascosoto/sqlscript-backups/internal/notify"
	"github.com/jorgepascosoto/sqlscript-backups/internal/storage"
)

type restoreFlags struct {
	file            string
	key             string
	database        string
	noDrop          bool
	allowIncomplete bool
}

func newRestoreCmd() *cobra.Command {
	var flags restoreFlags

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replay a backup script into a configured database in one transaction",
		Example: `  sqlscript-backups restore --database shop --file backups/backup_shop-2024-05-01_103000.sql.gz
  sqlscript-backups restore --database shop --key shop/backup_shop-2024-05-01_103000.sql.gz.enc`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.file, "file", "", "local script or artifact to restore")
	cmd.Flags().StringVar(&flags.key, "key", "", "object key to download from R2 and restore")
	cmd.Flags().StringVar(&flags.database, "database", "", "configured database to restore into (required with several databases)")
	cmd.Flags().BoolVar(&flags.noDrop, "no-drop", false, "keep existing tables instead of dropping the script's tables first")
	cmd.Flags().BoolVar(&flags.allowIncomplete, "allow-incomplete", false, "restore scripts that lack the completion marker")
	cmd.MarkFlagsMutuallyExclusive("file", "key")
	cmd.MarkFlagsOneRequired("file", "key")

	return cmd
}

func selectDatabase(cfg *config.Config, name string) (*config.DatabaseConfig, error) {
	if name != "" {
		db, ok := cfg.Database(name)
		if !ok {
			return nil, fmt.Errorf("database %q is not configured", name)
		}
		return db, nil
	}
	if len(cfg.Databases) != 1 {
		return nil, fmt.Errorf("--database is required when %d databases are configured", len(cfg.Databases))
	}
	return &cfg.Databases[0], nil
}

func runRestore(ctx context.Context, flags restoreFlags) error {
	start := time.Now()

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.pushMetrics(ctx)

	db, err := selectDatabase(a.cfg, flags.database)
	if err != nil {
		return err
	}

	log := a.log.WithFields(logrus.Fields{"run_id": a.runID, "database": db.Name})

	opts := a.dumpOptions()
	if flags.noDrop {
		opts.DropBeforeRestore = false
	}
	opts.AllowIncomplete = flags.allowIncomplete

	summary := &notify.RunSummary{
		RunID:        a.runID,
		Operation:    notify.OperationRestore,
		DatabaseType: string(db.Type),
		DatabaseName: db.Name,
		BackupKey:    flags.key,
	}
	if summary.BackupKey == "" {
		summary.BackupKey = flags.file
	}

	result, err := performRestore(ctx, a, db, flags, opts, log)
	summary.Duration = time.Since(start)

	statements := 0
	if result != nil {
		statements = result.Statements
		for _, t := range result.Tables {
			summary.Tables = append(summary.Tables, t.String())
		}
	}
	a.metrics.ObserveRestore(db.Name, summary.Duration, statements, err)

	if err != nil {
		log.WithError(err).Error("Restore failed")
		summary.Error = err
		a.sendNotifications(ctx, summary, "")
		return err
	}

	summary.Success = true
	summary.Statements = statements
	log.WithFields(logrus.Fields{
		"statements": result.Statements,
		"dropped":    result.Dropped,
		"state":      result.Final(),
	}).Info("Restore completed")

	a.sendNotifications(ctx, summary, "")
	return nil
}

// performRestore resolves the artifact to a readable script and replays it.
func performRestore(ctx context.Context, a *app, db *config.DatabaseConfig, flags restoreFlags, opts dump.Options, log logrus.FieldLogger) (result *dump.RestoreResult, err error) {
	defer func() {
		if err != nil {
			err = apperrors.NewRestoreError(string(db.Type), db.Name, err)
		}
	}()

	path := flags.file
	if flags.key != "" {
		if !a.cfg.HasStorage() {
			return nil, fmt.Errorf("--key needs R2 storage to be configured")
		}
		r2Client, err := storage.NewR2Client(ctx, a.cfg, db.BackupPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create R2 client: %w", err)
		}
		log.WithField("key", flags.key).Info("Downloading backup from R2...")
		if path, err = r2Client.Download(ctx, flags.key, a.cfg.OutputDir); err != nil {
			return nil, err
		}
	}

	path, cleanup, err := decryptIfNeeded(path, a.cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rc, err := compress.OpenArtifact(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sqlDB, err := database.Open(ctx, db)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()

	log.WithField("file", filepath.Base(path)).Info("Restoring script...")
	return dump.NewRestorer(sqlDB, opts, log).Restore(ctx, rc)
}

// decryptIfNeeded returns a readable path for an artifact. Encrypted
// artifacts are decrypted next to the original and cleanup removes the
// plaintext.
func decryptIfNeeded(path string, key []byte) (string, func(), error) {
	noop := func() {}
	if !strings.HasSuffix(path, ".enc") {
		return path, noop, nil
	}
	if len(key) == 0 {
		return "", noop, fmt.Errorf("%s is encrypted but no encryption key is configured", path)
	}

	encryptor, err := encrypt.NewAESEncryptor(key)
	if err != nil {
		return "", noop, fmt.Errorf("failed to create encryptor: %w", err)
	}
	plain, err := encryptor.DecryptFile(path)
	if err != nil {
		return "", noop, err
	}
	return plain, func() { os.Remove(plain) }, nil
}
