package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jorgepascosoto/sqlscript-backups/internal/backup"
	"github.com/jorgepascosoto/sqlscript-backups/internal/compress"
	"github.com/jorgepascosoto/sqlscript-backups/internal/config"
	"github.com/jorgepascosoto/sqlscript-backups/internal/database"
	"github.com/jorgepascosoto/sqlscript-backups/internal/encrypt"
	"github.com/jorgepascosoto/sqlscript-backups/internal/notify"
	"github.com/jorgepascosoto/sqlscript-backups/internal/storage"
)

type backupFlags struct {
	database  string
	tables    []string
	noData    bool
	batchSize int
	outputDir string
}

func (f *backupFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.database, "database", "", "back up only the configured database with this name")
	cmd.Flags().StringSliceVar(&f.tables, "tables", nil, "comma separated tables to dump (default: all base tables)")
	cmd.Flags().BoolVar(&f.noData, "no-data", false, "dump table definitions only")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "rows per INSERT statement")
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "", "directory the scripts are written to")
}

// apply overrides configuration with the flags the user actually set.
func (f *backupFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("tables") {
		for i := range cfg.Databases {
			cfg.Databases[i].Tables = f.tables
		}
	}
	if cmd.Flags().Changed("no-data") {
		cfg.IncludeData = !f.noData
	}
	if cmd.Flags().Changed("batch-size") {
		if f.batchSize <= 0 {
			return fmt.Errorf("--batch-size must be positive")
		}
		cfg.BatchSize = f.batchSize
	}
	if cmd.Flags().Changed("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if f.database != "" {
		db, ok := cfg.Database(f.database)
		if !ok {
			return fmt.Errorf("database %q is not configured", f.database)
		}
		cfg.Databases = []config.DatabaseConfig{*db}
	}
	return nil
}

func newBackupCmd() *cobra.Command {
	var flags backupFlags

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Dump every configured database into a SQL script",
		Example: `  sqlscript-backups backup
  sqlscript-backups backup --database shop --tables users,orders --no-data`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context(), cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// artifact is a finished backup: the local file and, when uploaded, its key.
type artifact struct {
	Path   string
	Key    string
	Size   int64
	Tables []string
	Rows   int64
}

func runBackup(ctx context.Context, cmd *cobra.Command, flags backupFlags) error {
	startTime := time.Now()

	a, err := loadApp()
	if err != nil {
		return err
	}
	if err := flags.apply(cmd, a.cfg); err != nil {
		return err
	}
	defer a.pushMetrics(ctx)

	a.log.WithField("run_id", a.runID).Infof("Starting backup for %d database(s)", len(a.cfg.Databases))

	// Track results for all databases
	var artifacts []*artifact
	var failedDatabases []string

	for i, db := range a.cfg.Databases {
		dbStartTime := time.Now()
		log := a.log.WithFields(logrus.Fields{
			"run_id":   a.runID,
			"database": db.Name,
			"progress": fmt.Sprintf("%d/%d", i+1, len(a.cfg.Databases)),
		})
		log.Infof("Backing up %s database", db.Type)

		summary := &notify.RunSummary{
			RunID:        a.runID,
			Operation:    notify.OperationBackup,
			DatabaseType: string(db.Type),
			DatabaseName: db.Name,
			Tables:       db.Tables,
			Archive:      string(a.cfg.Archive),
			Encrypted:    a.cfg.HasEncryption(),
		}

		art, err := performBackup(ctx, a, &db, log)
		summary.Duration = time.Since(dbStartTime)

		if err != nil {
			log.WithError(err).Error("Backup failed")
			summary.Error = err
			failedDatabases = append(failedDatabases, db.Name)
			a.sendNotifications(ctx, summary, "")
			continue
		}

		location := art.Path
		if art.Key != "" {
			location = art.Key
		}
		log.WithField("size", humanize.IBytes(uint64(art.Size))).Infof("Backup written to %s", location)

		summary.Success = true
		summary.BackupKey = location
		summary.BackupSize = art.Size
		summary.Rows = art.Rows
		if len(summary.Tables) == 0 {
			summary.Tables = art.Tables
		}
		artifacts = append(artifacts, art)

		if a.cfg.HasRetention() && a.cfg.HasStorage() {
			summary.DeletedBackups = applyRetention(ctx, a, &db, log)
		}

		a.sendNotifications(ctx, summary, art.Path)
	}

	// Set GitHub Action outputs (aggregate results)
	if len(artifacts) > 0 {
		first := artifacts[0]
		key := first.Key
		if key == "" {
			key = first.Path
		}
		outputs := []struct{ name, value string }{
			{"backup_key", key},
			{"backup_size", strconv.FormatInt(first.Size, 10)},
			{"backup_count", strconv.Itoa(len(artifacts))},
		}
		for _, o := range outputs {
			if err := notify.SetGitHubOutput(o.name, o.value); err != nil {
				a.log.WithError(err).Warnf("Failed to set %s output", o.name)
			}
		}
	}

	a.log.WithField("duration", time.Since(startTime).Round(time.Second)).
		Infof("Completed: %d successful, %d failed", len(artifacts), len(failedDatabases))

	if len(failedDatabases) > 0 {
		return fmt.Errorf("backup failed for %d database(s): %v", len(failedDatabases), failedDatabases)
	}
	return nil
}

// performBackup dumps one database to OutputDir, then archives, encrypts and
// uploads the script as configured. The dump itself is recorded in metrics
// before any later stage runs.
func performBackup(ctx context.Context, a *app, db *config.DatabaseConfig, log logrus.FieldLogger) (*artifact, error) {
	start := time.Now()

	sqlDB, err := database.Open(ctx, db)
	if err != nil {
		a.metrics.ObserveBackup(db.Name, time.Since(start), 0, 0, err)
		return nil, err
	}
	defer sqlDB.Close()

	exporter, err := backup.NewExporter(db, sqlDB, a.dumpOptions(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	log.Debug("Exporting database...")
	name := backup.BackupFileName(db.Name, db.Tables, time.Now().UTC())
	result, err := backup.WriteScriptFile(ctx, exporter, a.cfg.OutputDir, name)
	if err != nil {
		a.metrics.ObserveBackup(db.Name, time.Since(start), 0, 0, err)
		return nil, err
	}
	a.metrics.ObserveBackup(db.Name, time.Since(start), result.Size, result.Rows, nil)

	art := &artifact{
		Path:   result.Path,
		Size:   result.Size,
		Tables: result.Tables,
		Rows:   result.Rows,
	}
	if err := finishArtifact(ctx, a, db, art, log); err != nil {
		return nil, err
	}
	return art, nil
}

// finishArtifact archives, encrypts and uploads a written script in place.
func finishArtifact(ctx context.Context, a *app, db *config.DatabaseConfig, art *artifact, log logrus.FieldLogger) error {
	archiver, err := compress.NewArchiver(string(a.cfg.Archive))
	if err != nil {
		return err
	}
	if archiver != nil {
		log.WithField("archive", a.cfg.Archive).Debug("Archiving backup...")
		if art.Path, err = archiver.ArchiveFile(art.Path); err != nil {
			return err
		}
	}

	if a.cfg.HasEncryption() {
		log.Debug("Encrypting backup...")
		encryptor, err := encrypt.NewAESEncryptor(a.cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to create encryptor: %w", err)
		}
		if art.Path, err = encryptor.EncryptFile(art.Path); err != nil {
			return err
		}
	}

	info, err := os.Stat(art.Path)
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}
	art.Size = info.Size()

	if !a.cfg.HasStorage() {
		return nil
	}

	log.Debug("Uploading backup to R2...")
	r2Client, err := storage.NewR2Client(ctx, a.cfg, db.BackupPrefix)
	if err != nil {
		return fmt.Errorf("failed to create R2 client: %w", err)
	}
	if art.Key, err = r2Client.UploadFile(ctx, art.Path); err != nil {
		return err
	}
	return nil
}

func applyRetention(ctx context.Context, a *app, db *config.DatabaseConfig, log logrus.FieldLogger) int {
	r2Client, err := storage.NewR2Client(ctx, a.cfg, db.BackupPrefix)
	if err != nil {
		log.WithError(err).Warn("Failed to create R2 client for retention")
		return 0
	}

	result, err := storage.ApplyRetention(ctx, r2Client, storage.RetentionPolicy{
		Days:  a.cfg.RetentionDays,
		Count: a.cfg.RetentionCount,
	}, log)
	if err != nil {
		log.WithError(err).Warn("Retention policy failed")
		return 0
	}

	a.metrics.ObserveRetention(db.Name, result.DeletedCount)
	if result.DeletedCount > 0 {
		log.Infof("Deleted %d old backup(s)", result.DeletedCount)
	}
	return result.DeletedCount
}
