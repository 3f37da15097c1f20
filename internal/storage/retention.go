package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

// BackupStore is the part of the object store retention needs.
type BackupStore interface {
	ListBackups(ctx context.Context) ([]BackupObject, error)
	Delete(ctx context.Context, key string) error
}

type RetentionPolicy struct {
	Days  int
	Count int
}

type RetentionResult struct {
	DeletedCount int
	DeletedKeys  []string
	Errors       []error
}

func (p *RetentionPolicy) IsEnabled() bool {
	return p.Days > 0 || p.Count > 0
}

func ApplyRetention(ctx context.Context, store BackupStore, policy RetentionPolicy, log logrus.FieldLogger) (*RetentionResult, error) {
	if !policy.IsEnabled() {
		return &RetentionResult{}, nil
	}

	backups, err := store.ListBackups(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list backups: %w", apperrors.ErrRetentionFailed, err)
	}
	sortNewestFirst(backups)

	toDelete := determineBackupsToDelete(backups, policy, time.Now())

	result := &RetentionResult{
		DeletedKeys: make([]string, 0, len(toDelete)),
	}

	for _, backup := range toDelete {
		if err := store.Delete(ctx, backup.Key); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%w: delete %s: %w", apperrors.ErrRetentionFailed, backup.Key, err))
			log.WithError(err).WithField("key", backup.Key).Warn("Failed to delete old backup")
			continue
		}
		result.DeletedCount++
		result.DeletedKeys = append(result.DeletedKeys, backup.Key)
		log.WithField("key", backup.Key).Info("Deleted old backup")
	}

	return result, nil
}

// determineBackupsToDelete expects backups sorted newest first. The Count
// newest are always kept; the rest go when Count is exceeded or they are older
// than Days.
func determineBackupsToDelete(backups []BackupObject, policy RetentionPolicy, now time.Time) []BackupObject {
	var toDelete []BackupObject
	maxAge := time.Duration(policy.Days) * 24 * time.Hour

	for i, backup := range backups {
		if policy.Count > 0 && i < policy.Count {
			continue
		}

		expired := policy.Days > 0 && now.Sub(backup.LastModified) > maxAge
		if policy.Count > 0 || expired {
			toDelete = append(toDelete, backup)
		}
	}

	return toDelete
}
