package errors

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrBackupFailed       = errors.New("backup failed")
	ErrRestoreFailed      = errors.New("restore failed")
	ErrUploadFailed       = errors.New("upload failed")
	ErrEncryptionFailed   = errors.New("encryption failed")
	ErrRetentionFailed    = errors.New("retention cleanup failed")
	ErrNotificationFailed = errors.New("notification failed")

	// Dump/restore engine taxonomy.
	ErrConnection       = errors.New("database connection failed")
	ErrEnumeration      = errors.New("table enumeration failed")
	ErrSchemaFetch      = errors.New("schema fetch failed")
	ErrSerialization    = errors.New("value serialization failed")
	ErrWrite            = errors.New("script write failed")
	ErrRestoreStatement = errors.New("restore statement failed")
	ErrIntegrityState   = errors.New("constraint enforcement state could not be changed")
	ErrIncompleteScript = errors.New("script has no completion marker")
	ErrArchive          = errors.New("archive failed")
)

type BackupError struct {
	DatabaseType string
	DatabaseName string
	Err          error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup failed for %s database '%s': %v", e.DatabaseType, e.DatabaseName, e.Err)
}

func (e *BackupError) Unwrap() []error {
	return []error{ErrBackupFailed, e.Err}
}

func NewBackupError(dbType, dbName string, err error) *BackupError {
	return &BackupError{
		DatabaseType: dbType,
		DatabaseName: dbName,
		Err:          err,
	}
}

type RestoreError struct {
	DatabaseType string
	DatabaseName string
	Err          error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore failed for %s database '%s': %v", e.DatabaseType, e.DatabaseName, e.Err)
}

func (e *RestoreError) Unwrap() []error {
	return []error{ErrRestoreFailed, e.Err}
}

func NewRestoreError(dbType, dbName string, err error) *RestoreError {
	return &RestoreError{
		DatabaseType: dbType,
		DatabaseName: dbName,
		Err:          err,
	}
}

// DumpError reports a failure of one of the engine stages. Kind is one of the
// engine sentinels so errors.Is(err, ErrSchemaFetch) works through wrapping.
type DumpError struct {
	Kind  error
	Table string
	Err   error
}

func (e *DumpError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%v for table '%s': %v", e.Kind, e.Table, e.Err)
}

func (e *DumpError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func NewDumpError(kind error, table string, err error) *DumpError {
	return &DumpError{
		Kind:  kind,
		Table: table,
		Err:   err,
	}
}

const maxStatementExcerpt = 200

// StatementError identifies the statement that aborted a restore.
type StatementError struct {
	Index     int
	Line      int
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("restore statement %d (line %d) failed: %v: %s", e.Index+1, e.Line, e.Err, e.Statement)
}

func (e *StatementError) Unwrap() []error {
	return []error{ErrRestoreStatement, e.Err}
}

func NewStatementError(index, line int, statement string, err error) *StatementError {
	if len(statement) > maxStatementExcerpt {
		cut := maxStatementExcerpt
		for cut > 0 && !utf8.RuneStart(statement[cut]) {
			cut--
		}
		statement = statement[:cut] + "..."
	}
	return &StatementError{
		Index:     index,
		Line:      line,
		Statement: statement,
		Err:       err,
	}
}

// IntegrityStateError means the session was possibly left with foreign key
// checks disabled. It is reported even when the guarded work succeeded.
type IntegrityStateError struct {
	Operation string
	Err       error
}

func (e *IntegrityStateError) Error() string {
	return fmt.Sprintf("failed to %s foreign key checks: %v", e.Operation, e.Err)
}

func (e *IntegrityStateError) Unwrap() []error {
	return []error{ErrIntegrityState, e.Err}
}

func NewIntegrityStateError(op string, err error) *IntegrityStateError {
	return &IntegrityStateError{
		Operation: op,
		Err:       err,
	}
}

type StorageError struct {
	Operation string
	Bucket    string
	Key       string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for bucket '%s', key '%s': %v", e.Operation, e.Bucket, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error {
	if e.Operation == "upload" {
		return []error{ErrUploadFailed, e.Err}
	}
	return []error{e.Err}
}

func NewStorageError(op, bucket, key string, err error) *StorageError {
	return &StorageError{
		Operation: op,
		Bucket:    bucket,
		Key:       key,
		Err:       err,
	}
}

// NotificationError is kept apart from dump and restore failures: a delivery
// problem never changes the outcome of the database operation.
type NotificationError struct {
	Channel string
	Err     error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("%s notification failed: %v", e.Channel, e.Err)
}

func (e *NotificationError) Unwrap() []error {
	return []error{ErrNotificationFailed, e.Err}
}

func NewNotificationError(channel string, err error) *NotificationError {
	return &NotificationError{
		Channel: channel,
		Err:     err,
	}
}

type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for '%s': %s", e.Field, e.Message)
}

func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}
