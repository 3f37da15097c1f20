package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jorgepascosoto/sqlscript-backups/internal/config"
	"github.com/jorgepascosoto/sqlscript-backups/internal/dump"
	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
	"github.com/jorgepascosoto/sqlscript-backups/internal/logging"
)

// createTestDatabase creates a database config for testing with the specified type
func createTestDatabase(dbType config.DatabaseType) *config.DatabaseConfig {
	return &config.DatabaseConfig{
		Type:     dbType,
		Host:     "localhost",
		Port:     3306,
		Name:     "shop",
		User:     "testuser",
		Password: "testpass",
		Tables:   []string{"users"},
	}
}

func testOptions() dump.Options {
	opts := dump.DefaultOptions()
	opts.Now = func() time.Time { return time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC) }
	return opts
}

func expectSessionPinned(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT @@SESSION.time_zone, @@SESSION.sql_mode")).
		WillReturnRows(sqlmock.NewRows([]string{"@@SESSION.time_zone", "@@SESSION.sql_mode"}).AddRow("SYSTEM", "STRICT_TRANS_TABLES"))
	mock.ExpectExec(regexp.QuoteMeta("SET SESSION time_zone = ?")).WithArgs("+00:00").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectSessionReleased(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("SET SESSION time_zone = ?")).WithArgs("SYSTEM").WillReturnResult(sqlmock.NewResult(0, 0))
}

// expectUsersDump registers the statements of a one-table dump.
func expectUsersDump(mock sqlmock.Sqlmock) {
	expectSessionPinned(mock)
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 0")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT VERSION(), DATABASE()")).
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()", "DATABASE()"}).AddRow("8.0.36", "shop"))
	mock.ExpectQuery(regexp.QuoteMeta("SHOW CREATE TABLE `users`")).
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).
			AddRow("users", "CREATE TABLE `users` (`id` int, `name` text)"))
	mock.ExpectQuery("information_schema.COLUMNS").WithArgs("users").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "EXTRA", "COLUMN_KEY"}).
			AddRow("id", "int", "", "").
			AddRow("name", "text", "", ""))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT `id`, `name` FROM `users`")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), []byte("Alice")).
			AddRow(int64(2), []byte("Bob")))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 1")).WillReturnResult(sqlmock.NewResult(0, 0))
	expectSessionReleased(mock)
}

func newExporter(t *testing.T) (*MySQLExporter, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewMySQLExporter(createTestDatabase(config.DatabaseTypeMySQL), db, testOptions(), logging.Discard()), mock
}

// Tests for Factory
func TestNewExporter_MySQL(t *testing.T) {
	t.Parallel()

	for _, dbType := range []config.DatabaseType{config.DatabaseTypeMySQL, config.DatabaseTypeMariaDB} {
		exporter, err := NewExporter(createTestDatabase(dbType), nil, testOptions(), logging.Discard())

		require.NoError(t, err)
		_, ok := exporter.(*MySQLExporter)
		assert.True(t, ok, "Should return a MySQLExporter")
		assert.Equal(t, string(dbType), exporter.DatabaseType())
	}
}

func TestNewExporter_UnsupportedType(t *testing.T) {
	t.Parallel()

	exporter, err := NewExporter(createTestDatabase("postgres"), nil, testOptions(), logging.Discard())

	assert.Error(t, err)
	assert.Nil(t, exporter)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestNewMySQLExporter_TableFilter(t *testing.T) {
	t.Parallel()

	db := createTestDatabase(config.DatabaseTypeMySQL)

	exporter := NewMySQLExporter(db, nil, testOptions(), logging.Discard())
	assert.Equal(t, []string{"users"}, exporter.opts.Tables)

	opts := testOptions()
	opts.Tables = []string{"orders"}
	exporter = NewMySQLExporter(db, nil, opts, logging.Discard())
	assert.Equal(t, []string{"orders"}, exporter.opts.Tables, "explicit tables win over configured ones")
}

func TestMySQLExporter_DatabaseName(t *testing.T) {
	t.Parallel()

	exporter, _ := newExporter(t)

	assert.Equal(t, "shop", exporter.DatabaseName())
	assert.Equal(t, "mysql", exporter.DatabaseType())
}

func TestMySQLExporter_Export(t *testing.T) {
	t.Parallel()

	exporter, mock := newExporter(t)
	expectUsersDump(mock)

	rc, err := exporter.Export(context.Background())
	require.NoError(t, err)

	script, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	assert.Contains(t, string(script), "INSERT INTO `users` (`id`, `name`) VALUES\n(1, 'Alice'),\n(2, 'Bob');")
	assert.True(t, strings.HasSuffix(string(script), dump.CompletionMarker+"\n"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLExporter_Export_FailureReportedOnClose(t *testing.T) {
	t.Parallel()

	exporter, mock := newExporter(t)
	expectSessionPinned(mock)
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 0")).WillReturnError(errors.New("access denied"))
	expectSessionReleased(mock)

	rc, err := exporter.Export(context.Background())
	require.NoError(t, err)

	_, readErr := io.ReadAll(rc)
	assert.Error(t, readErr)

	err = rc.Close()
	require.Error(t, err)

	var backupErr *apperrors.BackupError
	require.True(t, errors.As(err, &backupErr))
	assert.Equal(t, "shop", backupErr.DatabaseName)
	assert.True(t, errors.Is(err, apperrors.ErrBackupFailed))
	assert.True(t, errors.Is(err, apperrors.ErrIntegrityState))
	assert.Contains(t, err.Error(), "access denied")
}

func TestWriteScriptFile(t *testing.T) {
	t.Parallel()

	exporter, mock := newExporter(t)
	expectUsersDump(mock)

	dir := filepath.Join(t.TempDir(), "nested", "out")
	result, err := WriteScriptFile(context.Background(), exporter, dir, "backup_shop.sql")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "backup_shop.sql"), result.Path)
	assert.Equal(t, "shop", result.DatabaseName)
	assert.Equal(t, "mysql", result.DatabaseType)
	assert.Equal(t, []string{"users"}, result.Tables)
	assert.Equal(t, int64(2), result.Rows)

	info, err := os.Stat(result.Path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), result.Size)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteScriptFile_RemovesPartialFile(t *testing.T) {
	t.Parallel()

	exporter, mock := newExporter(t)
	expectSessionPinned(mock)
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 0")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT VERSION(), DATABASE()")).WillReturnError(errors.New("server has gone away"))
	mock.ExpectRollback()
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 1")).WillReturnResult(sqlmock.NewResult(0, 0))
	expectSessionReleased(mock)

	dir := t.TempDir()
	result, err := WriteScriptFile(context.Background(), exporter, dir, "backup_shop.sql")

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, apperrors.ErrConnection))

	_, statErr := os.Stat(filepath.Join(dir, "backup_shop.sql"))
	assert.True(t, os.IsNotExist(statErr), "partial script must be removed")
}

func TestBackupFileName(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 7, 9, 5, 1, 0, time.UTC)

	tests := []struct {
		name     string
		database string
		tables   []string
		expected string
	}{
		{"whole database", "shop", nil, "backup_shop-2024-03-07_090501.sql"},
		{"selected tables", "shop", []string{"users", "orders"}, "backup_shop-users_orders-2024-03-07_090501.sql"},
		{"unsafe characters", "my db/x", []string{"a b"}, "backup_my_db_x-a_b-2024-03-07_090501.sql"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, BackupFileName(tt.database, tt.tables, at))
		})
	}
}

var errDiskFull = errors.New("no space left on device")

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errDiskFull
}

// abortedDump stands in for a dump that fails with a closed pipe once its
// reader is closed early.
type abortedDump struct {
	io.Reader
}

func (abortedDump) Close() error {
	return apperrors.NewBackupError("mysql", "shop", apperrors.NewDumpError(apperrors.ErrWrite, "", io.ErrClosedPipe))
}

func TestCopyScript_DestinationErrorComesFirst(t *testing.T) {
	t.Parallel()

	_, err := copyScript(failingWriter{}, abortedDump{Reader: strings.NewReader("CREATE TABLE `t` (id int);\n")})

	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	assert.True(t, errors.Is(err, apperrors.ErrWrite))
	assert.ErrorIs(t, err, io.ErrClosedPipe, "the aborted dump is still reported")
	assert.True(t, strings.HasPrefix(err.Error(), "write script file:"), err.Error())
}

func TestCopyScript_SourceFailure(t *testing.T) {
	t.Parallel()

	exporter, mock := newExporter(t)
	expectSessionPinned(mock)
	mock.ExpectExec(regexp.QuoteMeta("SET FOREIGN_KEY_CHECKS = 0")).WillReturnError(errors.New("access denied"))
	expectSessionReleased(mock)

	rc, err := exporter.Export(context.Background())
	require.NoError(t, err)

	var buf strings.Builder
	_, err = copyScript(&buf, rc)

	require.Error(t, err)
	var backupErr *apperrors.BackupError
	assert.True(t, errors.As(err, &backupErr))
	assert.True(t, errors.Is(err, apperrors.ErrIntegrityState))
	assert.False(t, errors.Is(err, apperrors.ErrWrite))
}

func TestCopyScript_FailingDestinationWithLiveDump(t *testing.T) {
	t.Parallel()

	exporter, mock := newExporter(t)
	expectUsersDump(mock)

	rc, err := exporter.Export(context.Background())
	require.NoError(t, err)

	_, err = copyScript(failingWriter{}, rc)

	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	assert.True(t, errors.Is(err, apperrors.ErrWrite))
	assert.Contains(t, err.Error(), "no space left on device")
}
