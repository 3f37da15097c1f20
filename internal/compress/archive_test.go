package compress

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

const script = "-- Database Backup Manager\nINSERT INTO `users` (`id`) VALUES\n(1);\n\n-- End of database backup process\n"

func writeScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backup_shop-2024-05-01_103000.sql")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))
	return path
}

func TestNewArchiver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format    string
		extension string
	}{
		{"zip", ".zip"},
		{"gzip", ".gz"},
		{"zstd", ".zst"},
		{"LZ4", ".lz4"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			t.Parallel()
			archiver, err := NewArchiver(tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.extension, archiver.Extension())
		})
	}

	archiver, err := NewArchiver("none")
	require.NoError(t, err)
	assert.Nil(t, archiver)

	_, err = NewArchiver("rar")
	assert.True(t, errors.Is(err, apperrors.ErrArchive))
}

func TestArchiver_ArchiveAndOpen(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"zip", "gzip", "zstd", "lz4"} {
		t.Run(format, func(t *testing.T) {
			t.Parallel()
			archiver, err := NewArchiver(format)
			require.NoError(t, err)

			path := writeScript(t)
			archived, err := archiver.ArchiveFile(path)
			require.NoError(t, err)

			assert.Equal(t, archiver.Extension(), filepath.Ext(archived))
			_, statErr := os.Stat(path)
			assert.True(t, os.IsNotExist(statErr), "plain script is removed after archiving")

			for name, open := range map[string]func(string) (io.ReadCloser, error){
				"archiver": archiver.Open,
				"artifact": OpenArtifact,
			} {
				rc, err := open(archived)
				require.NoError(t, err, name)
				content, err := io.ReadAll(rc)
				require.NoError(t, err, name)
				require.NoError(t, rc.Close(), name)
				assert.Equal(t, script, string(content), name)
			}
		})
	}
}

func TestZipArchiver_ReplacesExtension(t *testing.T) {
	t.Parallel()

	path := writeScript(t)
	archived, err := (&ZipArchiver{}).ArchiveFile(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(filepath.Dir(path), "backup_shop-2024-05-01_103000.zip"), archived)
}

func TestOpenArtifact_PlainScript(t *testing.T) {
	t.Parallel()

	rc, err := OpenArtifact(writeScript(t))
	require.NoError(t, err)
	defer rc.Close()

	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, script, string(content))
}

func TestOpenArtifact_Corrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.sql.gz")
	require.NoError(t, os.WriteFile(path, []byte("not gzip"), 0o644))

	_, err := OpenArtifact(path)
	assert.True(t, errors.Is(err, apperrors.ErrArchive))
}

func TestArchiver_MissingSource(t *testing.T) {
	t.Parallel()

	archiver, err := NewArchiver("gzip")
	require.NoError(t, err)

	_, err = archiver.ArchiveFile(filepath.Join(t.TempDir(), "missing.sql"))
	assert.True(t, errors.Is(err, apperrors.ErrArchive))
}
