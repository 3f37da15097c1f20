package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jorgepascosoto/sqlscript-backups/internal/dump"
	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

const fileTimeLayout = "2006-01-02_150405"

// BackupFileName returns backup_<db>[-t1_t2]-<timestamp>.sql.
func BackupFileName(database string, tables []string, at time.Time) string {
	name := "backup_" + sanitize(database)
	if len(tables) > 0 {
		parts := make([]string, len(tables))
		for i, t := range tables {
			parts[i] = sanitize(t)
		}
		name += "-" + strings.Join(parts, "_")
	}
	return name + "-" + at.Format(fileTimeLayout) + ".sql"
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// WriteScriptFile writes the exporter's script to dir/name, creating dir when
// needed. A failed export leaves no file behind.
func WriteScriptFile(ctx context.Context, exporter Exporter, dir, name string) (*ExportResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, name)

	rc, err := exporter.Export(ctx)
	if err != nil {
		return nil, err
	}

	size, err := writeFile(path, rc)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	result := &ExportResult{
		Path:         path,
		Size:         size,
		DatabaseName: exporter.DatabaseName(),
		DatabaseType: exporter.DatabaseType(),
	}
	if r, ok := rc.(interface{ Result() *dump.DumpResult }); ok && r.Result() != nil {
		for _, t := range r.Result().Tables {
			result.Tables = append(result.Tables, t.String())
		}
		result.Rows = r.Result().Rows
	}
	return result, nil
}

func writeFile(path string, rc io.ReadCloser) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		rc.Close()
		return 0, fmt.Errorf("create script file: %w", err)
	}

	size, err := copyScript(f, rc)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		return 0, fmt.Errorf("close script file: %w", closeErr)
	}
	return size, err
}

// sinkWriter records the first error returned by the destination so it can be
// told apart from a failure of the script source.
type sinkWriter struct {
	w   io.Writer
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil && s.err == nil {
		s.err = err
	}
	return n, err
}

// copyScript drains rc into w and closes rc. When w fails, closing rc aborts
// the dump, which then reports a closed pipe; the destination's error is the
// cause and comes first.
func copyScript(w io.Writer, rc io.ReadCloser) (int64, error) {
	sink := &sinkWriter{w: w}
	size, copyErr := io.Copy(sink, rc)
	closeErr := rc.Close()

	switch {
	case sink.err != nil:
		writeErr := fmt.Errorf("write script file: %w", apperrors.NewDumpError(apperrors.ErrWrite, "", sink.err))
		return 0, errors.Join(writeErr, closeErr)
	case closeErr != nil:
		return 0, closeErr
	case copyErr != nil:
		return 0, fmt.Errorf("read script: %w", copyErr)
	}
	return size, nil
}
