package backup

import (
	"context"
	"io"
)

type Exporter interface {
	Export(ctx context.Context) (io.ReadCloser, error)
	DatabaseName() string
	DatabaseType() string
}

// ExportResult describes a script written to local disk.
type ExportResult struct {
	Path         string
	Size         int64
	DatabaseName string
	DatabaseType string
	Tables       []string
	Rows         int64
}
