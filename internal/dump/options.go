package dump

import (
	"context"
	"database/sql"
	"time"
)

const (
	DefaultBatchSize         = 100
	DefaultMaxStatementBytes = 1 << 20
)

// Options configures both directions of the engine. Dump reads IncludeData,
// Tables, BatchSize and MaxStatementBytes; Restore reads DropBeforeRestore and
// AllowIncomplete.
type Options struct {
	IncludeData       bool
	DropBeforeRestore bool
	Tables            []string
	BatchSize         int
	MaxStatementBytes int
	AllowIncomplete   bool

	// Now stamps the script header. Defaults to time.Now.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		IncludeData:       true,
		DropBeforeRestore: true,
		BatchSize:         DefaultBatchSize,
		MaxStatementBytes: DefaultMaxStatementBytes,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxStatementBytes <= 0 {
		o.MaxStatementBytes = DefaultMaxStatementBytes
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Connector hands out a dedicated session. Foreign key checks are a session
// variable, so each operation pins one connection for its whole duration.
type Connector interface {
	Conn(ctx context.Context) (*sql.Conn, error)
}
