package backup

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/jorgepascosoto/sqlscript-backups/internal/config"
	"github.com/jorgepascosoto/sqlscript-backups/internal/dump"
	"github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

// MySQLExporter streams a dump script produced in-process over a dedicated
// session.
type MySQLExporter struct {
	db   *config.DatabaseConfig
	conn dump.Connector
	opts dump.Options
	log  logrus.FieldLogger
}

func NewMySQLExporter(db *config.DatabaseConfig, conn dump.Connector, opts dump.Options, log logrus.FieldLogger) *MySQLExporter {
	if len(opts.Tables) == 0 {
		opts.Tables = db.Tables
	}
	return &MySQLExporter{
		db:   db,
		conn: conn,
		opts: opts,
		log:  log.WithField("database", db.Name),
	}
}

// Export starts the dump and returns its script as a stream. Close reports
// the dump's outcome.
func (e *MySQLExporter) Export(ctx context.Context) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	rc := &dumpReadCloser{
		ReadCloser: pr,
		done:       make(chan struct{}),
		dbType:     e.DatabaseType(),
		dbName:     e.db.Name,
	}

	dumper := dump.NewDumper(e.conn, e.opts, e.log)
	go func() {
		defer close(rc.done)
		rc.result, rc.err = dumper.Dump(ctx, pw)
		pw.CloseWithError(rc.err)
	}()

	return rc, nil
}

func (e *MySQLExporter) DatabaseName() string {
	return e.db.Name
}

func (e *MySQLExporter) DatabaseType() string {
	return string(e.db.Type)
}

type dumpReadCloser struct {
	io.ReadCloser
	done   chan struct{}
	result *dump.DumpResult
	err    error
	dbType string
	dbName string
}

// Close stops reading and waits for the dump to finish. Closing before EOF
// aborts the dump.
func (c *dumpReadCloser) Close() error {
	if err := c.ReadCloser.Close(); err != nil {
		return err
	}

	<-c.done
	if c.err != nil {
		return errors.NewBackupError(c.dbType, c.dbName, c.err)
	}
	return nil
}

// Result is available once Close has returned.
func (c *dumpReadCloser) Result() *dump.DumpResult {
	return c.result
}
