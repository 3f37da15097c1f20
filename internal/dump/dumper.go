package dump

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

type DumpResult struct {
	Database      string
	ServerVersion string
	Tables        []TableName
	Rows          int64
	Bytes         int64
	Duration      time.Duration
}

type Dumper struct {
	db   Connector
	opts Options
	log  logrus.FieldLogger
}

func NewDumper(db Connector, opts Options, log logrus.FieldLogger) *Dumper {
	return &Dumper{
		db:   db,
		opts: opts.withDefaults(),
		log:  log,
	}
}

// Dump writes a complete script for the current schema to w.
//
// Temporal values are read in UTC. Row data is read inside a REPEATABLE READ, read-only transaction so every
// table comes from the same snapshot. Table definitions are read in the same
// transaction but MySQL does not version DDL, which makes schema consistency
// best-effort.
func (d *Dumper) Dump(ctx context.Context, w io.Writer) (*DumpResult, error) {
	start := time.Now()

	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, apperrors.NewDumpError(apperrors.ErrConnection, "", err)
	}
	defer conn.Close()

	result := &DumpResult{}
	guard := NewGuard(conn, d.log)

	err = guard.PinSession(ctx, false, func() error {
		return guard.SuspendConstraints(ctx, func() error {
			return guard.WithinTransaction(ctx, &sql.TxOptions{
				Isolation: sql.LevelRepeatableRead,
				ReadOnly:  true,
			}, func(tx *sql.Tx) error {
				return d.dump(ctx, tx, w, result)
			})
		})
	})
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}

	d.log.WithFields(logrus.Fields{
		"database": result.Database,
		"tables":   len(result.Tables),
		"rows":     result.Rows,
		"duration": result.Duration.Round(time.Millisecond),
	}).Info("Dump completed")

	return result, nil
}

func (d *Dumper) dump(ctx context.Context, tx *sql.Tx, w io.Writer, result *DumpResult) error {
	var version, database sql.NullString
	if err := tx.QueryRowContext(ctx, "SELECT VERSION(), DATABASE()").Scan(&version, &database); err != nil {
		return apperrors.NewDumpError(apperrors.ErrConnection, "", fmt.Errorf("read server metadata: %w", err))
	}
	if !database.Valid || database.String == "" {
		return apperrors.NewDumpError(apperrors.ErrEnumeration, "", errors.New("no database selected on connection"))
	}
	result.Database = database.String
	result.ServerVersion = version.String

	tables, err := ListTables(ctx, tx, d.opts.Tables)
	if err != nil {
		return err
	}
	result.Tables = tables
	d.log.WithField("tables", len(tables)).Info("Tables enumerated")

	asm := NewAssembler(w, d.opts.BatchSize, d.opts.MaxStatementBytes)
	defer func() { result.Bytes = asm.BytesWritten() }()

	if err := asm.WriteHeader(Header{
		GeneratedAt:   d.opts.Now(),
		ServerVersion: result.ServerVersion,
		Database:      result.Database,
	}); err != nil {
		return err
	}

	for i, table := range tables {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("dump cancelled before table %s: %w", table, err)
		}

		log := d.log.WithFields(logrus.Fields{"table": string(table), "position": fmt.Sprintf("%d/%d", i+1, len(tables))})

		def, err := FetchSchema(ctx, tx, table)
		if err != nil {
			return err
		}
		if err := asm.WriteSchema(def); err != nil {
			return err
		}

		if d.opts.IncludeData {
			if err := d.dumpRows(ctx, tx, asm, def); err != nil {
				return err
			}
			result.Rows += asm.TableRows()
		}
		log.WithField("rows", asm.TableRows()).Debug("Table dumped")
	}

	return asm.WriteFooter()
}

// dumpRows streams the rows of def into the assembler. The query runs
// detached from ctx; cancellation is checked between rows and always closes
// the open INSERT first.
func (d *Dumper) dumpRows(ctx context.Context, q Querier, asm *Assembler, def *SchemaDefinition) error {
	table := string(def.Table)

	rows, err := q.QueryContext(context.WithoutCancel(ctx), selectRowsQuery(def))
	if err != nil {
		return apperrors.NewDumpError(apperrors.ErrSchemaFetch, table, fmt.Errorf("select rows: %w", err))
	}
	defer rows.Close()

	values := make(Row, len(def.Columns))
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			asm.EndData()
			return fmt.Errorf("dump cancelled in table %s: %w", table, err)
		}
		if err := rows.Scan(ptrs...); err != nil {
			return apperrors.NewDumpError(apperrors.ErrSerialization, table, fmt.Errorf("scan row: %w", err))
		}
		fragment, err := SerializeRow(def.Columns, values)
		if err != nil {
			return withTable(err, table)
		}
		if err := asm.WriteRow(fragment); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.NewDumpError(apperrors.ErrSchemaFetch, table, fmt.Errorf("read rows: %w", err))
	}

	return asm.EndData()
}

func selectRowsQuery(def *SchemaDefinition) string {
	cols := make([]string, len(def.Columns))
	for i, c := range def.Columns {
		cols[i] = c.Quoted()
	}
	query := "SELECT " + strings.Join(cols, ", ") + " FROM " + def.Table.Quoted()
	if len(def.PrimaryKey) > 0 {
		keys := make([]string, len(def.PrimaryKey))
		for i, k := range def.PrimaryKey {
			keys[i] = quoteIdentifier(k)
		}
		query += " ORDER BY " + strings.Join(keys, ", ")
	}
	return query
}

func withTable(err error, table string) error {
	var dumpErr *apperrors.DumpError
	if errors.As(err, &dumpErr) && dumpErr.Table == "" {
		dumpErr.Table = table
	}
	return err
}
