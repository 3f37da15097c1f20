package dump

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

// ER_NO_SUCH_TABLE
const mysqlNoSuchTable = 1146

// ErrTableVanished is reported when a table listed by the enumerator no longer
// exists by the time its schema is read.
var ErrTableVanished = errors.New("table no longer exists")

// ValueKind decides how the serializer writes a column's values.
type ValueKind int

const (
	KindText ValueKind = iota
	KindNumeric
	KindBinary
)

func (k ValueKind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindBinary:
		return "binary"
	default:
		return "text"
	}
}

type Column struct {
	Name     string
	DataType string
	Kind     ValueKind
}

func (c Column) Quoted() string {
	return quoteIdentifier(c.Name)
}

// SchemaDefinition is captured once per dump run and not modified afterwards.
type SchemaDefinition struct {
	Table           TableName
	CreateStatement string
	Columns         []Column
	// PrimaryKey orders the row select so repeated dumps are identical. It
	// may name generated columns that are not in Columns.
	PrimaryKey []string
}

const columnsQuery = "SELECT COLUMN_NAME, DATA_TYPE, EXTRA, COLUMN_KEY FROM information_schema.COLUMNS " +
	"WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION"

// FetchSchema reads the creation statement and insertable columns of table.
//
// SHOW CREATE TABLE is not covered by the InnoDB read snapshot, so a table
// dropped or altered concurrently can still be observed here. Such a race is
// surfaced as ErrSchemaFetch rather than skipped.
func FetchSchema(ctx context.Context, q Querier, table TableName) (*SchemaDefinition, error) {
	var returned, createStmt string
	err := q.QueryRowContext(ctx, "SHOW CREATE TABLE "+table.Quoted()).Scan(&returned, &createStmt)
	if err != nil {
		return nil, apperrors.NewDumpError(apperrors.ErrSchemaFetch, string(table), classifySchemaError(err))
	}
	if returned != string(table) {
		return nil, apperrors.NewDumpError(apperrors.ErrSchemaFetch, string(table),
			fmt.Errorf("server returned definition for %q", returned))
	}

	columns, primaryKey, err := fetchColumns(ctx, q, table)
	if err != nil {
		return nil, apperrors.NewDumpError(apperrors.ErrSchemaFetch, string(table), classifySchemaError(err))
	}

	return &SchemaDefinition{
		Table:           table,
		CreateStatement: terminate(createStmt),
		Columns:         columns,
		PrimaryKey:      primaryKey,
	}, nil
}

func fetchColumns(ctx context.Context, q Querier, table TableName) ([]Column, []string, error) {
	rows, err := q.QueryContext(ctx, columnsQuery, string(table))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		columns    []Column
		primaryKey []string
	)
	for rows.Next() {
		var name, dataType, extra, key string
		if err := rows.Scan(&name, &dataType, &extra, &key); err != nil {
			return nil, nil, err
		}
		if strings.EqualFold(key, "PRI") {
			primaryKey = append(primaryKey, name)
		}
		// Generated columns reject explicit values on INSERT.
		if strings.Contains(strings.ToUpper(extra), "GENERATED") {
			continue
		}
		columns = append(columns, Column{
			Name:     name,
			DataType: strings.ToLower(dataType),
			Kind:     kindOf(dataType),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(columns) == 0 {
		return nil, nil, ErrTableVanished
	}
	return columns, primaryKey, nil
}

func classifySchemaError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrTableVanished, err)
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlNoSuchTable {
		return fmt.Errorf("%w: %v", ErrTableVanished, err)
	}
	return err
}

func kindOf(dataType string) ValueKind {
	switch strings.ToLower(dataType) {
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint",
		"decimal", "numeric", "float", "double", "real", "year":
		return KindNumeric
	case "binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob", "bit",
		"geometry", "point", "linestring", "polygon", "multipoint", "multilinestring",
		"multipolygon", "geometrycollection", "geomcollection":
		return KindBinary
	default:
		return KindText
	}
}

func terminate(stmt string) string {
	stmt = strings.TrimRight(stmt, " \t\r\n;")
	return stmt + ";"
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
