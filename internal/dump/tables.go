package dump

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

const maxIdentifierLength = 64

var ErrInvalidTableName = errors.New("invalid table name")

// TableName is an identifier that can always be wrapped in backticks without
// escaping.
type TableName string

func ParseTableName(name string) (TableName, error) {
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidTableName)
	case len(name) > maxIdentifierLength:
		return "", fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidTableName, name, maxIdentifierLength)
	case strings.ContainsAny(name, "`\x00\r\n"):
		return "", fmt.Errorf("%w: %q contains a backtick, NUL or line break", ErrInvalidTableName, name)
	}
	return TableName(name), nil
}

func (t TableName) String() string {
	return string(t)
}

func (t TableName) Quoted() string {
	return "`" + string(t) + "`"
}

const listTablesQuery = "SELECT TABLE_NAME FROM information_schema.TABLES " +
	"WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME"

// ListTables returns the tables to dump. An explicit filter is used as given,
// in its own order; otherwise every base table of the current schema is listed
// alphabetically. Duplicates are dropped, keeping the first occurrence.
func ListTables(ctx context.Context, q Querier, filter []string) ([]TableName, error) {
	names := filter
	if len(names) == 0 {
		listed, err := queryTableNames(ctx, q)
		if err != nil {
			return nil, apperrors.NewDumpError(apperrors.ErrEnumeration, "", err)
		}
		names = listed
	}

	seen := make(map[TableName]bool, len(names))
	tables := make([]TableName, 0, len(names))
	for _, name := range names {
		table, err := ParseTableName(name)
		if err != nil {
			return nil, apperrors.NewDumpError(apperrors.ErrEnumeration, name, err)
		}
		if seen[table] {
			continue
		}
		seen[table] = true
		tables = append(tables, table)
	}

	return tables, nil
}

func queryTableNames(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, listTablesQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
