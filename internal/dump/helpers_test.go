package dump

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/jorgepascosoto/sqlscript-backups/internal/logging"
)

var fixedNow = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

// newMock returns a sqlmock database that matches SQL text exactly (after
// whitespace normalisation).
func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db, mock
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Now = func() time.Time { return fixedNow }
	return opts
}

var discard = logging.Discard()

// serverSQLMode is the MySQL 8 default sql_mode.
const serverSQLMode = "ONLY_FULL_GROUP_BY,STRICT_TRANS_TABLES,NO_ZERO_IN_DATE,NO_ZERO_DATE," +
	"ERROR_FOR_DIVISION_BY_ZERO,NO_ENGINE_SUBSTITUTION"

// expectSessionPinned registers the session reads and writes made before a
// dump (replay false) or restore (replay true) on a server running in its
// SYSTEM time zone with the default sql_mode.
func expectSessionPinned(mock sqlmock.Sqlmock, replay bool) {
	mock.ExpectQuery(readSessionSettings).
		WillReturnRows(sqlmock.NewRows([]string{"@@SESSION.time_zone", "@@SESSION.sql_mode"}).AddRow("SYSTEM", serverSQLMode))
	mock.ExpectExec(setSessionTimeZone).WithArgs(scriptTimeZone).WillReturnResult(sqlmock.NewResult(0, 0))
	if replay {
		mock.ExpectExec(setSessionSQLMode).WithArgs(serverSQLMode + ",NO_AUTO_VALUE_ON_ZERO").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

// expectSessionReleased registers the statements that put back the values
// read by expectSessionPinned.
func expectSessionReleased(mock sqlmock.Sqlmock, replay bool) {
	mock.ExpectExec(setSessionTimeZone).WithArgs("SYSTEM").WillReturnResult(sqlmock.NewResult(0, 0))
	if replay {
		mock.ExpectExec(setSessionSQLMode).WithArgs(serverSQLMode).WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

// literal is a decoded value from a serialized value list.
type literal struct {
	null    bool
	text    string
	binary  []byte
	numeric string
}

// parseValueList decodes "(v1, v2, ...)" produced by SerializeRow.
func parseValueList(fragment string) ([]literal, error) {
	if !strings.HasPrefix(fragment, "(") || !strings.HasSuffix(fragment, ")") {
		return nil, fmt.Errorf("not a value list: %q", fragment)
	}
	s := fragment[1 : len(fragment)-1]

	var values []literal
	for i := 0; i < len(s); {
		switch {
		case s[i] == ' ' || s[i] == ',':
			i++
		case strings.HasPrefix(s[i:], "NULL"):
			values = append(values, literal{null: true})
			i += 4
		case s[i] == '\'':
			end := i + 1
			for ; end < len(s); end++ {
				if s[end] == '\\' {
					end++
					continue
				}
				if s[end] == '\'' {
					break
				}
			}
			if end >= len(s) {
				return nil, fmt.Errorf("unterminated literal in %q", fragment)
			}
			text, err := Unquote(s[i : end+1])
			if err != nil {
				return nil, err
			}
			values = append(values, literal{text: text})
			i = end + 1
		case strings.HasPrefix(s[i:], "0x"):
			end := i + 2
			for end < len(s) && s[end] != ',' {
				end++
			}
			b, err := hex.DecodeString(s[i+2 : end])
			if err != nil {
				return nil, err
			}
			values = append(values, literal{binary: b})
			i = end
		default:
			end := i
			for end < len(s) && s[end] != ',' {
				end++
			}
			values = append(values, literal{numeric: s[i:end]})
			i = end
		}
	}
	return values, nil
}
