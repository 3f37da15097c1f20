package dump

import (
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

const timestampLayout = "2006-01-02 15:04:05.999999"

// Row holds one record's values in SchemaDefinition.Columns order. A nil entry
// is SQL NULL.
type Row []any

var numericLiteral = regexp.MustCompile(`^[-+]?(?:[0-9]+(?:\.[0-9]*)?|\.[0-9]+)(?:[eE][-+]?[0-9]+)?$`)

// SerializeRow renders row as a value list such as (1, 'a', NULL).
func SerializeRow(columns []Column, row Row) (string, error) {
	if len(columns) != len(row) {
		return "", apperrors.NewDumpError(apperrors.ErrSerialization, "",
			fmt.Errorf("row has %d values for %d columns", len(row), len(columns)))
	}

	var sb strings.Builder
	sb.WriteByte('(')
	for i, v := range row {
		if i > 0 {
			sb.WriteString(", ")
		}
		literal, err := SerializeValue(columns[i], v)
		if err != nil {
			return "", err
		}
		sb.WriteString(literal)
	}
	sb.WriteByte(')')

	return sb.String(), nil
}

// SerializeValue renders a single value as a MySQL literal that reads back as
// the same value.
func SerializeValue(col Column, v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "NULL", nil
	case []byte:
		return serializeBytes(col, val)
	case string:
		return serializeBytes(col, []byte(val))
	case int64:
		return strconv.FormatInt(val, 10), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case int:
		return strconv.Itoa(val), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(val), 10), nil
	case float64:
		return serializeFloat(col, val, 64)
	case float32:
		return serializeFloat(col, float64(val), 32)
	case bool:
		if val {
			return "1", nil
		}
		return "0", nil
	case time.Time:
		return Quote(val.Format(timestampLayout)), nil
	default:
		return "", serializationError(col, fmt.Errorf("unsupported value type %T", v))
	}
}

func serializeBytes(col Column, b []byte) (string, error) {
	switch col.Kind {
	case KindBinary:
		if len(b) == 0 {
			return "''", nil
		}
		return "0x" + strings.ToUpper(hex.EncodeToString(b)), nil
	case KindNumeric:
		if !numericLiteral.Match(b) {
			return "", serializationError(col, fmt.Errorf("%q is not a numeric literal", b))
		}
		return string(b), nil
	default:
		return Quote(string(b)), nil
	}
}

func serializeFloat(col Column, f float64, bits int) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", serializationError(col, fmt.Errorf("non-finite float %v", f))
	}
	return strconv.FormatFloat(f, 'g', -1, bits), nil
}

func serializationError(col Column, err error) error {
	return apperrors.NewDumpError(apperrors.ErrSerialization, "", fmt.Errorf("column %s: %w", col.Quoted(), err))
}

// Quote wraps s in single quotes using MySQL backslash escaping.
func Quote(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteByte('\'')
	writeEscaped(&sb, s)
	sb.WriteByte('\'')
	return sb.String()
}

func writeEscaped(sb *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		var escape byte
		switch c {
		case 0:
			escape = '0'
		case '\n':
			escape = 'n'
		case '\r':
			escape = 'r'
		case '\\':
			escape = '\\'
		case '\'':
			escape = '\''
		case '"':
			escape = '"'
		case '\032':
			escape = 'Z'
		}
		if escape != 0 {
			sb.WriteByte('\\')
			sb.WriteByte(escape)
		} else {
			sb.WriteByte(c)
		}
	}
}

// Unquote reverses Quote. It is used to verify round trips of dumped literals.
func Unquote(literal string) (string, error) {
	if len(literal) < 2 || literal[0] != '\'' || literal[len(literal)-1] != '\'' {
		return "", fmt.Errorf("not a quoted literal: %q", literal)
	}
	body := literal[1 : len(literal)-1]

	var sb strings.Builder
	sb.Grow(len(body))
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\':
			i++
			if i == len(body) {
				return "", fmt.Errorf("dangling escape in %q", literal)
			}
			sb.WriteByte(unescape(body[i]))
		case c == '\'':
			if i+1 == len(body) || body[i+1] != '\'' {
				return "", fmt.Errorf("unescaped quote in %q", literal)
			}
			sb.WriteByte('\'')
			i++
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}

func unescape(c byte) byte {
	switch c {
	case '0':
		return 0
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 'Z':
		return '\032'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	default:
		return c
	}
}
