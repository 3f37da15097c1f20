package dump

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

var (
	textCol    = Column{Name: "name", DataType: "varchar", Kind: KindText}
	numericCol = Column{Name: "amount", DataType: "decimal", Kind: KindNumeric}
	binaryCol  = Column{Name: "payload", DataType: "blob", Kind: KindBinary}
)

func TestSerializeValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		col      Column
		value    any
		expected string
	}{
		{"null", textCol, nil, "NULL"},
		{"empty string", textCol, "", "''"},
		{"plain text", textCol, []byte("Alice"), "'Alice'"},
		{"single quote", textCol, "O'Brien", `'O\'Brien'`},
		{"injection attempt", textCol, "'; DROP TABLE x; --", `'\'; DROP TABLE x; --'`},
		{"backslash", textCol, `C:\temp\`, `'C:\\temp\\'`},
		{"control bytes", textCol, "a\x00b\nc\rd\x1a", `'a\0b\nc\rd\Z'`},
		{"double quote", textCol, `say "hi"`, `'say \"hi\"'`},
		{"unicode", textCol, "naïve 日本 🙂", "'naïve 日本 🙂'"},
		{"numeric text", numericCol, []byte("-12.50"), "-12.50"},
		{"numeric exponent", numericCol, "1e10", "1e10"},
		{"int64", numericCol, int64(-42), "-42"},
		{"uint64", numericCol, uint64(math.MaxUint64), "18446744073709551615"},
		{"float64", numericCol, 3.25, "3.25"},
		{"bool", numericCol, true, "1"},
		{"binary", binaryCol, []byte{0x00, 0xff, 0x27}, "0x00FF27"},
		{"empty binary", binaryCol, []byte{}, "''"},
		{"time", textCol, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "'2024-01-02 03:04:05'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := SerializeValue(tt.col, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSerializeValue_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		col   Column
		value any
	}{
		{"numeric column with text", numericCol, "12; DROP TABLE x"},
		{"nan", numericCol, math.NaN()},
		{"infinity", numericCol, math.Inf(1)},
		{"unsupported type", textCol, struct{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := SerializeValue(tt.col, tt.value)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrSerialization))
			assert.Contains(t, err.Error(), tt.col.Quoted())
		})
	}
}

func TestSerializeRow(t *testing.T) {
	t.Parallel()

	columns := []Column{{Name: "id", Kind: KindNumeric}, textCol, binaryCol}

	got, err := SerializeRow(columns, Row{int64(7), "it's", nil})
	require.NoError(t, err)
	assert.Equal(t, `(7, 'it\'s', NULL)`, got)

	_, err = SerializeRow(columns, Row{int64(7)})
	assert.True(t, errors.Is(err, apperrors.ErrSerialization))
}

func TestQuoteUnquote_RoundTrip(t *testing.T) {
	t.Parallel()

	values := []string{
		"",
		"plain",
		"'",
		"''",
		`\`,
		`\'`,
		"'; DROP TABLE x; --",
		";",
		"-- End of database backup process",
		"line1\nline2\r\n",
		"\x00\x1a\t\b",
		"ünïcödé ✓",
		strings.Repeat("a'b\\c", 100),
	}

	for _, v := range values {
		quoted := Quote(v)
		assert.NotContains(t, quoted, "\n", "raw newlines must be escaped")

		got, err := Unquote(quoted)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestUnquote_AcceptsDoubledQuotes(t *testing.T) {
	t.Parallel()

	got, err := Unquote("'it''s'")
	require.NoError(t, err)
	assert.Equal(t, "it's", got)

	_, err = Unquote("'dangling\\'")
	assert.Error(t, err)

	_, err = Unquote("unquoted")
	assert.Error(t, err)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindNumeric, kindOf("BIGINT"))
	assert.Equal(t, KindNumeric, kindOf("decimal"))
	assert.Equal(t, KindBinary, kindOf("varbinary"))
	assert.Equal(t, KindBinary, kindOf("longblob"))
	assert.Equal(t, KindText, kindOf("json"))
	assert.Equal(t, KindText, kindOf("datetime"))
	assert.Equal(t, "binary", KindBinary.String())
}
