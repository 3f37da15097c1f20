package dump

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

func statementTexts(script *Script) []string {
	texts := make([]string, len(script.Statements))
	for i, stmt := range script.Statements {
		texts[i] = stmt.Text
	}
	return texts
}

func TestParseScript_SplitsOnUnquotedSemicolons(t *testing.T) {
	t.Parallel()

	input := "INSERT INTO `t` VALUES ('a;b'), (\"c;d\");\n" +
		"INSERT INTO `we;ird` VALUES ('it\\'s; fine');\n" +
		"INSERT INTO `t` VALUES ('doubled '' quote;');\n" +
		"/*!40101 SET NAMES utf8mb4; */;\n" +
		"SELECT 1"

	script, err := ParseScript(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"INSERT INTO `t` VALUES ('a;b'), (\"c;d\")",
		"INSERT INTO `we;ird` VALUES ('it\\'s; fine')",
		"INSERT INTO `t` VALUES ('doubled '' quote;')",
		"/*!40101 SET NAMES utf8mb4; */",
		"SELECT 1",
	}, statementTexts(script))
	assert.False(t, script.Complete)
}

func TestParseScript_CommentsAndMarkers(t *testing.T) {
	t.Parallel()

	input := "-- Database Backup Manager\n" +
		"--\n" +
		"-- Table structure for table `users`\n" +
		"--\n\n" +
		"CREATE TABLE `users` (`id` int); # trailing hash comment\n" +
		"-- Table structure for table `orders`\n" +
		"CREATE TABLE `orders` (\n  `id` int -- inline comment; not a terminator\n);\n" +
		"-- Table structure for table `users`\n" +
		"SELECT 5--1;\n" +
		"-- End of database backup process\n"

	script, err := ParseScript(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []TableName{"users", "orders"}, script.Tables)
	require.Len(t, script.Statements, 3)
	assert.Equal(t, "CREATE TABLE `users` (`id` int)", script.Statements[0].Text)
	assert.NotContains(t, script.Statements[1].Text, "inline comment")
	assert.True(t, strings.HasSuffix(script.Statements[1].Text, ")"))
	assert.Equal(t, "SELECT 5--1", script.Statements[2].Text)
	assert.True(t, script.Complete)
}

func TestParseScript_LineNumbers(t *testing.T) {
	t.Parallel()

	input := "-- header\n" +
		"CREATE TABLE `a` (id int);\n" +
		"\n" +
		"INSERT INTO `a` VALUES\n(1),\n(2);\n" +
		"INSERT INTO `a` VALUES ('multi\\nline'), ('x');\n"

	script, err := ParseScript(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, script.Statements, 3)
	assert.Equal(t, 2, script.Statements[0].Line)
	assert.Equal(t, 4, script.Statements[1].Line)
	assert.Equal(t, 7, script.Statements[2].Line)
}

func TestParseScript_CompletionMarkerMustBeLast(t *testing.T) {
	t.Parallel()

	input := "-- End of database backup process\nINSERT INTO `t` VALUES (1);\n"

	script, err := ParseScript(strings.NewReader(input))
	require.NoError(t, err)
	assert.False(t, script.Complete)

	script, err = ParseScript(strings.NewReader("SELECT 1;\n-- End of database backup process"))
	require.NoError(t, err)
	assert.True(t, script.Complete)
}

func TestParseScript_MarkerInsideLiteralIsData(t *testing.T) {
	t.Parallel()

	input := "INSERT INTO `t` VALUES ('\n-- End of database backup process\n');\n"

	script, err := ParseScript(strings.NewReader(input))
	require.NoError(t, err)

	require.Len(t, script.Statements, 1)
	assert.False(t, script.Complete)
}

func TestParseScript_UnterminatedLiteral(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"single quote", "INSERT INTO `t` VALUES ('oops);\n"},
		{"backtick", "SELECT `col FROM t;"},
		{"block comment", "/* never closed; SELECT 1;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseScript(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "unterminated")
		})
	}
}

func TestParseScript_InvalidTableMarker(t *testing.T) {
	t.Parallel()

	input := "-- Table structure for table `" + strings.Repeat("x", 65) + "`\nSELECT 1;"

	_, err := ParseScript(strings.NewReader(input))
	assert.True(t, errors.Is(err, ErrInvalidTableName))
}

func TestScanner_Streams(t *testing.T) {
	t.Parallel()

	scanner := NewScanner(strings.NewReader("SELECT 1; SELECT 2;"))

	first, err := scanner.Next()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", first.Text)

	second, err := scanner.Next()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2", second.Text)

	_, err = scanner.Next()
	assert.ErrorIs(t, err, io.EOF)
	_, err = scanner.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	_, err := Validate(strings.NewReader("SELECT 1;\n"))
	assert.ErrorIs(t, err, apperrors.ErrIncompleteScript)

	script, err := Validate(strings.NewReader("SELECT 1;\n" + CompletionMarker + "\n"))
	require.NoError(t, err)
	assert.Len(t, script.Statements, 1)
}

// Values written by the assembler must come back unchanged through the parser.
func TestRoundTrip_AssemblerParser(t *testing.T) {
	t.Parallel()

	values := []any{
		nil,
		"",
		"plain",
		"'; DROP TABLE x; --",
		";",
		"-- Table structure for table `evil`",
		CompletionMarker,
		"/* not a comment */",
		"multi\nline\r\nvalue",
		`trailing backslash \`,
		"\x00\x1a",
		"ünïcödé ✓ 日本",
	}
	def := &SchemaDefinition{
		Table:           "notes",
		CreateStatement: "CREATE TABLE `notes` (`body` text);",
		Columns:         []Column{{Name: "body", DataType: "text", Kind: KindText}},
	}

	var buf bytes.Buffer
	asm := NewAssembler(&buf, 5, DefaultMaxStatementBytes)
	require.NoError(t, asm.WriteHeader(Header{GeneratedAt: fixedNow, Database: "db"}))
	require.NoError(t, asm.WriteSchema(def))
	for _, v := range values {
		fragment, err := SerializeRow(def.Columns, Row{v})
		require.NoError(t, err)
		require.NoError(t, asm.WriteRow(fragment))
	}
	require.NoError(t, asm.WriteFooter())

	script, err := ParseScript(&buf)
	require.NoError(t, err)
	require.True(t, script.Complete)
	assert.Equal(t, []TableName{"notes"}, script.Tables)

	var decoded []literal
	for _, stmt := range script.Statements[1:] {
		_, list, ok := strings.Cut(stmt.Text, "VALUES\n")
		require.True(t, ok, stmt.Text)
		for _, fragment := range strings.Split(list, ",\n") {
			row, err := parseValueList(fragment)
			require.NoError(t, err)
			require.Len(t, row, 1)
			decoded = append(decoded, row[0])
		}
	}

	require.Len(t, decoded, len(values))
	for i, v := range values {
		if v == nil {
			assert.True(t, decoded[i].null, "value %d", i)
			continue
		}
		assert.Equal(t, v, decoded[i].text, "value %d", i)
	}
}
