package dump

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

const (
	ToolName = "sqlscript-backups"
	Version  = "1.0.0"

	// CompletionMarker is the last line of every finished script. A script
	// without it was truncated or interrupted.
	CompletionMarker = "-- End of database backup process"

	headerTitle          = "-- Database Backup Manager"
	tableStructurePrefix = "-- Table structure for table "
	headerTimeLayout     = "2006-01-02 15:04:05"
)

type Header struct {
	GeneratedAt   time.Time
	ServerVersion string
	Database      string
}

// Assembler writes a script forward only. Row separators are emitted before
// the following row, so a batched INSERT never needs its tail trimmed.
//
// The first write error is latched; every later call is a no-op returning it.
type Assembler struct {
	w         *bufio.Writer
	batchSize int
	maxBytes  int
	err       error
	written   int64

	table      *SchemaDefinition
	columnList string
	inInsert   bool
	stmtRows   int
	stmtBytes  int
	tableRows  int64
}

func NewAssembler(w io.Writer, batchSize, maxStatementBytes int) *Assembler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxStatementBytes <= 0 {
		maxStatementBytes = DefaultMaxStatementBytes
	}
	return &Assembler{
		w:         bufio.NewWriterSize(w, 64*1024),
		batchSize: batchSize,
		maxBytes:  maxStatementBytes,
	}
}

func (a *Assembler) WriteHeader(h Header) error {
	a.write(headerTitle + "\n")
	a.write(fmt.Sprintf("-- Generator: %s %s\n", ToolName, Version))
	a.write("--\n")
	a.write(fmt.Sprintf("-- Generated on: %s\n", h.GeneratedAt.Format(headerTimeLayout)))
	a.write(fmt.Sprintf("-- Server version: %s\n", oneLine(h.ServerVersion)))
	a.write(fmt.Sprintf("-- Database: %s\n\n", oneLine(h.Database)))
	return a.err
}

// WriteSchema writes the structure block of def and makes it the current
// table for subsequent rows.
func (a *Assembler) WriteSchema(def *SchemaDefinition) error {
	if a.inInsert {
		a.EndData()
	}
	a.table = def
	a.columnList = columnList(def.Columns)
	a.tableRows = 0
	a.stmtRows = 0
	a.stmtBytes = 0

	a.write("--\n")
	a.write(tableStructurePrefix + def.Table.Quoted() + "\n")
	a.write("--\n\n")
	a.write(def.CreateStatement + "\n\n")
	return a.err
}

// WriteRow appends a serialized value list to the current table's data block.
func (a *Assembler) WriteRow(fragment string) error {
	if a.err != nil {
		return a.err
	}
	if a.table == nil {
		a.err = apperrors.NewDumpError(apperrors.ErrWrite, "", fmt.Errorf("row written before table schema"))
		return a.err
	}

	if a.inInsert && (a.stmtRows >= a.batchSize || a.stmtBytes+2+len(fragment) > a.maxBytes) {
		a.write(";\n")
		a.inInsert = false
	}

	if !a.inInsert {
		if a.tableRows == 0 {
			a.write("--\n")
			a.write("-- Dumping data for table " + a.table.Table.Quoted() + "\n")
			a.write("--\n\n")
		}
		prefix := "INSERT INTO " + a.table.Table.Quoted() + " (" + a.columnList + ") VALUES\n"
		a.write(prefix)
		a.inInsert = true
		a.stmtRows = 0
		a.stmtBytes = len(prefix)
	} else {
		a.write(",\n")
		a.stmtBytes += 2
	}

	a.write(fragment)
	a.stmtRows++
	a.stmtBytes += len(fragment)
	a.tableRows++
	return a.err
}

// EndData closes the open INSERT, or writes the no-data marker if the current
// table produced no rows.
func (a *Assembler) EndData() error {
	if a.table == nil {
		return a.err
	}
	if a.inInsert {
		a.write(";\n\n")
		a.inInsert = false
	} else if a.tableRows == 0 {
		a.write("--\n")
		a.write("-- No data found for table " + a.table.Table.Quoted() + "\n")
		a.write("--\n\n")
	}
	return a.err
}

func (a *Assembler) WriteFooter() error {
	if a.inInsert {
		a.EndData()
	}
	a.write(CompletionMarker + "\n")
	return a.Flush()
}

func (a *Assembler) Flush() error {
	if a.err != nil {
		return a.err
	}
	if err := a.w.Flush(); err != nil {
		a.err = apperrors.NewDumpError(apperrors.ErrWrite, a.currentTable(), err)
	}
	return a.err
}

// TableRows is the number of rows written for the current table.
func (a *Assembler) TableRows() int64 {
	return a.tableRows
}

// BytesWritten counts bytes handed to the buffered writer.
func (a *Assembler) BytesWritten() int64 {
	return a.written
}

func (a *Assembler) Err() error {
	return a.err
}

func (a *Assembler) write(s string) {
	if a.err != nil {
		return
	}
	n, err := a.w.WriteString(s)
	a.written += int64(n)
	if err != nil {
		a.err = apperrors.NewDumpError(apperrors.ErrWrite, a.currentTable(), err)
	}
}

func (a *Assembler) currentTable() string {
	if a.table == nil {
		return ""
	}
	return string(a.table.Table)
}

func columnList(columns []Column) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = c.Quoted()
	}
	return strings.Join(quoted, ", ")
}

func oneLine(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
