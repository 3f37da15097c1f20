package dump

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var tableMarker = regexp.MustCompile("^" + regexp.QuoteMeta(tableStructurePrefix) + "`([^`]+)`$")

// Statement is one replayable unit of a script.
type Statement struct {
	Text string
	Line int
}

// Script is a fully parsed dump.
type Script struct {
	Statements []Statement
	Tables     []TableName
	Complete   bool
}

type scanState int

const (
	stateNormal scanState = iota
	stateSingleQuote
	stateDoubleQuote
	stateBacktick
	stateBlockComment
)

// Scanner splits a script into statements. It tracks quoting so a ';' inside
// a string literal, quoted identifier or block comment never ends a statement.
// Line comments are stripped from the statement text and inspected for table
// markers and the completion marker.
type Scanner struct {
	r        *bufio.Reader
	line     int
	tables   []TableName
	seen     map[TableName]bool
	complete bool
	err      error
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{
		r:    bufio.NewReaderSize(r, 64*1024),
		line: 1,
		seen: make(map[TableName]bool),
	}
}

// Next returns the next non-empty statement, or io.EOF once the script is
// exhausted.
func (s *Scanner) Next() (Statement, error) {
	if s.err != nil {
		return Statement{}, s.err
	}

	var buf bytes.Buffer
	state := stateNormal
	startLine := 0

	emit := func() (Statement, bool) {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			startLine = 0
			return Statement{}, false
		}
		s.complete = false
		return Statement{Text: text, Line: startLine}, true
	}

	for {
		c, err := s.r.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = err
				return Statement{}, err
			}
			if state != stateNormal {
				s.err = fmt.Errorf("unterminated %s starting at line %d", state, startLine)
				return Statement{}, s.err
			}
			s.err = io.EOF
			if stmt, ok := emit(); ok {
				return stmt, nil
			}
			return Statement{}, io.EOF
		}

		if startLine == 0 && !isSpace(c) && !s.startsComment(c, state) {
			startLine = s.line
		}

		switch state {
		case stateNormal:
			switch c {
			case ';':
				if stmt, ok := emit(); ok {
					return stmt, nil
				}
				continue
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			case '`':
				state = stateBacktick
			case '-':
				if s.dashComment() {
					if err := s.lineComment("-"); err != nil {
						return Statement{}, err
					}
					buf.WriteByte('\n')
					continue
				}
			case '#':
				if err := s.lineComment("#"); err != nil {
					return Statement{}, err
				}
				buf.WriteByte('\n')
				continue
			case '/':
				if next, _ := s.r.Peek(1); len(next) == 1 && next[0] == '*' {
					state = stateBlockComment
					buf.WriteByte(c)
					c, _ = s.r.ReadByte()
				}
			}
		case stateSingleQuote, stateDoubleQuote:
			quote := byte('\'')
			if state == stateDoubleQuote {
				quote = '"'
			}
			if c == '\\' {
				buf.WriteByte(c)
				escaped, err := s.r.ReadByte()
				if err != nil {
					continue
				}
				c = escaped
			} else if c == quote {
				state = stateNormal
			}
		case stateBacktick:
			if c == '`' {
				state = stateNormal
			}
		case stateBlockComment:
			if c == '*' {
				if next, _ := s.r.Peek(1); len(next) == 1 && next[0] == '/' {
					buf.WriteByte(c)
					c, _ = s.r.ReadByte()
					state = stateNormal
				}
			}
		}

		if c == '\n' {
			s.line++
		}
		buf.WriteByte(c)
	}
}

// Tables lists the table names recovered from structure markers so far, in
// script order.
func (s *Scanner) Tables() []TableName {
	return s.tables
}

// Complete reports whether the completion marker was the last thing seen.
func (s *Scanner) Complete() bool {
	return s.complete
}

// dashComment reports whether the '-' just read starts a "-- " comment. MySQL
// requires whitespace (or end of input) after the second dash.
func (s *Scanner) dashComment() bool {
	next, _ := s.r.Peek(2)
	if len(next) == 0 || next[0] != '-' {
		return false
	}
	return len(next) == 1 || isSpace(next[1])
}

func (s *Scanner) startsComment(c byte, state scanState) bool {
	if state != stateNormal {
		return false
	}
	switch c {
	case '#':
		return true
	case '-':
		return s.dashComment()
	}
	return false
}

// lineComment consumes the rest of a comment line. prefix is the byte already
// read.
func (s *Scanner) lineComment(prefix string) error {
	rest, err := s.r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
		return err
	}
	if strings.HasSuffix(rest, "\n") {
		s.line++
	}
	text := strings.TrimRight(prefix+rest, "\r\n")

	if text == CompletionMarker {
		s.complete = true
		return nil
	}
	if m := tableMarker.FindStringSubmatch(text); m != nil {
		table, err := ParseTableName(m[1])
		if err != nil {
			s.err = fmt.Errorf("line %d: %w", s.line-1, err)
			return s.err
		}
		if !s.seen[table] {
			s.seen[table] = true
			s.tables = append(s.tables, table)
		}
	}
	return nil
}

func (st scanState) String() string {
	switch st {
	case stateSingleQuote:
		return "string literal"
	case stateDoubleQuote:
		return "double-quoted string"
	case stateBacktick:
		return "quoted identifier"
	case stateBlockComment:
		return "block comment"
	default:
		return "statement"
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

// ParseScript reads a whole script into memory.
func ParseScript(r io.Reader) (*Script, error) {
	scanner := NewScanner(r)
	script := &Script{}
	for {
		stmt, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse script: %w", err)
		}
		script.Statements = append(script.Statements, stmt)
	}
	script.Tables = scanner.Tables()
	script.Complete = scanner.Complete()
	return script, nil
}
