package dump

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
	"github.com/jorgepascosoto/sqlscript-backups/internal/logging"
)

// State is a step of the restore lifecycle.
type State int

const (
	StateIdle State = iota
	StateDroppingTables
	StateReplaying
	StateCommitted
	StateRolledBack
	StateForeignKeyChecksRestored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDroppingTables:
		return "dropping_tables"
	case StateReplaying:
		return "replaying"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateForeignKeyChecksRestored:
		return "foreign_key_checks_restored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type RestoreResult struct {
	Tables      []TableName
	Dropped     int
	Statements  int
	Transitions []State
	Duration    time.Duration
}

func (r *RestoreResult) transition(s State) {
	r.Transitions = append(r.Transitions, s)
}

// Final is the last state reached.
func (r *RestoreResult) Final() State {
	if len(r.Transitions) == 0 {
		return StateIdle
	}
	return r.Transitions[len(r.Transitions)-1]
}

type Restorer struct {
	db   Connector
	opts Options
	log  logrus.FieldLogger
}

func NewRestorer(db Connector, opts Options, log logrus.FieldLogger) *Restorer {
	return &Restorer{
		db:   db,
		opts: opts.withDefaults(),
		log:  log,
	}
}

// Validate parses a script without touching any database and fails when the
// completion marker is missing.
func Validate(r io.Reader) (*Script, error) {
	script, err := ParseScript(r)
	if err != nil {
		return nil, err
	}
	if !script.Complete {
		return script, apperrors.ErrIncompleteScript
	}
	return script, nil
}

// Restore replays a script. Either every statement is applied and committed
// or the transaction is rolled back; foreign key checks are switched back on
// before Restore returns in both cases. Cancelling ctx between statements is
// handled like a failed statement.
func (r *Restorer) Restore(ctx context.Context, src io.Reader) (*RestoreResult, error) {
	start := time.Now()
	result := &RestoreResult{}
	result.transition(StateIdle)

	script, err := ParseScript(src)
	if err != nil {
		return result, err
	}
	if !script.Complete {
		if !r.opts.AllowIncomplete {
			return result, apperrors.ErrIncompleteScript
		}
		r.log.Warn("Script has no completion marker, restoring anyway")
	}
	result.Tables = script.Tables

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return result, apperrors.NewDumpError(apperrors.ErrConnection, "", err)
	}
	defer conn.Close()

	guard := NewGuard(conn, r.log)
	if !guard.TransactionalDDL && hasDDL(script) {
		r.log.Warn("Server commits DDL implicitly; schema statements cannot be rolled back")
	}

	err = guard.PinSession(ctx, true, func() error {
		return guard.SuspendConstraints(ctx, func() error {
			txErr := guard.WithinTransaction(ctx, nil, func(tx *sql.Tx) error {
				return r.replay(ctx, tx, script, result)
			})
			if txErr != nil {
				result.transition(StateRolledBack)
			} else {
				result.transition(StateCommitted)
			}
			return txErr
		})
	})
	if err != nil && result.Final() != StateRolledBack && result.Final() != StateCommitted {
		// The session could not be prepared; nothing ran.
		result.transition(StateRolledBack)
	}
	if !isRestoreFailure(err) {
		result.transition(StateForeignKeyChecksRestored)
	}
	result.Duration = time.Since(start)

	if err != nil {
		r.log.WithError(err).WithField("statements", result.Statements).Error("Restore rolled back")
		return result, err
	}

	r.log.WithFields(logrus.Fields{
		"tables":     len(result.Tables),
		"statements": result.Statements,
		"duration":   result.Duration.Round(time.Millisecond),
	}).Info("Restore committed")

	return result, nil
}

func (r *Restorer) replay(ctx context.Context, tx *sql.Tx, script *Script, result *RestoreResult) error {
	if r.opts.DropBeforeRestore && len(script.Tables) > 0 {
		result.transition(StateDroppingTables)
		for i, table := range script.Tables {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("restore cancelled while dropping tables: %w", err)
			}
			drop := "DROP TABLE IF EXISTS " + table.Quoted()
			if _, err := tx.ExecContext(context.WithoutCancel(ctx), drop); err != nil {
				return apperrors.NewStatementError(i, 0, drop, err)
			}
			result.Dropped++
		}
		r.log.WithField("tables", result.Dropped).Info("Dropped existing tables")
	}

	result.transition(StateReplaying)
	for i, stmt := range script.Statements {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("restore cancelled before statement %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(context.WithoutCancel(ctx), stmt.Text); err != nil {
			return apperrors.NewStatementError(i, stmt.Line, stmt.Text, err)
		}
		result.Statements++
		r.log.WithField("statement", logging.Excerpt(stmt.Text)).Trace("Statement applied")
	}
	return nil
}

func hasDDL(script *Script) bool {
	for _, stmt := range script.Statements {
		head := strings.ToUpper(firstWord(stmt.Text))
		switch head {
		case "CREATE", "DROP", "ALTER", "RENAME", "TRUNCATE":
			return true
		}
	}
	return false
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t\r\n("); i >= 0 {
		return s[:i]
	}
	return s
}
