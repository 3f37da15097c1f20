package dump

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

const (
	disableForeignKeyChecks = "SET FOREIGN_KEY_CHECKS = 0"
	enableForeignKeyChecks  = "SET FOREIGN_KEY_CHECKS = 1"

	readSessionSettings = "SELECT @@SESSION.time_zone, @@SESSION.sql_mode"
	setSessionTimeZone  = "SET SESSION time_zone = ?"
	setSessionSQLMode   = "SET SESSION sql_mode = ?"

	// Temporal literals are written and read back in UTC.
	scriptTimeZone = "+00:00"

	restoreChecksTimeout = 30 * time.Second
)

// GuardConn is the part of *sql.Conn the guard needs.
type GuardConn interface {
	Execer
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Guard owns the session state of a pinned connection: the foreign key check
// flag, the time zone and sql_mode, and transaction boundaries. Nothing else
// in the engine touches any of them.
type Guard struct {
	conn GuardConn
	log  logrus.FieldLogger

	// TransactionalDDL is false for MySQL: CREATE and DROP commit implicitly,
	// so only DML is covered by rollback.
	TransactionalDDL bool
}

func NewGuard(conn GuardConn, log logrus.FieldLogger) *Guard {
	return &Guard{conn: conn, log: log}
}

// SuspendConstraints disables foreign key checks for the duration of fn and
// re-enables them on every exit path, including panics and cancellation of
// ctx. A failure to re-enable is joined to fn's error.
func (g *Guard) SuspendConstraints(ctx context.Context, fn func() error) (err error) {
	if _, err := g.conn.ExecContext(ctx, disableForeignKeyChecks); err != nil {
		return apperrors.NewIntegrityStateError("disable", err)
	}
	g.log.Debug("Foreign key checks disabled")

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreChecksTimeout)
		defer cancel()

		if _, rerr := g.conn.ExecContext(rctx, enableForeignKeyChecks); rerr != nil {
			g.log.WithError(rerr).Error("Failed to re-enable foreign key checks")
			err = errors.Join(err, apperrors.NewIntegrityStateError("restore", rerr))
			return
		}
		g.log.Debug("Foreign key checks restored")
	}()

	return fn()
}

type sessionSetting struct {
	name     string
	stmt     string
	original string
	pinned   string
}

// PinSession runs fn with the session time zone set to UTC. With replay set
// the sql_mode is also adjusted for executing a script: NO_AUTO_VALUE_ON_ZERO
// keeps explicit zero ids and NO_BACKSLASH_ESCAPES is cleared so quoted
// literals decode as written. Every changed variable is set back to its
// previous value on exit, and a failure to do so is joined to fn's error.
func (g *Guard) PinSession(ctx context.Context, replay bool, fn func() error) (err error) {
	var timeZone, sqlMode string
	if err := g.conn.QueryRowContext(ctx, readSessionSettings).Scan(&timeZone, &sqlMode); err != nil {
		return apperrors.NewDumpError(apperrors.ErrConnection, "", fmt.Errorf("read session settings: %w", err))
	}

	settings := []sessionSetting{
		{name: "time_zone", stmt: setSessionTimeZone, original: timeZone, pinned: scriptTimeZone},
		{name: "sql_mode", stmt: setSessionSQLMode, original: sqlMode, pinned: sqlMode},
	}
	if replay {
		settings[1].pinned = replaySQLMode(sqlMode)
	}

	var changed []sessionSetting
	defer func() {
		if len(changed) == 0 {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreChecksTimeout)
		defer cancel()

		for _, s := range changed {
			if _, rerr := g.conn.ExecContext(rctx, s.stmt, s.original); rerr != nil {
				g.log.WithError(rerr).WithField("variable", s.name).Error("Failed to restore session variable")
				err = errors.Join(err, apperrors.NewDumpError(apperrors.ErrConnection, "",
					fmt.Errorf("restore session %s: %w", s.name, rerr)))
			}
		}
	}()

	for _, s := range settings {
		if s.pinned == s.original {
			continue
		}
		if _, err := g.conn.ExecContext(ctx, s.stmt, s.pinned); err != nil {
			return apperrors.NewDumpError(apperrors.ErrConnection, "", fmt.Errorf("set session %s: %w", s.name, err))
		}
		changed = append(changed, s)
		g.log.WithField(s.name, s.pinned).Debug("Session variable pinned")
	}

	return fn()
}

// replaySQLMode returns mode with NO_AUTO_VALUE_ON_ZERO added and
// NO_BACKSLASH_ESCAPES removed, keeping the order of the other flags.
func replaySQLMode(mode string) string {
	var flags []string
	hasNoAutoValue := false
	for _, flag := range strings.Split(mode, ",") {
		flag = strings.TrimSpace(flag)
		switch strings.ToUpper(flag) {
		case "", "NO_BACKSLASH_ESCAPES":
			continue
		case "NO_AUTO_VALUE_ON_ZERO":
			hasNoAutoValue = true
		}
		flags = append(flags, flag)
	}
	if !hasNoAutoValue {
		flags = append(flags, "NO_AUTO_VALUE_ON_ZERO")
	}
	return strings.Join(flags, ",")
}

// WithinTransaction runs fn in a transaction, committing only if fn returns
// nil. The transaction is begun detached from ctx cancellation; callers check
// ctx between statements so a cancel never interrupts one midway.
func (g *Guard) WithinTransaction(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) (err error) {
	tx, err := g.conn.BeginTx(context.WithoutCancel(ctx), opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	done := false
	defer func() {
		if done {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	done = true
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isRestoreFailure reports whether err says the checks could not be turned
// back on.
func isRestoreFailure(err error) bool {
	var integrityErr *apperrors.IntegrityStateError
	return errors.As(err, &integrityErr) && integrityErr.Operation == "restore"
}
