// Package database opens MySQL sessions for the dump engine.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/jorgepascosoto/sqlscript-backups/internal/config"
	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

const (
	dialTimeout  = 10 * time.Second
	readTimeout  = 5 * time.Minute
	writeTimeout = 5 * time.Minute
	pingTimeout  = 15 * time.Second

	defaultCollation = "utf8mb4_general_ci"
)

// Config converts a configured database into a driver config. Values are read
// back as []byte so the serializer sees the server's own text form.
func Config(db *config.DatabaseConfig) *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = db.User
	cfg.Passwd = db.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(db.Host, strconv.Itoa(db.Port))
	cfg.DBName = db.Name
	cfg.Timeout = dialTimeout
	cfg.ReadTimeout = readTimeout
	cfg.WriteTimeout = writeTimeout
	cfg.ParseTime = false
	cfg.MultiStatements = false
	cfg.Collation = defaultCollation
	for key, value := range db.Params {
		switch key {
		case "tls":
			cfg.TLSConfig = value
		case "collation":
			cfg.Collation = value
		default:
			if cfg.Params == nil {
				cfg.Params = make(map[string]string)
			}
			cfg.Params[key] = value
		}
	}
	return cfg
}

// DSN is the driver connection string for db.
func DSN(db *config.DatabaseConfig) string {
	return Config(db).FormatDSN()
}

// Open returns a pool for db after verifying the server is reachable.
func Open(ctx context.Context, db *config.DatabaseConfig) (*sql.DB, error) {
	connector, err := mysql.NewConnector(Config(db))
	if err != nil {
		return nil, apperrors.NewDumpError(apperrors.ErrConnection, "", fmt.Errorf("database %s: %w", db.Name, err))
	}

	pool := sql.OpenDB(connector)
	// Each dump or restore pins one session; a second covers metadata checks.
	pool.SetMaxOpenConns(2)
	pool.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, apperrors.NewDumpError(apperrors.ErrConnection, "", fmt.Errorf("database %s at %s: %w", db.Name, net.JoinHostPort(db.Host, strconv.Itoa(db.Port)), err))
	}

	return pool, nil
}
