package backup

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jorgepascosoto/sqlscript-backups/internal/config"
	"github.com/jorgepascosoto/sqlscript-backups/internal/dump"
)

func NewExporter(db *config.DatabaseConfig, conn dump.Connector, opts dump.Options, log logrus.FieldLogger) (Exporter, error) {
	switch db.Type {
	case config.DatabaseTypeMySQL, config.DatabaseTypeMariaDB:
		return NewMySQLExporter(db, conn, opts, log), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", db.Type)
	}
}
