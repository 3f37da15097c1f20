package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Level names accepted from configuration.
const (
	LevelQuiet   = "quiet"
	LevelNormal  = "normal"
	LevelVerbose = "verbose"
	LevelDebug   = "debug"
)

type Config struct {
	Level  string
	Format string // "text" or "json"
	Output io.Writer
}

// New builds a logrus logger from cfg. Unknown levels fall back to normal.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	if cfg.Output != nil {
		logger.SetOutput(cfg.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	logger.SetLevel(ParseLevel(cfg.Level))

	return logger
}

func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case LevelQuiet:
		return logrus.ErrorLevel
	case LevelVerbose:
		return logrus.DebugLevel
	case LevelDebug:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// Discard returns a logger that drops everything, for tests and library callers
// that did not supply one.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Excerpt shortens SQL for log fields.
func Excerpt(sql string) string {
	sql = strings.TrimSpace(sql)
	if len(sql) > 120 {
		return sql[:120] + "..."
	}
	return sql
}
