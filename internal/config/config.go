package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

type DatabaseType string

const (
	DatabaseTypeMySQL   DatabaseType = "mysql"
	DatabaseTypeMariaDB DatabaseType = "mariadb"
)

// ArchiveFormat selects how a finished script is packaged before upload.
type ArchiveFormat string

const (
	ArchiveNone ArchiveFormat = "none"
	ArchiveZip  ArchiveFormat = "zip"
	ArchiveGzip ArchiveFormat = "gzip"
	ArchiveZstd ArchiveFormat = "zstd"
	ArchiveLZ4  ArchiveFormat = "lz4"
)

const (
	defaultMySQLPort         = 3306
	defaultBatchSize         = 100
	defaultMaxStatementBytes = 1 << 20
	defaultOutputDir         = "backups"
	defaultSMTPPort          = 587
)

// DatabaseJSONEntry represents a single database in the DATABASES_JSON array
type DatabaseJSONEntry struct {
	Connection string   `json:"connection" yaml:"connection"`
	Name       string   `json:"name,omitempty" yaml:"name,omitempty"`
	Prefix     string   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Type       string   `json:"type,omitempty" yaml:"type,omitempty"`
	Tables     []string `json:"tables,omitempty" yaml:"tables,omitempty"`
}

// DatabaseConfig holds settings for a single database to back up
type DatabaseConfig struct {
	Type             DatabaseType
	Host             string
	Port             int
	Name             string
	User             string
	Password         string
	ConnectionString string
	BackupPrefix     string

	// Tables restricts the dump. Empty means every base table.
	Tables []string
	// Params are extra driver parameters from the connection string query,
	// e.g. tls=true.
	Params map[string]string
}

// Config holds the application configuration
type Config struct {
	// Database settings (multiple databases supported)
	Databases []DatabaseConfig

	// Dump and restore settings (shared)
	IncludeData       bool
	DropBeforeRestore bool
	BatchSize         int
	MaxStatementBytes int
	OutputDir         string

	// R2 settings (optional; all four enable uploads)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string

	// Artifact settings (shared)
	Archive       ArchiveFormat
	EncryptionKey []byte

	// Retention settings (shared)
	RetentionDays  int
	RetentionCount int

	// Notification settings (shared)
	WebhookURL      string
	NotifyOnSuccess bool
	NotifyOnFailure bool

	SMTPHost       string
	SMTPPort       int
	SMTPUsername   string
	SMTPPassword   string
	SMTPFrom       string
	EmailRecipient string

	// Observability
	LogLevel       string
	LogFormat      string
	PushgatewayURL string
}

func Load() (*Config, error) {
	in, err := newInputs(getInput("config_file"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Determine global database type (used as default)
	globalDBType, err := parseDatabaseType(in.get("database_type"))
	if err != nil {
		return nil, err
	}

	globalTables := splitList(in.get("tables"))

	// Load database connections from JSON
	databases, err := loadDatabaseConfigs(in, globalDBType, globalTables)
	if err != nil {
		return nil, err
	}
	cfg.Databases = databases

	// Dump settings
	cfg.IncludeData = in.getBool("include_data", true)
	cfg.DropBeforeRestore = in.getBool("drop_before_restore", true)
	cfg.BatchSize = in.getInt("batch_size", defaultBatchSize)
	cfg.MaxStatementBytes = in.getInt("max_statement_bytes", defaultMaxStatementBytes)
	cfg.OutputDir = in.get("output_dir")
	if cfg.OutputDir == "" {
		cfg.OutputDir = defaultOutputDir
	}

	// R2 settings
	cfg.R2AccountID = in.get("r2_account_id")
	cfg.R2AccessKeyID = in.get("r2_access_key_id")
	cfg.R2SecretAccessKey = in.get("r2_secret_access_key")
	cfg.R2BucketName = in.get("r2_bucket_name")

	// Artifact settings; the legacy boolean maps onto gzip
	cfg.Archive = ArchiveFormat(strings.ToLower(in.get("archive")))
	if cfg.Archive == "" {
		cfg.Archive = ArchiveNone
		if in.getBool("compression", true) {
			cfg.Archive = ArchiveGzip
		}
	}

	key, err := parseEncryptionKey(in.get("encryption_key"))
	if err != nil {
		return nil, err
	}
	cfg.EncryptionKey = key

	// Retention settings
	cfg.RetentionDays = in.getInt("retention_days", 0)
	cfg.RetentionCount = in.getInt("retention_count", 0)

	// Notification settings
	cfg.WebhookURL = in.get("webhook_url")
	cfg.NotifyOnSuccess = in.getBool("notify_on_success", true)
	cfg.NotifyOnFailure = in.getBool("notify_on_failure", true)

	cfg.SMTPHost = in.get("smtp_host")
	cfg.SMTPPort = in.getInt("smtp_port", defaultSMTPPort)
	cfg.SMTPUsername = in.get("smtp_username")
	cfg.SMTPPassword = in.get("smtp_password")
	cfg.SMTPFrom = in.get("smtp_from")
	cfg.EmailRecipient = in.get("email_recipient")

	cfg.LogLevel = in.get("log_level")
	cfg.LogFormat = in.get("log_format")
	cfg.PushgatewayURL = in.get("pushgateway_url")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEncryptionKey reads only the encryption key, for commands that work on
// artifacts without a database. An unset key yields nil.
func LoadEncryptionKey() ([]byte, error) {
	in, err := newInputs(getInput("config_file"))
	if err != nil {
		return nil, err
	}
	return parseEncryptionKey(in.get("encryption_key"))
}

func parseEncryptionKey(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: must be base64 encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be exactly 32 bytes (256 bits), got %d bytes", len(key))
	}
	return key, nil
}

func parseDatabaseType(value string) (DatabaseType, error) {
	switch strings.ToLower(value) {
	case "mysql", "":
		return DatabaseTypeMySQL, nil
	case "mariadb":
		return DatabaseTypeMariaDB, nil
	default:
		return "", fmt.Errorf("unsupported database type: %s", value)
	}
}

// loadDatabaseConfigs loads database configurations from DATABASES_JSON
func loadDatabaseConfigs(in inputs, globalDBType DatabaseType, globalTables []string) ([]DatabaseConfig, error) {
	jsonStr := in.get("databases_json")
	if jsonStr == "" {
		return nil, fmt.Errorf("DATABASES_JSON is required")
	}

	var entries []DatabaseJSONEntry
	if err := json.Unmarshal([]byte(jsonStr), &entries); err != nil {
		return nil, fmt.Errorf("invalid DATABASES_JSON: %w", err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("DATABASES_JSON must contain at least one database")
	}

	var databases []DatabaseConfig
	for i, entry := range entries {
		if entry.Connection == "" {
			return nil, fmt.Errorf("database %d: connection is required", i+1)
		}

		dbType := globalDBType
		if entry.Type != "" {
			t, err := parseDatabaseType(entry.Type)
			if err != nil {
				return nil, fmt.Errorf("database %d: %w", i+1, err)
			}
			dbType = t
		}

		parsed, err := parseConnectionString(entry.Connection)
		if err != nil {
			return nil, fmt.Errorf("database %d: %w", i+1, err)
		}

		// Use custom name if provided, otherwise use parsed name
		dbName := entry.Name
		if dbName == "" {
			dbName = parsed.Name
		}

		prefix := entry.Prefix
		if prefix == "" {
			prefix = fmt.Sprintf("backups/%s/", dbName)
		}
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}

		tables := entry.Tables
		if len(tables) == 0 {
			tables = globalTables
		}

		databases = append(databases, DatabaseConfig{
			Type:             dbType,
			Host:             parsed.Host,
			Port:             parsed.Port,
			Name:             dbName,
			User:             parsed.User,
			Password:         parsed.Password,
			ConnectionString: entry.Connection,
			BackupPrefix:     prefix,
			Tables:           tables,
			Params:           parsed.Params,
		})
	}

	return databases, nil
}

// parsedConnection holds components extracted from a connection string
type parsedConnection struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	Params   map[string]string
}

// parseConnectionString extracts host, port, user, password, database name
// and driver parameters from a mysql:// URL.
func parseConnectionString(connStr string) (*parsedConnection, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}
	switch u.Scheme {
	case "mysql", "mariadb":
	default:
		return nil, fmt.Errorf("invalid connection string: unsupported scheme %q", u.Scheme)
	}

	parsed := &parsedConnection{
		Port: defaultMySQLPort,
	}

	parsed.Host = u.Hostname()
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid connection string: bad port %q", portStr)
		}
		parsed.Port = port
	}

	if u.User != nil {
		parsed.User = u.User.Username()
		if pwd, ok := u.User.Password(); ok {
			parsed.Password = pwd
		}
	}

	parsed.Name = strings.TrimPrefix(u.Path, "/")

	if query := u.Query(); len(query) > 0 {
		parsed.Params = make(map[string]string, len(query))
		for key := range query {
			parsed.Params[key] = query.Get(key)
		}
	}

	return parsed, nil
}

func (c *Config) Validate() error {
	for i, db := range c.Databases {
		if db.Name == "" {
			return apperrors.NewConfigError("databases_json", fmt.Sprintf("database %d: name could not be determined from connection string", i+1))
		}
		if db.Host == "" {
			return apperrors.NewConfigError("databases_json", fmt.Sprintf("database %d: host could not be parsed from connection string", i+1))
		}
	}

	if c.BatchSize <= 0 {
		return apperrors.NewConfigError("batch_size", "must be positive")
	}
	if c.MaxStatementBytes <= 0 {
		return apperrors.NewConfigError("max_statement_bytes", "must be positive")
	}

	switch c.Archive {
	case ArchiveNone, ArchiveZip, ArchiveGzip, ArchiveZstd, ArchiveLZ4:
	default:
		return apperrors.NewConfigError("archive", fmt.Sprintf("unsupported format %q", c.Archive))
	}

	// R2 is all or nothing
	r2 := map[string]string{
		"r2_account_id":        c.R2AccountID,
		"r2_access_key_id":     c.R2AccessKeyID,
		"r2_secret_access_key": c.R2SecretAccessKey,
		"r2_bucket_name":       c.R2BucketName,
	}
	if c.anyR2() {
		for _, field := range []string{"r2_account_id", "r2_access_key_id", "r2_secret_access_key", "r2_bucket_name"} {
			if r2[field] == "" {
				return apperrors.NewConfigError(field, "is required when R2 storage is configured")
			}
		}
	}

	if c.EmailRecipient != "" {
		if c.SMTPHost == "" {
			return apperrors.NewConfigError("smtp_host", "is required when email_recipient is set")
		}
		if c.SMTPFrom == "" {
			return apperrors.NewConfigError("smtp_from", "is required when email_recipient is set")
		}
	}

	return nil
}

func (c *Config) anyR2() bool {
	return c.R2AccountID != "" || c.R2AccessKeyID != "" || c.R2SecretAccessKey != "" || c.R2BucketName != ""
}

func (c *Config) HasStorage() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2BucketName != ""
}

func (c *Config) HasEncryption() bool {
	return len(c.EncryptionKey) > 0
}

func (c *Config) HasRetention() bool {
	return c.RetentionDays > 0 || c.RetentionCount > 0
}

func (c *Config) HasEmail() bool {
	return c.EmailRecipient != ""
}

// Database returns the configured database with the given name.
func (c *Config) Database(name string) (*DatabaseConfig, bool) {
	for i := range c.Databases {
		if c.Databases[i].Name == name {
			return &c.Databases[i], true
		}
	}
	return nil, false
}

// inputs resolves a named input from the environment first and the optional
// CONFIG_FILE second.
type inputs struct {
	file map[string]string
}

func newInputs(path string) (inputs, error) {
	if path == "" {
		return inputs{}, nil
	}
	file, err := readConfigFile(path)
	if err != nil {
		return inputs{}, err
	}
	return inputs{file: file}, nil
}

// readConfigFile flattens a YAML document of input names into strings. Lists
// become comma separated, except a "databases" list which is re-encoded as
// databases_json.
func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	values := make(map[string]string, len(doc))
	for key, raw := range doc {
		key = strings.ToLower(strings.ReplaceAll(key, "-", "_"))
		switch v := raw.(type) {
		case nil:
		case []any:
			if key == "databases" {
				encoded, err := json.Marshal(v)
				if err != nil {
					return nil, fmt.Errorf("invalid config file %s: databases: %w", path, err)
				}
				values["databases_json"] = string(encoded)
				continue
			}
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
			values[key] = strings.Join(items, ",")
		case map[string]any:
			return nil, fmt.Errorf("invalid config file %s: %s must be a scalar or list", path, key)
		default:
			values[key] = fmt.Sprint(v)
		}
	}
	return values, nil
}

func (in inputs) get(name string) string {
	if val := getInput(name); val != "" {
		return val
	}
	return strings.TrimSpace(in.file[name])
}

func (in inputs) getInt(name string, defaultVal int) int {
	val := in.get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func (in inputs) getBool(name string, defaultVal bool) bool {
	val := strings.ToLower(in.get(name))
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "yes" || val == "1"
}

func getInput(name string) string {
	// First try regular env var (for local development)
	envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if val := os.Getenv(envName); val != "" {
		return strings.TrimSpace(val)
	}
	// Fall back to INPUT_ prefixed (GitHub Actions convention)
	return strings.TrimSpace(os.Getenv("INPUT_" + envName))
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
