// Package config loads and validates the workflow engine configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the QMS_ prefix (e.g., QMS_DATABASE_HOST
// overrides database.host in the YAML). The same binary runs with a config.yaml
// in local development and with pure environment variables in containers.
//
// The business calendar section can be hot-reloaded: LoadAndWatch re-reads the
// file on change and hands the new configuration to a callback so the holiday
// list can be swapped without restarting the escalation scheduler.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Calendar      CalendarConfig      `mapstructure:"calendar"`
	Escalation    EscalationConfig    `mapstructure:"escalation"`
	Signature     SignatureConfig     `mapstructure:"signature"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinIdleConns   int    `mapstructure:"min_idle_connections"`
}

// StorageConfig selects the record store implementation.
// "postgres" is the production backend; "memory" keeps everything in process
// and is intended for local development and demos.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// AuthConfig holds actor authentication configuration
type AuthConfig struct {
	// JWTSecret signs and validates actor tokens. It is normally supplied via
	// QMS_JWT_SECRET rather than the config file.
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// TelemetryConfig holds metrics configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// RedisConfig configures the optional department path cache
type RedisConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Addr               string        `mapstructure:"addr"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	DepartmentCacheTTL time.Duration `mapstructure:"department_cache_ttl"`
}

// WorkflowConfig tunes the workflow engine
type WorkflowConfig struct {
	// MaxConflictRetries bounds how many times an unpinned mutation is retried
	// after losing an optimistic version race.
	MaxConflictRetries int `mapstructure:"max_conflict_retries"`
	// MaxEscalationDepth is the number of supervisor levels a step may climb
	// before it is marked BLOCKED.
	MaxEscalationDepth         int `mapstructure:"max_escalation_depth"`
	DefaultDueBusinessDays     int `mapstructure:"default_due_business_days"`
	EscalationDueBusinessDays  int `mapstructure:"escalation_due_business_days"`
	PermissionRequestCacheSize int `mapstructure:"permission_request_cache_size"`
}

// CalendarConfig describes the business calendar used for due dates
type CalendarConfig struct {
	Timezone    string   `mapstructure:"timezone"`
	Strictness  string   `mapstructure:"strictness"` // strict, flexible, extended
	GraceHours  int      `mapstructure:"grace_hours"`
	WeekendDays []string `mapstructure:"weekend_days"`
	Holidays    []string `mapstructure:"holidays"` // YYYY-MM-DD
}

// EscalationConfig tunes the background escalation driver
type EscalationConfig struct {
	NearDueWindow time.Duration `mapstructure:"near_due_window"`
	QueueSize     int           `mapstructure:"queue_size"`
}

// SignatureConfig configures electronic signatures
type SignatureConfig struct {
	RequireReauthentication bool   `mapstructure:"require_reauthentication"`
	SigningKeyFile          string `mapstructure:"signing_key_file"`
	SigningKeyPassphrase    string `mapstructure:"signing_key_passphrase"`
}

// AuditConfig holds audit log shipping configuration
type AuditConfig struct {
	File    AuditFileConfig    `mapstructure:"file"`
	Webhook AuditWebhookConfig `mapstructure:"webhook"`
}

// AuditFileConfig ships audit entries as JSON lines to a local file
type AuditFileConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AuditWebhookConfig ships audit entries in batches to an HTTP endpoint
type AuditWebhookConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
	Timeout       time.Duration     `mapstructure:"timeout"`
}

// NotificationsConfig configures the outbound workflow notifier
type NotificationsConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	WebhookURL         string        `mapstructure:"webhook_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	BreakerMaxFailures uint32        `mapstructure:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Storage
		"storage.backend",

		// Auth
		"auth.jwt_secret",
		"auth.token_ttl",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Redis
		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.department_cache_ttl",

		// Workflow
		"workflow.max_conflict_retries",
		"workflow.max_escalation_depth",
		"workflow.default_due_business_days",
		"workflow.escalation_due_business_days",
		"workflow.permission_request_cache_size",

		// Calendar
		"calendar.timezone",
		"calendar.strictness",
		"calendar.grace_hours",
		"calendar.weekend_days",
		"calendar.holidays",

		// Escalation
		"escalation.near_due_window",
		"escalation.queue_size",

		// Signature
		"signature.require_reauthentication",
		"signature.signing_key_file",
		"signature.signing_key_passphrase",

		// Audit shipping
		"audit.file.enabled",
		"audit.file.path",
		"audit.webhook.enabled",
		"audit.webhook.url",
		"audit.webhook.batch_size",
		"audit.webhook.flush_interval",
		"audit.webhook.timeout",

		// Notifications
		"notifications.enabled",
		"notifications.webhook_url",
		"notifications.timeout",
		"notifications.breaker_max_failures",
		"notifications.breaker_open_timeout",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	// The JWT secret is commonly injected under its short name.
	if err := v.BindEnv("auth.jwt_secret", "QMS_JWT_SECRET"); err != nil {
		return fmt.Errorf("failed to bind env var %q: %w", "QMS_JWT_SECRET", err)
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg, _, err := load(configPath)
	return cfg, err
}

// LoadAndWatch loads configuration like Load and then watches the config file.
// Each successful re-read that passes validation is passed to onChange.
// Invalid edits are logged and ignored so a typo never takes down the scheduler.
func LoadAndWatch(configPath string, onChange func(*Config)) (*Config, error) {
	cfg, v, err := load(configPath)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			slog.Error("config reload: unmarshal failed", "file", e.Name, "error", err)
			return
		}
		expandSecrets(&next)
		if err := next.Validate(); err != nil {
			slog.Error("config reload: invalid configuration ignored", "file", e.Name, "error", err)
			return
		}
		slog.Info("configuration reloaded", "file", e.Name, "op", e.Op.String())
		onChange(&next)
	})
	v.WatchConfig()
	return cfg, nil
}

func load(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/qms-lifecycle")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("QMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	expandSecrets(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, v, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "qms_lifecycle")
	v.SetDefault("database.user", "qms")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("storage.backend", "postgres")

	v.SetDefault("auth.token_ttl", "8h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "qms-lifecycle")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.department_cache_ttl", "10m")

	// Workflow defaults
	v.SetDefault("workflow.max_conflict_retries", 3)
	v.SetDefault("workflow.max_escalation_depth", 3)
	v.SetDefault("workflow.default_due_business_days", 5)
	v.SetDefault("workflow.escalation_due_business_days", 2)
	v.SetDefault("workflow.permission_request_cache_size", 64)

	// Calendar defaults
	v.SetDefault("calendar.timezone", "UTC")
	v.SetDefault("calendar.strictness", "strict")
	v.SetDefault("calendar.grace_hours", 24)
	v.SetDefault("calendar.weekend_days", []string{"saturday", "sunday"})
	v.SetDefault("calendar.holidays", []string{})

	// Escalation defaults
	v.SetDefault("escalation.near_due_window", "24h")
	v.SetDefault("escalation.queue_size", 256)

	// Signature defaults
	v.SetDefault("signature.require_reauthentication", true)

	// Audit shipping defaults
	v.SetDefault("audit.file.enabled", false)
	v.SetDefault("audit.file.path", "./audit.log")
	v.SetDefault("audit.webhook.enabled", false)
	v.SetDefault("audit.webhook.batch_size", 50)
	v.SetDefault("audit.webhook.flush_interval", "5s")
	v.SetDefault("audit.webhook.timeout", "10s")

	// Notification defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.timeout", "5s")
	v.SetDefault("notifications.breaker_max_failures", 5)
	v.SetDefault("notifications.breaker_open_timeout", "30s")
}

func expandSecrets(cfg *Config) {
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	cfg.Signature.SigningKeyPassphrase = expandEnv(cfg.Signature.SigningKeyPassphrase)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

var validWeekdays = map[string]bool{
	"sunday": true, "monday": true, "tuesday": true, "wednesday": true,
	"thursday": true, "friday": true, "saturday": true,
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	switch c.Storage.Backend {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database.name is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage backend: %s (must be postgres or memory)", c.Storage.Backend)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Workflow.MaxConflictRetries < 1 {
		return fmt.Errorf("workflow.max_conflict_retries must be at least 1")
	}
	if c.Workflow.MaxEscalationDepth < 1 {
		return fmt.Errorf("workflow.max_escalation_depth must be at least 1")
	}
	if c.Workflow.DefaultDueBusinessDays < 1 {
		return fmt.Errorf("workflow.default_due_business_days must be at least 1")
	}

	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return fmt.Errorf("invalid calendar.timezone %q: %w", c.Calendar.Timezone, err)
	}
	validStrictness := map[string]bool{"strict": true, "flexible": true, "extended": true}
	if !validStrictness[strings.ToLower(c.Calendar.Strictness)] {
		return fmt.Errorf("invalid calendar.strictness: %s (must be strict, flexible, or extended)", c.Calendar.Strictness)
	}
	if c.Calendar.GraceHours < 0 {
		return fmt.Errorf("calendar.grace_hours must not be negative")
	}
	if len(c.Calendar.WeekendDays) >= 7 {
		return fmt.Errorf("calendar.weekend_days must leave at least one business day")
	}
	for _, d := range c.Calendar.WeekendDays {
		if !validWeekdays[strings.ToLower(d)] {
			return fmt.Errorf("invalid calendar.weekend_days entry: %s", d)
		}
	}
	for _, h := range c.Calendar.Holidays {
		if _, err := time.Parse(time.DateOnly, h); err != nil {
			return fmt.Errorf("invalid calendar.holidays entry %q (want YYYY-MM-DD)", h)
		}
	}

	if c.Audit.File.Enabled && c.Audit.File.Path == "" {
		return fmt.Errorf("audit.file.path is required when file shipping is enabled")
	}
	if c.Audit.Webhook.Enabled && c.Audit.Webhook.URL == "" {
		return fmt.Errorf("audit.webhook.url is required when webhook shipping is enabled")
	}
	if c.Notifications.Enabled && c.Notifications.WebhookURL == "" {
		return fmt.Errorf("notifications.webhook_url is required when notifications are enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
