package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/otchange/changeval/internal/correlation"
	"github.com/otchange/changeval/internal/logger"
)

// ErrInvalidConfig is returned when the environment describes an unusable configuration
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for the application
type Config struct {
	// HTTP Server Configuration
	HTTPPort int `validate:"gte=1,lte=65535"`

	// Database Configuration
	DatabaseURL    string `validate:"required"`
	PatchCacheSize int    `validate:"gte=1"`
	DataDir        string

	// Authentication Configuration. The admin account records decisions;
	// the optional observer account is read-only.
	AdminUsername    string `validate:"required"`
	AdminPassword    string
	ObserverUsername string `validate:"omitempty,nefield=AdminUsername"`
	ObserverPassword string `validate:"required_with=ObserverUsername"`
	JWTSecret        string
	JWTExpiryHours   int `validate:"gte=1"`

	// Dashboard origins allowed to call the API; empty allows any
	CORSAllowedOrigins []string `validate:"dive,url"`

	// Correlation tuning, optionally overlaid from a YAML file
	Correlation     correlation.Config
	CorrelationFile string

	Mailbox    MailboxConfig
	Syslog     SyslogConfig
	ServiceNow ServiceNowConfig
	Mantis     MantisConfig
	WSUS       WSUSConfig
	Slack      SlackConfig
	NATS       NATSConfig

	// SyncSchedule is shared by the change syncs and the WSUS import
	SyncSchedule        string `validate:"required"`
	TicketLookupTimeout time.Duration
	ProcessorWorkers    int `validate:"gte=1,lte=64"`

	LogLevel string `validate:"oneof=debug info warn error"`
	LogFile  string
}

// MailboxConfig configures the IMAP alert mailbox
type MailboxConfig struct {
	Enabled    bool
	Server     string `validate:"required_if=Enabled true"`
	Username   string `validate:"required_if=Enabled true"`
	Password   string `validate:"required_if=Enabled true"`
	Folder     string
	FromFilter string
	Timeout    time.Duration
	Schedule   string `validate:"required"`
}

// SyslogConfig configures the UDP syslog listener
type SyslogConfig struct {
	Enabled        bool
	Addr           string `validate:"required_if=Enabled true"`
	QueueSize      int    `validate:"gte=1"`
	OverflowPolicy string `validate:"oneof=drop_oldest drop_newest"`
	DrainSchedule  string `validate:"required"`
}

// ServiceNowConfig configures the change ticket connector
type ServiceNowConfig struct {
	InstanceURL     string `validate:"omitempty,url"`
	Username        string
	Password        string
	AssignmentGroup string
	SyncWindow      time.Duration
}

// Enabled reports whether the connector has an instance and credentials
func (c ServiceNowConfig) Enabled() bool {
	return c.InstanceURL != "" && c.Username != "" && c.Password != ""
}

// MantisConfig configures the Mantis issue tracker connector
type MantisConfig struct {
	URL       string `validate:"omitempty,url"`
	APIToken  string
	ProjectID int `validate:"gte=0"`
}

// Enabled reports whether the connector has a url and api token
func (c MantisConfig) Enabled() bool {
	return c.URL != "" && c.APIToken != ""
}

// WSUSConfig configures the approved-patch import directory
type WSUSConfig struct {
	ImportPath string
}

// SlackConfig configures Slack notifications
type SlackConfig struct {
	BotToken string
	Channel  string `validate:"required_with=BotToken"`
}

// Enabled reports whether Slack notifications are configured
func (c SlackConfig) Enabled() bool {
	return c.BotToken != "" && c.Channel != ""
}

// NATSConfig configures decision event publishing
type NATSConfig struct {
	URL     string
	Subject string
}

var validate = validator.New()

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// HTTP Port for API server
	cfg.HTTPPort = getEnvAsIntOrDefault("HTTP_PORT", 3000)

	// Database configuration; postgres:// DSN or sqlite://path
	cfg.DataDir = getEnvOrDefault("DATA_DIR", "data")
	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", "sqlite://"+filepath.Join(cfg.DataDir, "changeval.db"))
	cfg.PatchCacheSize = getEnvAsIntOrDefault("PATCH_CACHE_SIZE", 1024)

	// Authentication configuration
	cfg.AdminUsername = getEnvOrDefault("ADMIN_USERNAME", "admin")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD") // No default - must be set
	cfg.ObserverUsername = os.Getenv("OBSERVER_USERNAME")
	cfg.ObserverPassword = os.Getenv("OBSERVER_PASSWORD")
	cfg.JWTExpiryHours = getEnvAsIntOrDefault("JWT_EXPIRY_HOURS", 24)
	cfg.CORSAllowedOrigins = getEnvAsListOrDefault("CORS_ALLOWED_ORIGINS", nil)
	cfg.JWTSecret = loadOrGenerateJWTSecret(filepath.Join(cfg.DataDir, ".jwt_secret"))

	// Correlation: defaults, then the optional YAML file, then env overrides
	cfg.Correlation = correlation.DefaultConfig()
	cfg.CorrelationFile = os.Getenv("CORRELATION_CONFIG_FILE")
	if cfg.CorrelationFile != "" {
		overlaid, err := cfg.Correlation.LoadFile(cfg.CorrelationFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		cfg.Correlation = overlaid
	}
	cfg.Correlation.AutoValidateThreshold = getEnvAsFloatOrDefault("AUTO_VALIDATE_THRESHOLD", cfg.Correlation.AutoValidateThreshold)
	cfg.Correlation.MinimumMatchThreshold = getEnvAsFloatOrDefault("MINIMUM_MATCH_THRESHOLD", cfg.Correlation.MinimumMatchThreshold)
	cfg.Correlation.TimeBufferHours = getEnvAsIntOrDefault("TIME_BUFFER_HOURS", cfg.Correlation.TimeBufferHours)

	// Mailbox
	cfg.Mailbox = MailboxConfig{
		Enabled:    getEnvAsBoolOrDefault("IMAP_ENABLED", false),
		Server:     os.Getenv("IMAP_SERVER"),
		Username:   os.Getenv("IMAP_USERNAME"),
		Password:   os.Getenv("IMAP_PASSWORD"),
		Folder:     getEnvOrDefault("IMAP_FOLDER", "INBOX"),
		FromFilter: os.Getenv("IMAP_FROM_FILTER"),
		Timeout:    time.Duration(getEnvAsIntOrDefault("IMAP_TIMEOUT_SECONDS", 30)) * time.Second,
		Schedule:   getEnvOrDefault("MAILBOX_POLL_SCHEDULE", "@every 5m"),
	}

	// Syslog
	cfg.Syslog = SyslogConfig{
		Enabled:        getEnvAsBoolOrDefault("SYSLOG_ENABLED", false),
		Addr:           getEnvOrDefault("SYSLOG_ADDR", ":10514"),
		QueueSize:      getEnvAsIntOrDefault("SYSLOG_QUEUE_SIZE", 1000),
		OverflowPolicy: strings.ToLower(getEnvOrDefault("SYSLOG_OVERFLOW_POLICY", "drop_oldest")),
		DrainSchedule:  getEnvOrDefault("SYSLOG_DRAIN_SCHEDULE", "@every 1m"),
	}

	// Connectors
	cfg.ServiceNow = ServiceNowConfig{
		InstanceURL:     os.Getenv("SNOW_INSTANCE_URL"),
		Username:        os.Getenv("SNOW_USERNAME"),
		Password:        os.Getenv("SNOW_PASSWORD"),
		AssignmentGroup: os.Getenv("SNOW_ASSIGNMENT_GROUP"),
		SyncWindow:      time.Duration(getEnvAsIntOrDefault("SNOW_SYNC_WINDOW_MINUTES", 60)) * time.Minute,
	}
	cfg.Mantis = MantisConfig{
		URL:       os.Getenv("MANTIS_URL"),
		APIToken:  os.Getenv("MANTIS_API_TOKEN"),
		ProjectID: getEnvAsIntOrDefault("MANTIS_PROJECT_ID", 0),
	}
	cfg.WSUS = WSUSConfig{ImportPath: os.Getenv("WSUS_IMPORT_PATH")}
	cfg.TicketLookupTimeout = time.Duration(getEnvAsIntOrDefault("TICKET_LOOKUP_TIMEOUT_SECONDS", 10)) * time.Second
	cfg.ProcessorWorkers = getEnvAsIntOrDefault("PROCESSOR_WORKERS", 4)
	cfg.SyncSchedule = getEnvOrDefault("SYNC_SCHEDULE", "@every 30m")

	// Notifications
	cfg.Slack = SlackConfig{
		BotToken: os.Getenv("SLACK_BOT_TOKEN"),
		Channel:  os.Getenv("SLACK_CHANNEL"),
	}
	cfg.NATS = NATSConfig{
		URL:     os.Getenv("NATS_URL"),
		Subject: getEnvOrDefault("NATS_SUBJECT", "changeval.validations"),
	}

	// Logging
	cfg.LogLevel = strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info"))
	cfg.LogFile = getEnvOrDefault("LOG_FILE", filepath.Join(cfg.DataDir, "logs", "changeval.log"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Correlation.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Correlation.MinimumMatchThreshold > c.Correlation.AutoValidateThreshold {
		return fmt.Errorf("%w: minimum match threshold exceeds auto-validate threshold", ErrInvalidConfig)
	}
	return nil
}

// Debug reports whether debug logging is enabled
func (c *Config) Debug() bool {
	return c.LogLevel == "debug"
}

// loadOrGenerateJWTSecret loads JWT secret from file or generates a new one
func loadOrGenerateJWTSecret(secretPath string) string {
	// First check if JWT_SECRET env var is set (allows override)
	if envSecret := os.Getenv("JWT_SECRET"); envSecret != "" {
		return envSecret
	}

	// Try to load existing secret from file
	if data, err := os.ReadFile(secretPath); err == nil {
		secret := strings.TrimSpace(string(data))
		if secret != "" {
			logger.Log().Infof("Loaded JWT secret from %s", secretPath)
			return secret
		}
	}

	secret := generateSecureSecret(32) // 256 bits

	if err := os.MkdirAll(filepath.Dir(secretPath), 0755); err != nil {
		logger.Log().WithError(err).Warn("Could not create directory for JWT secret")
		return secret
	}
	if err := os.WriteFile(secretPath, []byte(secret), 0600); err != nil {
		logger.Log().WithError(err).Warn("Could not save JWT secret to file")
	} else {
		logger.Log().Infof("Generated and saved new JWT secret to %s", secretPath)
	}
	return secret
}

// generateSecureSecret generates a cryptographically secure random string
func generateSecureSecret(bytes int) string {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		// should never happen
		logger.Log().WithError(err).Warn("Could not generate secure random bytes")
		return "fallback-insecure-secret-please-set-jwt-secret-env"
	}
	return hex.EncodeToString(b)
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault returns the value of an environment variable as an integer or a default value
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
