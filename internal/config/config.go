package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/macjediwizard/calsyncmw/internal/validator"
)

var (
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrInvalidConfig    = errors.New("invalid configuration value")
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	CalDAV       CalDAVConfig
	Sync         SyncConfig
	Auth         AuthConfig
	RateLimiting RateLimitConfig
	Alerts       AlertConfig
	Scheduler    SchedulerConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	Environment Environment
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// CalDAVConfig holds target calendar store configuration.
type CalDAVConfig struct {
	URL           string
	Username      string
	Password      string
	CalendarPath  string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// SyncConfig holds engine behavior configuration.
type SyncConfig struct {
	Timezone         string
	ConflictStrategy string
	Deduplicate      bool
	SourcePriorities map[string]int
	DefaultPriority  int
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	APIKeys []string
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// AlertConfig holds error alerting configuration.
type AlertConfig struct {
	WebhookURL      string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SMTPTo          []string
	SMTPTLS         bool
	CooldownMinutes int
	ErrorThreshold  int
}

// SchedulerConfig holds background job configuration.
type SchedulerConfig struct {
	RetrySweepSchedule   string
	HistoryRetentionDays int
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	cfg := &Config{}

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calsyncmw.db")

	cfg.CalDAV.URL = os.Getenv("CALDAV_URL")
	cfg.CalDAV.Username = os.Getenv("CALDAV_USERNAME")
	cfg.CalDAV.Password = os.Getenv("CALDAV_PASSWORD")
	cfg.CalDAV.CalendarPath = getEnv("CALDAV_CALENDAR", "/calendars/shared/")

	timeout, err := getEnvInt("CALDAV_TIMEOUT", 30)
	if err != nil {
		return nil, fmt.Errorf("%w: CALDAV_TIMEOUT: %w", ErrInvalidConfig, err)
	}
	cfg.CalDAV.Timeout = time.Duration(timeout) * time.Second

	attempts, err := getEnvInt("CALDAV_RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("%w: CALDAV_RETRY_ATTEMPTS: %w", ErrInvalidConfig, err)
	}
	cfg.CalDAV.RetryAttempts = attempts

	retryDelay, err := getEnvFloat("CALDAV_RETRY_DELAY", 1.0)
	if err != nil {
		return nil, fmt.Errorf("%w: CALDAV_RETRY_DELAY: %w", ErrInvalidConfig, err)
	}
	cfg.CalDAV.RetryDelay = time.Duration(retryDelay * float64(time.Second))

	cfg.Sync.Timezone = getEnv("TIMEZONE", "UTC")
	if _, err := time.LoadLocation(cfg.Sync.Timezone); err != nil {
		return nil, fmt.Errorf("%w: TIMEZONE: %w", ErrInvalidConfig, err)
	}

	cfg.Sync.ConflictStrategy = getEnv("CONFLICT_RESOLUTION", "last_write_wins")
	switch cfg.Sync.ConflictStrategy {
	case "last_write_wins", "priority_based", "manual":
	default:
		log.Printf("WARNING: unknown CONFLICT_RESOLUTION %q, using last_write_wins", cfg.Sync.ConflictStrategy)
		cfg.Sync.ConflictStrategy = "last_write_wins"
	}

	cfg.Sync.Deduplicate = getEnvBool("ENABLE_DEDUPLICATION", true)

	defaultPriority, err := getEnvInt("SOURCE_PRIORITY_DEFAULT", 5)
	if err != nil {
		return nil, fmt.Errorf("%w: SOURCE_PRIORITY_DEFAULT: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.DefaultPriority = defaultPriority

	priorities, err := parsePriorities(os.Getenv("SOURCE_PRIORITIES"))
	if err != nil {
		return nil, fmt.Errorf("%w: SOURCE_PRIORITIES: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.SourcePriorities = priorities

	if keys := os.Getenv("API_KEY"); keys != "" {
		for _, key := range strings.Split(keys, ",") {
			if key = strings.TrimSpace(key); key != "" {
				cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, key)
			}
		}
	}

	rps, err := getEnvFloat("RATE_LIMIT_RPS", 10.0)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.RPS = rps

	burst, err := getEnvInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.Burst = burst

	cfg.Alerts.WebhookURL = os.Getenv("ALERT_WEBHOOK_URL")
	cfg.Alerts.SMTPHost = os.Getenv("ALERT_SMTP_HOST")
	smtpPort, err := getEnvInt("ALERT_SMTP_PORT", 587)
	if err != nil {
		return nil, fmt.Errorf("%w: ALERT_SMTP_PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.SMTPPort = smtpPort
	cfg.Alerts.SMTPTLS = getEnvBool("ALERT_SMTP_TLS", false)
	cfg.Alerts.SMTPUsername = os.Getenv("ALERT_SMTP_USERNAME")
	cfg.Alerts.SMTPPassword = os.Getenv("ALERT_SMTP_PASSWORD")
	cfg.Alerts.SMTPFrom = os.Getenv("ALERT_SMTP_FROM")
	if to := os.Getenv("ALERT_SMTP_TO"); to != "" {
		for _, addr := range strings.Split(to, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Alerts.SMTPTo = append(cfg.Alerts.SMTPTo, addr)
			}
		}
	}

	cooldown, err := getEnvInt("ALERT_COOLDOWN_MINUTES", 15)
	if err != nil {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.CooldownMinutes = cooldown

	threshold, err := getEnvInt("ERROR_ALERT_THRESHOLD", 5)
	if err != nil {
		return nil, fmt.Errorf("%w: ERROR_ALERT_THRESHOLD: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.ErrorThreshold = threshold

	cfg.Scheduler.RetrySweepSchedule = getEnv("RETRY_SWEEP_SCHEDULE", "@every 5m")

	retention, err := getEnvInt("HISTORY_RETENTION_DAYS", 90)
	if err != nil {
		return nil, fmt.Errorf("%w: HISTORY_RETENTION_DAYS: %w", ErrInvalidConfig, err)
	}
	cfg.Scheduler.HistoryRetentionDays = retention

	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	v := validator.New()
	if err := v.ValidateURL(cfg.CalDAV.URL, cfg.IsProduction()); err != nil {
		return nil, fmt.Errorf("%w: CALDAV_URL: %w", ErrInvalidConfig, err)
	}
	if cfg.Alerts.WebhookURL != "" {
		if err := v.ValidateURL(cfg.Alerts.WebhookURL, cfg.IsProduction()); err != nil {
			return nil, fmt.Errorf("%w: ALERT_WEBHOOK_URL: %w", ErrInvalidConfig, err)
		}
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.CalDAV.URL == "" {
		missing = append(missing, "CALDAV_URL")
	}
	if c.CalDAV.Username == "" {
		missing = append(missing, "CALDAV_USERNAME")
	}
	if c.CalDAV.Password == "" {
		missing = append(missing, "CALDAV_PASSWORD")
	}

	return missing
}

// Validate probes the configured endpoints. In production the target
// store must answer OPTIONS as a real CalDAV server over HTTPS; in
// development a plain reachability check suffices, and private addresses
// are allowed for local Radicale or Docker setups.
func (c *Config) Validate(ctx context.Context) error {
	var opts []validator.Option
	if c.IsDevelopment() {
		opts = append(opts, validator.WithAllowPrivateIPs())
	}
	v := validator.New(opts...)

	if c.IsProduction() {
		if err := v.ValidateCalDAVEndpoint(ctx, c.CalDAV.URL); err != nil {
			return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
		}
	} else if err := v.TestConnection(ctx, c.CalDAV.URL); err != nil {
		return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
	}

	if c.Alerts.WebhookURL != "" {
		if err := v.TestConnection(ctx, c.Alerts.WebhookURL); err != nil {
			return fmt.Errorf("%w: ALERT_WEBHOOK_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// PriorityFor returns the configured sync priority for a source.
func (c *Config) PriorityFor(sourceID string) int {
	if p, ok := c.Sync.SourcePriorities[sourceID]; ok {
		return p
	}
	return c.Sync.DefaultPriority
}

// DefaultZone returns the configured timezone location. Load already
// validated the name.
func (c *Config) DefaultZone() *time.Location {
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// parsePriorities parses the "source-id:priority,source-id:priority" form.
func parsePriorities(raw string) (map[string]int, error) {
	priorities := make(map[string]int)
	if raw == "" {
		return priorities, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed entry %q, expected source:priority", pair)
		}
		priority, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid priority in %q: %w", pair, err)
		}
		priorities[strings.TrimSpace(parts[0])] = priority
	}
	return priorities, nil
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}
