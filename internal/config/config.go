// ABOUTME: Configuration loading and parsing for atende-gateway
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete atende-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Queue       QueueConfig       `yaml:"queue"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Contexts    ContextsConfig    `yaml:"contexts"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Archive     ArchiveConfig     `yaml:"archive"`
	AI          AIConfig          `yaml:"ai"`
	Messaging   MessagingConfig   `yaml:"messaging"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds the webhook listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DatabaseConfig selects the store. Path is used by sqlite, DSN by postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Queue drivers
const (
	QueueMemory = "memory"
	QueueAMQP   = "amqp"
)

// QueueConfig holds the job queue configuration
type QueueConfig struct {
	Driver      string     `yaml:"driver"`
	Concurrency int        `yaml:"concurrency"`
	BufferSize  int        `yaml:"buffer_size"` // 0 is unbounded (memory driver)
	AMQP        AMQPConfig `yaml:"amqp"`
}

// AMQPConfig holds broker settings for the amqp queue driver
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
	Prefetch   int    `yaml:"prefetch"`
}

// IdempotencyConfig tunes inbound message deduplication
type IdempotencyConfig struct {
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	MaxEntries    int           `yaml:"max_entries"`

	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// ContextsConfig tunes the live conversation cache
type ContextsConfig struct {
	IdleTTL       time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	IdleTTLRaw       string `yaml:"idle_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// JobsConfig holds the maintenance job thresholds and schedules
type JobsConfig struct {
	SLAMinutes          int   `yaml:"sla_minutes"`
	IdleHours           int   `yaml:"idle_hours"`
	AIIdleMinutes       int   `yaml:"ai_idle_minutes"`
	ArchiveDelayDays    int   `yaml:"archive_delay_days"`
	PurgeGraceDays      int   `yaml:"purge_grace_days"`
	LogRotationMaxBytes int64 `yaml:"log_rotation_max_bytes"`
	BatchSize           int   `yaml:"batch_size"`

	AutoCloseInterval time.Duration `yaml:"-"`
	ArchiveInterval   time.Duration `yaml:"-"`
	PurgeInterval     time.Duration `yaml:"-"`
	AITimeoutInterval time.Duration `yaml:"-"`

	AutoCloseIntervalRaw string `yaml:"auto_close_interval"`
	ArchiveIntervalRaw   string `yaml:"archive_interval"`
	PurgeIntervalRaw     string `yaml:"purge_interval"`
	AITimeoutIntervalRaw string `yaml:"ai_timeout_interval"`
}

const day = 24 * time.Hour

// SLA is the first-reply deadline.
func (j JobsConfig) SLA() time.Duration { return time.Duration(j.SLAMinutes) * time.Minute }

// Idle is the inactivity deadline.
func (j JobsConfig) Idle() time.Duration { return time.Duration(j.IdleHours) * time.Hour }

// AIIdle is how long an assistant session may go without a message.
func (j JobsConfig) AIIdle() time.Duration { return time.Duration(j.AIIdleMinutes) * time.Minute }

// ArchiveDelay is how long closed logs wait before archiving.
func (j JobsConfig) ArchiveDelay() time.Duration { return time.Duration(j.ArchiveDelayDays) * day }

// PurgeGrace is how long archived detail rows are kept.
func (j JobsConfig) PurgeGrace() time.Duration { return time.Duration(j.PurgeGraceDays) * day }

// ArchiveConfig holds the blob store location for archived logs
type ArchiveConfig struct {
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// AIConfig holds the assistant configuration. An empty APIKey runs the
// scripted echo assistant.
type AIConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"-"`
	Budget       BudgetConfig  `yaml:"budget"`

	TimeoutRaw string `yaml:"timeout"`
}

// BudgetConfig tunes the adaptive token budget. Zero fields take defaults.
type BudgetConfig struct {
	Alpha         float64 `yaml:"alpha"`
	DefaultInput  int     `yaml:"default_input"`
	MinInput      int     `yaml:"min_input"`
	MaxInput      int     `yaml:"max_input"`
	DefaultOutput int     `yaml:"default_output"`
	MinOutput     int     `yaml:"min_output"`
	MaxOutput     int     `yaml:"max_output"`
}

// MessagingConfig holds the WhatsApp Cloud API configuration
type MessagingConfig struct {
	BaseURL       string                  `yaml:"base_url"`
	VerifyToken   string                  `yaml:"verify_token"`
	RatePerSecond float64                 `yaml:"rate_per_second"`
	Burst         int                     `yaml:"burst"`
	Timeout       time.Duration           `yaml:"-"`
	Tenants       map[string]TenantConfig `yaml:"tenants"`

	TimeoutRaw string `yaml:"timeout"`
}

// TenantConfig holds one tenant's business number credentials
type TenantConfig struct {
	PhoneNumberID string `yaml:"phone_number_id"`
	Token         string `yaml:"token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config content, then applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills every unset field with its stock value
func (c *Config) applyDefaults() {
	setDefault(&c.Server.HTTPAddr, ":8080")
	setDefaultDuration(&c.Server.ShutdownTimeout, 15*time.Second)

	setDefault(&c.Database.Driver, DriverSQLite)
	if c.Database.Driver == DriverSQLite {
		setDefault(&c.Database.Path, "atende.db")
	}

	setDefault(&c.Queue.Driver, QueueMemory)
	setDefaultInt(&c.Queue.Concurrency, 4)

	setDefaultDuration(&c.Idempotency.TTL, 30*time.Minute)
	setDefaultDuration(&c.Idempotency.SweepInterval, time.Minute)
	setDefaultInt(&c.Idempotency.MaxEntries, 100000)

	setDefaultDuration(&c.Contexts.IdleTTL, 30*time.Minute)
	setDefaultDuration(&c.Contexts.SweepInterval, time.Minute)

	setDefaultInt(&c.Jobs.SLAMinutes, 15)
	setDefaultInt(&c.Jobs.IdleHours, 24)
	setDefaultInt(&c.Jobs.AIIdleMinutes, 60)
	setDefaultInt(&c.Jobs.ArchiveDelayDays, 7)
	setDefaultInt(&c.Jobs.PurgeGraceDays, 30)
	setDefaultInt(&c.Jobs.BatchSize, 100)
	if c.Jobs.LogRotationMaxBytes == 0 {
		c.Jobs.LogRotationMaxBytes = 1 << 20
	}
	setDefaultDuration(&c.Jobs.AutoCloseInterval, time.Minute)
	setDefaultDuration(&c.Jobs.ArchiveInterval, time.Hour)
	setDefaultDuration(&c.Jobs.PurgeInterval, time.Hour)
	setDefaultDuration(&c.Jobs.AITimeoutInterval, 5*time.Minute)

	setDefault(&c.Archive.Dir, "archive")
	setDefaultDuration(&c.Archive.Timeout, 30*time.Second)

	setDefaultDuration(&c.AI.Timeout, 30*time.Second)

	setDefaultDuration(&c.Messaging.Timeout, 10*time.Second)

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
}

func setDefault(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

func setDefaultInt(n *int, v int) {
	if *n == 0 {
		*n = v
	}
}

func setDefaultDuration(d *time.Duration, v time.Duration) {
	if *d == 0 {
		*d = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	switch c.Queue.Driver {
	case QueueMemory:
	case QueueAMQP:
		if c.Queue.AMQP.URL == "" {
			return fmt.Errorf("queue.amqp.url is required for the amqp driver")
		}
	default:
		return fmt.Errorf("queue.driver must be %q or %q, got %q", QueueMemory, QueueAMQP, c.Queue.Driver)
	}
	if c.Queue.Concurrency < 0 || c.Queue.BufferSize < 0 {
		return fmt.Errorf("queue.concurrency and queue.buffer_size must not be negative")
	}

	j := c.Jobs
	if j.SLAMinutes < 0 || j.IdleHours < 0 || j.AIIdleMinutes < 0 || j.ArchiveDelayDays < 0 || j.PurgeGraceDays < 0 || j.LogRotationMaxBytes < 0 {
		return fmt.Errorf("jobs thresholds must not be negative")
	}

	if c.AI.Budget.Alpha < 0 || c.AI.Budget.Alpha > 1 {
		return fmt.Errorf("ai.budget.alpha must be within [0, 1], got %v", c.AI.Budget.Alpha)
	}

	seen := make(map[string]string, len(c.Messaging.Tenants))
	for id, t := range c.Messaging.Tenants {
		if t.PhoneNumberID == "" || t.Token == "" {
			return fmt.Errorf("messaging.tenants.%s needs phone_number_id and token", id)
		}
		if other, ok := seen[t.PhoneNumberID]; ok {
			return fmt.Errorf("messaging.tenants.%s and %s share phone_number_id %s", other, id, t.PhoneNumberID)
		}
		seen[t.PhoneNumberID] = id
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
		{"idempotency.sweep_interval", cfg.Idempotency.SweepIntervalRaw, &cfg.Idempotency.SweepInterval},
		{"contexts.idle_ttl", cfg.Contexts.IdleTTLRaw, &cfg.Contexts.IdleTTL},
		{"contexts.sweep_interval", cfg.Contexts.SweepIntervalRaw, &cfg.Contexts.SweepInterval},
		{"jobs.auto_close_interval", cfg.Jobs.AutoCloseIntervalRaw, &cfg.Jobs.AutoCloseInterval},
		{"jobs.archive_interval", cfg.Jobs.ArchiveIntervalRaw, &cfg.Jobs.ArchiveInterval},
		{"jobs.purge_interval", cfg.Jobs.PurgeIntervalRaw, &cfg.Jobs.PurgeInterval},
		{"jobs.ai_timeout_interval", cfg.Jobs.AITimeoutIntervalRaw, &cfg.Jobs.AITimeoutInterval},
		{"archive.timeout", cfg.Archive.TimeoutRaw, &cfg.Archive.Timeout},
		{"ai.timeout", cfg.AI.TimeoutRaw, &cfg.AI.Timeout},
		{"messaging.timeout", cfg.Messaging.TimeoutRaw, &cfg.Messaging.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
