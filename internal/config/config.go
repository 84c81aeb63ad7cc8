// Package config loads the YAML configuration shared by the server and
// worker binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/pkg/retry"
)

// Config holds all configuration for the server and worker processes
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Automation AutomationConfig `yaml:"automation"`
	SES        SESConfig        `yaml:"ses"`
	SQS        SQSConfig        `yaml:"sqs"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port               int      `yaml:"port"`
	Host               string   `yaml:"host"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the pool connection lifetime
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMin) * time.Minute
}

// RedisConfig holds the shared Redis used for capacity counters and locks.
// An empty URL disables Redis.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AutomationConfig holds rule engine and dispatcher settings
type AutomationConfig struct {
	PollIntervalSeconds   int            `yaml:"poll_interval_seconds"`
	ClaimBatchSize        int            `yaml:"claim_batch_size"`
	DispatchConcurrency   int            `yaml:"dispatch_concurrency"`
	LeaseTTLSeconds       int            `yaml:"lease_ttl_seconds"`
	LeaseRecoverySeconds  int            `yaml:"lease_recovery_interval_seconds"`
	SendTimeoutSeconds    int            `yaml:"send_timeout_seconds"`
	SendRatePerSecond     float64        `yaml:"send_rate_per_second"`
	RuleCacheTTLSeconds   int            `yaml:"rule_cache_ttl_seconds"`
	HourlySendLimit       int            `yaml:"hourly_send_limit"`
	HourlySendLimitPerOrg map[string]int `yaml:"hourly_send_limit_per_org"`
	Retry                 RetryConfig    `yaml:"retry"`
	DefaultBusinessHours  HoursConfig    `yaml:"default_business_hours"`
}

// PollInterval returns how often the dispatch worker claims due executions
func (c AutomationConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// LeaseTTL returns how long a claimed execution stays leased
func (c AutomationConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// LeaseRecoveryInterval returns how often expired leases are swept
func (c AutomationConfig) LeaseRecoveryInterval() time.Duration {
	return time.Duration(c.LeaseRecoverySeconds) * time.Second
}

// SendTimeout returns the hard limit on one send attempt
func (c AutomationConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSeconds) * time.Second
}

// RuleCacheTTL returns how long an org's rule snapshot is cached
func (c AutomationConfig) RuleCacheTTL() time.Duration {
	return time.Duration(c.RuleCacheTTLSeconds) * time.Second
}

// RetryConfig holds the transient-failure backoff
type RetryConfig struct {
	MaxAttempts            int     `yaml:"max_attempts"`
	InitialIntervalSeconds int     `yaml:"initial_interval_seconds"`
	Multiplier             float64 `yaml:"multiplier"`
	MaxIntervalSeconds     int     `yaml:"max_interval_seconds"`
}

// HoursConfig is a send window used for orgs without their own
type HoursConfig struct {
	Timezone string `yaml:"timezone"`
	Weekdays []int  `yaml:"weekdays"` // 0 = Sunday
	Start    string `yaml:"start"`    // "09:00"
	End      string `yaml:"end"`      // "17:00"
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	FromEmail        string `yaml:"from_email"`
	FromName         string `yaml:"from_name"`
	ConfigurationSet string `yaml:"configuration_set"`
	Enabled          bool   `yaml:"enabled"`
}

// SQSConfig holds the intake queues. Empty URLs disable the consumer.
type SQSConfig struct {
	Region           string `yaml:"region"`
	EventsQueueURL   string `yaml:"events_queue_url"`
	FeedbackQueueURL string `yaml:"feedback_queue_url"`
}

// KafkaConfig holds the decision publisher settings. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoggingConfig holds log level and PII redaction
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on. Defaults to true.
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// StorageConfig selects the store backend
type StorageConfig struct {
	Type string `yaml:"type"` // "postgres" or "memory"
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMin == 0 {
		cfg.Database.ConnMaxLifetimeMin = 5
	}

	a := &cfg.Automation
	if a.PollIntervalSeconds == 0 {
		a.PollIntervalSeconds = 15
	}
	if a.ClaimBatchSize == 0 {
		a.ClaimBatchSize = 100
	}
	if a.DispatchConcurrency == 0 {
		a.DispatchConcurrency = 10
	}
	if a.LeaseTTLSeconds == 0 {
		a.LeaseTTLSeconds = 120
	}
	if a.LeaseRecoverySeconds == 0 {
		a.LeaseRecoverySeconds = 60
	}
	if a.SendTimeoutSeconds == 0 {
		a.SendTimeoutSeconds = 30
	}
	if a.RuleCacheTTLSeconds == 0 {
		a.RuleCacheTTLSeconds = 10
	}
	if a.Retry.MaxAttempts == 0 {
		a.Retry.MaxAttempts = 3
	}
	if a.Retry.InitialIntervalSeconds == 0 {
		a.Retry.InitialIntervalSeconds = 60
	}
	if a.Retry.Multiplier == 0 {
		a.Retry.Multiplier = 2
	}
	if a.Retry.MaxIntervalSeconds == 0 {
		a.Retry.MaxIntervalSeconds = 3600
	}
	if a.DefaultBusinessHours.Timezone == "" {
		a.DefaultBusinessHours.Timezone = "UTC"
	}
	if len(a.DefaultBusinessHours.Weekdays) == 0 {
		a.DefaultBusinessHours.Weekdays = []int{1, 2, 3, 4, 5}
	}
	if a.DefaultBusinessHours.Start == "" {
		a.DefaultBusinessHours.Start = "09:00"
	}
	if a.DefaultBusinessHours.End == "" {
		a.DefaultBusinessHours.End = "17:00"
	}

	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SQS.Region == "" {
		cfg.SQS.Region = cfg.SES.Region
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "automation.decisions"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "postgres"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SERVER_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SQS_QUEUE_URL"); v != "" {
		cfg.SQS.EventsQueueURL = v
	}
	if v := os.Getenv("SQS_FEEDBACK_QUEUE_URL"); v != "" {
		cfg.SQS.FeedbackQueueURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if from := os.Getenv("AWS_SES_FROM_EMAIL"); from != "" {
		cfg.SES.FromEmail = from
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RetryPolicy converts the retry section.
func (c AutomationConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: time.Duration(c.Retry.InitialIntervalSeconds) * time.Second,
		MaxInterval:     time.Duration(c.Retry.MaxIntervalSeconds) * time.Second,
		Multiplier:      c.Retry.Multiplier,
	}
}

// BusinessHours parses the default send window.
func (c HoursConfig) BusinessHours() (domain.BusinessHours, error) {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return domain.BusinessHours{}, fmt.Errorf("default_business_hours.timezone: %w", err)
	}
	start, err := domain.ParseClock(c.Start)
	if err != nil {
		return domain.BusinessHours{}, fmt.Errorf("default_business_hours.start: %w", err)
	}
	end, err := domain.ParseClock(c.End)
	if err != nil {
		return domain.BusinessHours{}, fmt.Errorf("default_business_hours.end: %w", err)
	}
	hours := domain.BusinessHours{Timezone: c.Timezone, Start: start, End: end}
	for _, d := range c.Weekdays {
		if d < 0 || d > 6 {
			return domain.BusinessHours{}, fmt.Errorf("default_business_hours.weekdays: %d out of range", d)
		}
		hours.Weekdays = append(hours.Weekdays, time.Weekday(d))
	}
	return hours, nil
}
