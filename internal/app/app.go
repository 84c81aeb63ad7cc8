// Package app wires stores, transports and workers from configuration. It
// is shared by the server and worker binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/broker"
	"github.com/EcrTech/insync-automation/internal/config"
	"github.com/EcrTech/insync-automation/internal/pkg/logger"
	"github.com/EcrTech/insync-automation/internal/ratelimit"
	"github.com/EcrTech/insync-automation/internal/repository/memory"
	"github.com/EcrTech/insync-automation/internal/repository/postgres"
	"github.com/EcrTech/insync-automation/internal/sender"
	"github.com/EcrTech/insync-automation/internal/service/suppression"
)

// RuleStore reads rules and resolves their owner.
type RuleStore interface {
	automation.RuleSource
	RuleOrg(ctx context.Context, ruleID string) (string, error)
}

// Stores is every backing store the engine and dispatcher need.
type Stores struct {
	Rules       RuleStore
	Contacts    automation.ContactStore
	Templates   automation.TemplateStore
	Hours       automation.BusinessHoursSource
	Ledger      automation.Ledger
	Suppression suppression.Repository
	Capacity    automation.SendCapacity // nil when no ceiling is configured

	DB     *sql.DB       // postgres mode
	Redis  *redis.Client // when redis.url is set
	Memory *memory.Store // memory mode
}

// Open builds the stores selected by storage.type.
func Open(ctx context.Context, cfg *config.Config) (*Stores, error) {
	s := &Stores{}

	switch cfg.Storage.Type {
	case "memory":
		logger.Warn("[App] using in-memory storage; data is lost on restart")
		m := memory.New()
		s.Memory = m
		s.Rules, s.Contacts, s.Templates, s.Hours, s.Ledger, s.Suppression = m, m, m, m, m, m
	case "postgres":
		db, err := OpenDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.DB = db
		s.Rules = postgres.NewRuleRepo(db)
		s.Contacts = postgres.NewContactRepo(db)
		s.Templates = postgres.NewTemplateRepo(db)
		s.Hours = postgres.NewBusinessHoursRepo(db)
		s.Ledger = postgres.NewExecutionRepo(db)
		s.Suppression = postgres.NewSuppressionRepo(db)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	if cfg.Redis.URL != "" {
		client, err := OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Redis = client
	}

	limits := ratelimit.Limits{
		Default: cfg.Automation.HourlySendLimit,
		PerOrg:  cfg.Automation.HourlySendLimitPerOrg,
	}
	if limits.Default > 0 || len(limits.PerOrg) > 0 {
		if s.Redis != nil {
			s.Capacity = ratelimit.NewRedisCapacity(s.Redis, limits)
		} else {
			s.Capacity = ratelimit.NewLocalCapacity(limits)
		}
	}
	return s, nil
}

// Close releases connections.
func (s *Stores) Close() {
	if s.Redis != nil {
		s.Redis.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

// OpenDB opens and pings Postgres.
func OpenDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database.url (DATABASE_URL) is required for postgres storage")
	}
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("[App] connected to database", "max_open_conns", cfg.MaxOpenConns)
	return db, nil
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger.Info("[App] connected to Redis")
	return client, nil
}

// NewDecisionSink returns the Kafka publisher and its close func. Both are
// nil when no brokers are configured.
func NewDecisionSink(cfg config.KafkaConfig) (automation.DecisionSink, func() error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	logger.Info("[App] publishing decisions to Kafka", "topic", cfg.Topic, "brokers", len(cfg.Brokers))
	sink := broker.NewKafkaSink(broker.Config{Brokers: cfg.Brokers, Topic: cfg.Topic})
	return sink, sink.Close
}

// Automation builds the engine and dispatcher over the stores. Both read
// rules through one cache.
func (s *Stores) Automation(cfg config.AutomationConfig, sink automation.DecisionSink) (*automation.Engine, *automation.Dispatcher, error) {
	hours, err := cfg.DefaultBusinessHours.BusinessHours()
	if err != nil {
		return nil, nil, err
	}
	rules := automation.NewRuleCache(s.Rules, cfg.RuleCacheTTL())
	engine := automation.NewEngine(automation.Deps{
		Rules:        rules,
		Contacts:     s.Contacts,
		Templates:    s.Templates,
		Suppression:  suppression.NewService(s.Suppression),
		Hours:        s.Hours,
		Capacity:     s.Capacity,
		Ledger:       s.Ledger,
		Sink:         sink,
		DefaultHours: hours,
	})
	dispatcher := automation.NewDispatcher(s.Ledger, rules, cfg.RetryPolicy(), cfg.LeaseTTL(), sink)
	return engine, dispatcher, nil
}

// NewSender returns the SES transport behind a circuit breaker, or a dry
// run sender when SES is disabled.
func NewSender(ctx context.Context, cfg config.SESConfig) (sender.Sender, error) {
	if !cfg.Enabled {
		logger.Warn("[App] SES disabled; sends are logged only")
		return sender.DryRunSender{}, nil
	}
	ses, err := sender.NewSESSender(ctx, sender.SESConfig{
		AccessKey:        cfg.AccessKey,
		SecretKey:        cfg.SecretKey,
		Region:           cfg.Region,
		FromEmail:        cfg.FromEmail,
		FromName:         cfg.FromName,
		ConfigurationSet: cfg.ConfigurationSet,
	})
	if err != nil {
		return nil, err
	}
	return sender.NewBreakerSender(ses, sender.DefaultBreakerConfig("ses")), nil
}

// NewSQSClient builds an SQS client from the default AWS credential chain.
func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}
