// Package config defines the daemon configuration. Values come from a YAML
// file and are overridden by BOOKING_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Backend names shared by the storage and event bus sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendKafka    = "kafka"
)

// DriverScripted selects the scripted automation driver, which answers every
// step from a script instead of talking to the booking site. It is meant for
// development and demos and must be chosen explicitly.
const DriverScripted = "scripted"

// Config represents the top-level configuration.
type Config struct {
	Service     ServiceConfig     `yaml:"service" mapstructure:"service"`
	HTTP        HTTPConfig        `yaml:"http" mapstructure:"http"`
	Storage     StorageConfig     `yaml:"storage" mapstructure:"storage"`
	EventBus    EventBusConfig    `yaml:"event_bus" mapstructure:"event_bus"`
	Kafka       KafkaConfig       `yaml:"kafka" mapstructure:"kafka"`
	Redis       RedisConfig       `yaml:"redis" mapstructure:"redis"`
	Executor    ExecutorConfig    `yaml:"executor" mapstructure:"executor"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Entitlement EntitlementConfig `yaml:"entitlement" mapstructure:"entitlement"`
	Automation  AutomationConfig  `yaml:"automation" mapstructure:"automation"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" mapstructure:"telemetry"`
}

type ServiceConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	// ShutdownTimeout bounds graceful shutdown of every component.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	// AdminAddr serves /metrics and /healthz.
	AdminAddr string `yaml:"admin_addr" mapstructure:"admin_addr"`
}

// StorageConfig selects the session store. Memory is for development only;
// nothing survives a restart.
type StorageConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// EventBusConfig selects the propagation transport and tunes the outbox relay.
type EventBusConfig struct {
	Backend      string        `yaml:"backend" mapstructure:"backend"`
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	DedupSize    int           `yaml:"dedup_size" mapstructure:"dedup_size"`
}

type KafkaConfig struct {
	Brokers            []string `yaml:"brokers" mapstructure:"brokers"`
	TransitionsTopic   string   `yaml:"transitions_topic" mapstructure:"transitions_topic"`
	NotificationsTopic string   `yaml:"notifications_topic" mapstructure:"notifications_topic"`
	GroupID            string   `yaml:"group_id" mapstructure:"group_id"`
	ClientID           string   `yaml:"client_id" mapstructure:"client_id"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr" mapstructure:"addr"`
	Password  string        `yaml:"password" mapstructure:"password"`
	DB        int           `yaml:"db" mapstructure:"db"`
	LatestTTL time.Duration `yaml:"latest_ttl" mapstructure:"latest_ttl"`
}

type ExecutorConfig struct {
	JobTimeout    time.Duration `yaml:"job_timeout" mapstructure:"job_timeout"`
	AuthTimeout   time.Duration `yaml:"auth_timeout" mapstructure:"auth_timeout"`
	CommitTimeout time.Duration `yaml:"commit_timeout" mapstructure:"commit_timeout"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	Factor      float64       `yaml:"factor" mapstructure:"factor"`
	MinDelay    time.Duration `yaml:"min_delay" mapstructure:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Jitter      float64       `yaml:"jitter" mapstructure:"jitter"`
}

type SchedulerConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// EntitlementConfig configures the allowlist checker and the watcher that
// cancels runs of owners who lose their subscription.
type EntitlementConfig struct {
	Owners        []string      `yaml:"owners" mapstructure:"owners"`
	CacheSize     int           `yaml:"cache_size" mapstructure:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	WatchInterval time.Duration `yaml:"watch_interval" mapstructure:"watch_interval"`
}

// AutomationConfig selects the automation driver and throttles calls to the
// external booking site. There is no default driver.
type AutomationConfig struct {
	Driver    string  `yaml:"driver" mapstructure:"driver"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// TelemetryConfig points the OTLP exporters at a collector. An empty
// endpoint disables export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	Probability float64 `yaml:"probability" mapstructure:"probability"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "bookingd", LogLevel: "info", ShutdownTimeout: 30 * time.Second},
		HTTP:    HTTPConfig{Addr: ":8080", AdminAddr: ":9090"},
		Storage: StorageConfig{Backend: BackendMemory},
		EventBus: EventBusConfig{
			Backend:      BackendMemory,
			BatchSize:    100,
			PollInterval: 500 * time.Millisecond,
			DedupSize:    10_000,
		},
		Kafka: KafkaConfig{
			TransitionsTopic:   "booking.session-transitions",
			NotificationsTopic: "booking.notifications",
			GroupID:            "booking-propagation",
			ClientID:           "bookingd",
		},
		Redis: RedisConfig{Addr: "localhost:6379", LatestTTL: 24 * time.Hour},
		Executor: ExecutorConfig{
			JobTimeout:    300 * time.Second,
			AuthTimeout:   120 * time.Second,
			CommitTimeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			Factor:      2,
			MinDelay:    time.Second,
			MaxDelay:    60 * time.Second,
			Jitter:      0.5,
		},
		Scheduler:   SchedulerConfig{Workers: 8},
		Entitlement: EntitlementConfig{CacheSize: 1024, CacheTTL: time.Minute, WatchInterval: time.Minute},
		Automation:  AutomationConfig{RateLimit: 2, Burst: 4},
		Telemetry:   TelemetryConfig{Probability: 0.05},
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTP.Addr == "" {
		add("http.addr must be set")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			add("storage.dsn is required for the postgres backend")
		}
	default:
		add("storage.backend %q is not one of memory, postgres", c.Storage.Backend)
	}
	switch c.EventBus.Backend {
	case BackendMemory:
	case BackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			add("kafka.brokers is required for the kafka event bus")
		}
	default:
		add("event_bus.backend %q is not one of memory, kafka", c.EventBus.Backend)
	}
	if c.EventBus.BatchSize < 1 {
		add("event_bus.batch_size must be positive")
	}
	if c.EventBus.PollInterval <= 0 {
		add("event_bus.poll_interval must be positive")
	}
	if c.Redis.Addr == "" {
		add("redis.addr must be set")
	}
	if c.Executor.JobTimeout <= 0 || c.Executor.AuthTimeout <= 0 || c.Executor.CommitTimeout <= 0 {
		add("executor timeouts must be positive")
	}
	if c.Executor.AuthTimeout > c.Executor.JobTimeout {
		add("executor.auth_timeout %s exceeds job_timeout %s", c.Executor.AuthTimeout, c.Executor.JobTimeout)
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Scheduler.Workers < 1 {
		add("scheduler.workers must be at least 1")
	}
	switch c.Automation.Driver {
	case DriverScripted:
	case "":
		add("automation.driver must be set")
	default:
		add("automation.driver %q is not one of scripted", c.Automation.Driver)
	}
	if c.Automation.RateLimit <= 0 || c.Automation.Burst < 1 {
		add("automation.rate_limit and automation.burst must be positive")
	}
	if c.Entitlement.WatchInterval <= 0 {
		add("entitlement.watch_interval must be positive")
	}
	return errors.Join(errs...)
}
