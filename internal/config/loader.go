package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration so the daemon can be fed from a file, the environment, or
// both.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	Load(ctx context.Context) (*Config, error)
}

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "BOOKING"

// EnvLoader applies BOOKING_* environment overrides on top of a base
// loader. Keys map by section and field, so retry.max_attempts is read from
// BOOKING_RETRY_MAX_ATTEMPTS. List values are comma separated.
type EnvLoader struct {
	base Loader
}

// NewEnvLoader wraps base. A nil base starts from Default().
func NewEnvLoader(base Loader) *EnvLoader { return &EnvLoader{base: base} }

// Load implements Loader. The result is validated.
func (l *EnvLoader) Load(ctx context.Context) (*Config, error) {
	cfg := Default()
	if l.base != nil {
		var err error
		if cfg, err = l.base.Load(ctx); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKeys lists every overridable key. Viper only sees environment
// variables for keys it has been told about.
var envKeys = []string{
	"service.name", "service.log_level", "service.shutdown_timeout",
	"http.addr", "http.admin_addr",
	"storage.backend", "storage.dsn",
	"event_bus.backend", "event_bus.batch_size", "event_bus.poll_interval", "event_bus.dedup_size",
	"kafka.brokers", "kafka.transitions_topic", "kafka.notifications_topic", "kafka.group_id", "kafka.client_id",
	"redis.addr", "redis.password", "redis.db", "redis.latest_ttl",
	"executor.job_timeout", "executor.auth_timeout", "executor.commit_timeout",
	"retry.max_attempts", "retry.base_delay", "retry.factor", "retry.min_delay", "retry.max_delay", "retry.jitter",
	"scheduler.workers",
	"entitlement.owners", "entitlement.cache_size", "entitlement.cache_ttl", "entitlement.watch_interval",
	"automation.driver", "automation.rate_limit", "automation.burst",
	"telemetry.endpoint", "telemetry.insecure", "telemetry.probability",
}
