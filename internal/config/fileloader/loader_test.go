package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/booking-armada/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bookingd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileLoader_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: postgres
  dsn: postgres://booking@localhost/booking
event_bus:
  backend: kafka
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
executor:
  job_timeout: 10m
retry:
  max_attempts: 5
entitlement:
  owners: [alice, bob]
automation:
  driver: scripted
`)

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, config.BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 10*time.Minute, cfg.Executor.JobTimeout)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, []string{"alice", "bob"}, cfg.Entitlement.Owners)
	assert.Equal(t, config.DriverScripted, cfg.Automation.Driver)

	// Untouched sections keep their defaults.
	assert.Equal(t, 120*time.Second, cfg.Executor.AuthTimeout)
	assert.Equal(t, "booking.session-transitions", cfg.Kafka.TransitionsTopic)
	require.NoError(t, cfg.Validate())
}

func TestFileLoader_Errors(t *testing.T) {
	_, err := NewFileLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = NewFileLoader(writeConfig(t, "storage: [")).Load(context.Background())
	assert.ErrorContains(t, err, "failed to parse config")

	_, err = NewFileLoader(writeConfig(t, "storage:\n  backnd: memory\n")).Load(context.Background())
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestFileLoader_WithEnvOverrides(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  workers: 2\n")
	t.Setenv("BOOKING_SCHEDULER_WORKERS", "16")

	cfg, err := config.NewEnvLoader(NewFileLoader(path)).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Scheduler.Workers)
}
