package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// ClientConfig contains all configuration needed for Kafka client setup.
type ClientConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
}

// NewSaramaConfig returns the settings shared by every producer and
// consumer of the service.
func NewSaramaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	// Consumer settings.
	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings. Hash partitioning keeps one key on one partition.
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	// Version should be consistent across all components.
	config.Version = sarama.V3_6_0_0

	return config
}

// NewClient creates a Kafka client with the service's settings.
func NewClient(cfg *ClientConfig) (sarama.Client, error) {
	return sarama.NewClient(cfg.Brokers, NewSaramaConfig(cfg.ClientID))
}

// connectBackOff is the schedule used while brokers are unreachable at startup.
func connectBackOff() backoff.BackOff {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second
	return expBackoff
}

// ConnectClient creates a client, retrying with exponential backoff for up
// to five minutes while the cluster is unavailable.
func ConnectClient(cfg *ClientConfig, logger *logger.Logger) (sarama.Client, error) {
	var client sarama.Client
	operation := func() error {
		var err error
		client, err = NewClient(cfg)
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn(context.Background(), "kafka not reachable, retrying", "brokers", cfg.Brokers, "retry_in", next, "error", err)
	}

	if err := backoff.RetryNotify(operation, connectBackOff(), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}
	return client, nil
}

// ConnectEventBus creates an EventBus using the provided client. It retries
// establishing the producer and consumer group connections.
func ConnectEventBus(
	cfg *EventBusConfig,
	client sarama.Client,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	var eventBus *EventBus

	operation := func() error {
		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}

		consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			producer.Close()
			return fmt.Errorf("creating consumer group: %w", err)
		}

		eventBus, err = NewEventBus(producer, consumerGroup, cfg, logger, metrics, tracer)
		if err != nil {
			producer.Close()
			consumerGroup.Close()
			return backoff.Permanent(fmt.Errorf("creating event bus: %w", err))
		}
		return nil
	}

	if err := backoff.Retry(operation, connectBackOff()); err != nil {
		return nil, fmt.Errorf("failed to connect event bus after retries: %w", err)
	}
	return eventBus, nil
}
