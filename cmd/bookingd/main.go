package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/booking-armada/internal/api"
	bookingapp "github.com/ahrav/booking-armada/internal/app/booking"
	"github.com/ahrav/booking-armada/internal/app/propagation"
	"github.com/ahrav/booking-armada/internal/config"
	"github.com/ahrav/booking-armada/internal/config/fileloader"
	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/domain/events"
	"github.com/ahrav/booking-armada/internal/infra/automation"
	"github.com/ahrav/booking-armada/internal/infra/entitlement"
	eventdispatcher "github.com/ahrav/booking-armada/internal/infra/event_dispatcher"
	"github.com/ahrav/booking-armada/internal/infra/eventbus"
	kafkabus "github.com/ahrav/booking-armada/internal/infra/eventbus/kafka"
	memorybus "github.com/ahrav/booking-armada/internal/infra/eventbus/memory"
	redisfeed "github.com/ahrav/booking-armada/internal/infra/feed/redis"
	"github.com/ahrav/booking-armada/internal/infra/notify"
	kafkanotify "github.com/ahrav/booking-armada/internal/infra/notify/kafka"
	"github.com/ahrav/booking-armada/internal/infra/storage"
	memorystore "github.com/ahrav/booking-armada/internal/infra/storage/booking/memory"
	pgstore "github.com/ahrav/booking-armada/internal/infra/storage/booking/postgres"
	"github.com/ahrav/booking-armada/pkg/common"
	"github.com/ahrav/booking-armada/pkg/common/logger"
	"github.com/ahrav/booking-armada/pkg/common/otel"
)

const serviceType = "bookingd"

func main() {
	_, _ = maxprocs.Set()

	if err := run(); err != nil {
		log.Fatalf("bookingd: %v", err)
	}
}

func run() error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var base config.Loader
	if path := os.Getenv("BOOKING_CONFIG_FILE"); path != "" {
		base = fileloader.NewFileLoader(path)
	}
	cfg, err := config.NewEnvLoader(base).Load(ctx)
	if err != nil {
		return err
	}

	svcName := fmt.Sprintf("%s-%s", cfg.Service.Name, hostname)
	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}
	log := logger.NewWithMetadata(os.Stdout, logger.ParseLevel(cfg.Service.LogLevel), svcName,
		otel.GetTraceID, logEvents, metadata)

	tp, mp, teardown, err := initTelemetry(log, cfg, hostname)
	if err != nil {
		return err
	}
	defer teardown(context.Background())
	if cfg.Telemetry.Endpoint != "" {
		log = log.Tee(otelslog.NewHandler(svcName))
	}
	tracer := tp.Tracer(cfg.Service.Name)

	ready := &atomic.Bool{}
	admin := common.NewAdminServer(cfg.HTTP.AdminAddr, ready)

	// Storage.
	var store booking.SessionStore
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := openPostgres(ctx, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := storage.Migrate(pool); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info(ctx, "Migrations applied successfully")
		store = pgstore.NewSessionStore(pool, tracer)
	default:
		log.Warn(ctx, "using in-memory session store; sessions do not survive a restart")
		store = memorystore.NewSessionStore()
	}

	// Event bus and notification hand-off.
	var (
		bus    events.EventBus
		sender booking.NotificationSender
	)
	switch cfg.EventBus.Backend {
	case config.BackendKafka:
		client, err := kafkabus.ConnectClient(&kafkabus.ClientConfig{
			Brokers:  cfg.Kafka.Brokers,
			GroupID:  cfg.Kafka.GroupID,
			ClientID: cfg.Kafka.ClientID,
		}, log)
		if err != nil {
			return err
		}
		defer client.Close()

		busMetrics, err := kafkabus.NewMetrics(mp)
		if err != nil {
			return fmt.Errorf("failed to create kafka metrics: %w", err)
		}
		kafkaBus, err := kafkabus.ConnectEventBus(&kafkabus.EventBusConfig{
			TransitionsTopic: cfg.Kafka.TransitionsTopic,
			GroupID:          cfg.Kafka.GroupID,
			ClientID:         cfg.Kafka.ClientID,
		}, client, log, busMetrics, tracer)
		if err != nil {
			return err
		}
		bus = kafkaBus

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("failed to create notification producer: %w", err)
		}
		defer producer.Close()
		sender = kafkanotify.NewSender(producer, cfg.Kafka.NotificationsTopic, log, tracer)
	default:
		bus = memorybus.NewEventBus(log, tracer)
		sender = notify.NewLogSender(log)
	}
	defer bus.Close()

	// Live status feed.
	redisClient, err := redisfeed.Connect(ctx, redisfeed.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer redisClient.Close()
	feed := redisfeed.NewStatusFeed(redisClient, cfg.Redis.LatestTTL, log, tracer)

	// Propagation.
	propMetrics, err := propagation.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create propagation metrics: %w", err)
	}
	notifications := propagation.NewNotificationDispatcher(sender,
		propagation.NewDeduplicator(cfg.EventBus.DedupSize), log, tracer, propMetrics)
	statusHandler := propagation.NewStatusFeedHandler(feed,
		propagation.NewDeduplicator(cfg.EventBus.DedupSize), log, tracer, propMetrics)

	dispatcher := eventdispatcher.New(tracer, log)
	for _, h := range []events.EventHandler{statusHandler, notifications} {
		if err := dispatcher.RegisterHandler(ctx, h); err != nil {
			return fmt.Errorf("failed to register event handler: %w", err)
		}
	}
	// Subscriptions outlive the signal so the shutdown flush still reaches
	// the subscribers; they are released after the final drain.
	subCtx, unsubscribe := context.WithCancel(context.WithoutCancel(ctx))
	defer unsubscribe()
	if err := bus.Subscribe(subCtx, dispatcher.EventTypes(), dispatcher.Dispatch); err != nil {
		return fmt.Errorf("failed to subscribe to transitions: %w", err)
	}

	relay := propagation.NewRelay(store, eventbus.NewDomainEventPublisher(bus),
		propagation.RelayConfig{BatchSize: cfg.EventBus.BatchSize, PollInterval: cfg.EventBus.PollInterval},
		log, tracer, propMetrics)

	// Booking engine.
	appMetrics, err := bookingapp.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create booking metrics: %w", err)
	}

	policy := bookingapp.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Factor:      cfg.Retry.Factor,
		MinDelay:    cfg.Retry.MinDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid retry policy: %w", err)
	}

	var driver booking.AutomationStep
	switch cfg.Automation.Driver {
	case config.DriverScripted:
		log.Warn(ctx, "using the scripted automation driver; no real bookings will be made")
		driver = automation.NewScriptedDriver()
	default:
		return fmt.Errorf("unsupported automation driver %q", cfg.Automation.Driver)
	}
	step := automation.NewRateLimitedStep(driver, cfg.Automation.RateLimit, cfg.Automation.Burst)

	entitlements := entitlement.NewCachedChecker(entitlement.NewAllowlist(cfg.Entitlement.Owners...),
		cfg.Entitlement.CacheSize, cfg.Entitlement.CacheTTL)

	executor := bookingapp.NewExecutor(store, step, bookingapp.NewRetryController(policy), relay,
		bookingapp.ExecutorConfig{
			JobTimeout:    cfg.Executor.JobTimeout,
			AuthTimeout:   cfg.Executor.AuthTimeout,
			CommitTimeout: cfg.Executor.CommitTimeout,
		},
		log, tracer, appMetrics)
	scheduler := bookingapp.NewScheduler(store, entitlements, executor,
		bookingapp.SchedulerConfig{Workers: cfg.Scheduler.Workers}, log, tracer, appMetrics)
	service := bookingapp.NewService(scheduler, store, log, tracer)

	watcher := propagation.NewEntitlementWatcher(store, entitlements, scheduler, sender,
		cfg.Entitlement.WatchInterval, log, tracer)

	apiMetrics, err := api.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create api metrics: %w", err)
	}
	server := api.NewServer(service, feed, log, tp, apiMetrics)

	scheduler.Start()
	if _, err := scheduler.Recover(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return server.Start(gctx, cfg.HTTP.Addr, cfg.Service.ShutdownTimeout) })
	g.Go(func() error { return common.RunAdminServer(gctx, admin, cfg.Service.ShutdownTimeout) })

	ready.Store(true)
	log.Info(ctx, "bookingd started", "addr", cfg.HTTP.Addr, "admin_addr", cfg.HTTP.AdminAddr)

	runErr := g.Wait()
	ready.Store(false)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error(ctx, "component failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()

	// Stop producing transitions first, then flush what was committed so
	// subscribers see every transition of the runs that finished.
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "failed to stop scheduler", "error", err)
	}
	if _, err := relay.Flush(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "outbox not fully drained at shutdown", "error", err)
	}
	notifications.Wait()
	unsubscribe()

	log.Info(shutdownCtx, "bookingd stopped")
	return runErr
}

func initTelemetry(
	log *logger.Logger,
	cfg *config.Config,
	hostname string,
) (trace.TracerProvider, metric.MeterProvider, func(context.Context), error) {
	if cfg.Telemetry.Endpoint == "" {
		mp, err := otel.NewMeterProvider(cfg.Service.Name)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create meter provider: %w", err)
		}
		return noop.NewTracerProvider(), mp, func(context.Context) {}, nil
	}

	tp, mp, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Service.Name,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/healthz": {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tp, mp, teardown, nil
}

func openPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConns = 20

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach db: %w", err)
	}
	return pool, nil
}
