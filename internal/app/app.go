package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/utafrali/OrderSagaGo/internal/config"
	"github.com/utafrali/OrderSagaGo/internal/event"
	"github.com/utafrali/OrderSagaGo/internal/gateway"
	handler "github.com/utafrali/OrderSagaGo/internal/handler/http"
	"github.com/utafrali/OrderSagaGo/internal/repository/postgres"
	"github.com/utafrali/OrderSagaGo/internal/scheduler"
	"github.com/utafrali/OrderSagaGo/internal/service"
	"github.com/utafrali/OrderSagaGo/migrations"
	"github.com/utafrali/OrderSagaGo/pkg/database"
	"github.com/utafrali/OrderSagaGo/pkg/health"
	"github.com/utafrali/OrderSagaGo/pkg/httpclient"
	pkgkafka "github.com/utafrali/OrderSagaGo/pkg/kafka"
	"github.com/utafrali/OrderSagaGo/pkg/tracing"
)

const serviceName = "saga-orchestrator"

// dedupTTL bounds how long consumed event IDs are remembered for
// deduplication. Must comfortably exceed Kafka redelivery windows.
const dedupTTL = 24 * time.Hour

// App wires together all dependencies and runs the saga orchestrator.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	pool           *pgxpool.Pool
	rdb            *redis.Client
	producer       *pkgkafka.Producer
	consumers      []*pkgkafka.Consumer
	dlq            *pkgkafka.DLQProducer
	sched          *scheduler.Scheduler
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}

	pool, err := database.NewPostgresPool(ctx, &pgCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, serviceName)

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Configure slow query logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}

	// Initialize Redis, backing consumer-side event deduplication.
	redisCfg := database.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	}
	rdb, err := database.NewRedisClient(ctx, redisCfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis",
		slog.String("addr", redisCfg.Addr()),
		slog.Int("db", cfg.RedisDB),
	)

	// Initialize Kafka producer.
	kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
	producer := pkgkafka.NewProducer(kafkaCfg, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Build the dependency graph.
	sagaRepo := postgres.NewSagaRepository(pool)
	ledgerRepo := postgres.NewLedgerRepository(pool)
	eventProducer := event.NewProducer(producer, logger)

	// HTTP client with circuit breaker for collaborator commands.
	baseClient := httpclient.New(httpclient.Config{
		Timeout:         time.Duration(cfg.SagaCommandTimeout) * time.Second,
		MaxRetries:      3,
		RetryWaitMin:    500 * time.Millisecond,
		RetryWaitMax:    5 * time.Second,
		MaxConnsPerHost: 100,
	})

	cbCfg := httpclient.CircuitBreakerConfig{
		Name:         "saga-collaborators",
		MaxRequests:  cfg.CBMaxRequests,
		Interval:     time.Duration(cfg.CBInterval) * time.Second,
		Timeout:      time.Duration(cfg.CBTimeout) * time.Second,
		FailureRatio: cfg.CBFailureRatio,
		MinRequests:  cfg.CBMinRequests,
	}
	cbClient := httpclient.NewCircuitBreakerClient(baseClient, cbCfg, logger).
		WithFallback(gateway.CircuitOpenFallback)
	logger.Info("circuit breaker initialized",
		slog.String("name", cbCfg.Name),
		slog.Uint64("max_requests", uint64(cbCfg.MaxRequests)),
		slog.Int("timeout_seconds", cfg.CBTimeout),
		slog.Uint64("min_requests", uint64(cbCfg.MinRequests)),
	)

	// Command gateways: HTTP for stock and payment, Kafka for notification.
	httpGateway := gateway.NewHTTPGateway(cbClient, cfg.InventoryServiceURL, cfg.PaymentServiceURL, logger)
	kafkaGateway := gateway.NewKafkaGateway(producer, serviceName, logger)
	commands := gateway.NewInstrumentedSender(gateway.NewRouter(httpGateway, kafkaGateway))

	orchestrator := service.NewOrchestrator(
		sagaRepo,
		ledgerRepo,
		commands,
		eventProducer,
		logger,
		service.Config{
			MaxAttempts:  cfg.SagaMaxAttempts,
			ReclaimAfter: cfg.ReclaimAfter(),
		},
	)

	// Kafka consumers for collaborator confirmation events, deduplicated
	// through Redis, with a dead-letter queue for poison messages.
	dedupStore := pkgkafka.NewRedisIdempotencyStore(rdb, serviceName, dedupTTL)
	dlq := pkgkafka.NewDLQProducer(cfg.KafkaBrokers, logger)
	consumers := event.NewConsumers(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, dedupStore, dlq, orchestrator, logger)

	// Retry driver sweeping stalled sagas and abandoned ledger entries.
	sched := scheduler.New(sagaRepo, ledgerRepo, orchestrator, logger, scheduler.Config{
		Interval:       cfg.SchedulerInterval(),
		InitialBackoff: time.Duration(cfg.SchedulerInitialBackoff) * time.Second,
		MaxBackoff:     time.Duration(cfg.SchedulerMaxBackoff) * time.Second,
		BatchSize:      cfg.SchedulerBatchSize,
		ReclaimAfter:   cfg.ReclaimAfter(),
	})

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.Register("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.Register("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	healthHandler.Register("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	// HTTP router.
	router := handler.NewRouter(orchestrator, healthHandler, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		pool:           pool,
		rdb:            rdb,
		producer:       producer,
		consumers:      consumers,
		dlq:            dlq,
		sched:          sched,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the HTTP server, Kafka consumers and the retry driver, then
// blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	// Start Kafka consumers.
	for _, consumer := range a.consumers {
		c := consumer
		go func() {
			if err := c.Start(ctx); err != nil {
				a.logger.Error("kafka consumer error", slog.String("error", err.Error()))
			}
		}()
	}

	// Start the retry driver.
	go func() {
		if err := a.sched.Run(ctx); err != nil {
			a.logger.Error("retry driver error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Kafka consumers (stop accepting new events)
// 3. Tracer (flush pending spans)
// 4. Kafka producer
// 5. Redis client and PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Close Kafka consumers.
	for _, consumer := range a.consumers {
		if err := consumer.Close(); err != nil {
			a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 3. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 4. Close Kafka producers.
	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	if err := a.dlq.Close(); err != nil {
		a.logger.Error("dlq producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 5. Close Redis and PostgreSQL.
	if err := a.rdb.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
