package config

import (
	"fmt"
	"net/url"
	"time"

	pkgconfig "github.com/utafrali/OrderSagaGo/pkg/config"
)

// Config holds all configuration for the saga orchestrator service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"SAGA_HTTP_PORT" envDefault:"8010"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"saga"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"saga_secret"`
	PostgresDB   string `env:"SAGA_DB_NAME" envDefault:"saga_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Redis, used for consumer-side event deduplication.
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPass string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaBrokers       []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"saga-orchestrator"`

	// Collaborator service URLs
	InventoryServiceURL string `env:"INVENTORY_SERVICE_URL" envDefault:"http://localhost:8007"`
	PaymentServiceURL   string `env:"PAYMENT_SERVICE_URL" envDefault:"http://localhost:8005"`

	// Circuit breaker settings for collaborator calls
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Saga progression
	SagaMaxAttempts      int `env:"SAGA_MAX_ATTEMPTS" envDefault:"5"`
	SagaReclaimAfterSecs int `env:"SAGA_RECLAIM_AFTER_SECONDS" envDefault:"300"`
	SagaCommandTimeout   int `env:"SAGA_COMMAND_TIMEOUT_SECONDS" envDefault:"10"`

	// Retry driver
	SchedulerIntervalSecs   int `env:"SCHEDULER_INTERVAL_SECONDS" envDefault:"10"`
	SchedulerInitialBackoff int `env:"SCHEDULER_INITIAL_BACKOFF_SECONDS" envDefault:"5"`
	SchedulerMaxBackoff     int `env:"SCHEDULER_MAX_BACKOFF_SECONDS" envDefault:"120"`
	SchedulerBatchSize      int `env:"SCHEDULER_BATCH_SIZE" envDefault:"50"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	// Slow query logging
	SlowQueryThresholdMs int `env:"LOG_SLOW_QUERY_MS" envDefault:"500"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load saga config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.KafkaConsumerGroup == "" {
		return fmt.Errorf("KAFKA_CONSUMER_GROUP is required")
	}
	if c.SagaMaxAttempts < 1 {
		return fmt.Errorf("SAGA_MAX_ATTEMPTS must be at least 1, got %d", c.SagaMaxAttempts)
	}
	if c.SchedulerIntervalSecs < 1 {
		return fmt.Errorf("SCHEDULER_INTERVAL_SECONDS must be at least 1, got %d", c.SchedulerIntervalSecs)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	for name, rawURL := range map[string]string{
		"INVENTORY_SERVICE_URL": c.InventoryServiceURL,
		"PAYMENT_SERVICE_URL":   c.PaymentServiceURL,
	} {
		if rawURL == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, rawURL, err)
		}
	}
	return nil
}

// PostgresDSN returns the PostgreSQL connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPass, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSL,
	)
}

// ReclaimAfter returns the pending-command reclaim threshold as a duration.
func (c *Config) ReclaimAfter() time.Duration {
	return time.Duration(c.SagaReclaimAfterSecs) * time.Second
}

// SchedulerInterval returns the sweep interval as a duration.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSecs) * time.Second
}
