package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultEnv              = "development"
	defaultHTTPHost         = "0.0.0.0"
	defaultHTTPPort         = 8080
	defaultRedisAddr        = "localhost:6379"
	defaultRedisDB          = 0
	defaultRequestsExchange = "ledger.recalc.requests"
	defaultRequestsQueue    = "ledger.recalc"
	defaultEventsExchange   = "ledger.recalculated"
	defaultPrefetch         = 8
	defaultCoalesceMillis   = 250
	defaultParallelism      = 4
)

// Config keeps the runtime configuration for the service.
type Config struct {
	Env      string
	HTTP     HTTPConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
}

// HTTPConfig holds HTTP server related settings.
type HTTPConfig struct {
	Host string
	Port int
}

// Addr renders the listen address in host:port form.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// PostgresConfig stores database connection parameters.
type PostgresConfig struct {
	DSN string
}

// RedisConfig stores Redis connection parameters. An empty Addr disables
// cache invalidation.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RabbitMQConfig stores broker parameters for the recalculation worker
// and the post-commit event publisher. An empty URL disables both.
type RabbitMQConfig struct {
	URL              string
	RequestsExchange string
	RequestsQueue    string
	EventsExchange   string
	Prefetch         int
	CoalesceWindow   time.Duration
	Parallelism      int
}

// Load builds Config from environment variables.
func Load() (*Config, error) {
	host := getString("HTTP_HOST", defaultHTTPHost)
	port, err := getInt("HTTP_PORT", defaultHTTPPort)
	if err != nil {
		return nil, fmt.Errorf("parse HTTP_PORT: %w", err)
	}

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		return nil, errors.New("DATABASE_DSN is required")
	}

	redisDB, err := getInt("REDIS_DB", defaultRedisDB)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_DB: %w", err)
	}

	prefetch, err := getInt("RABBITMQ_PREFETCH", defaultPrefetch)
	if err != nil {
		return nil, fmt.Errorf("parse RABBITMQ_PREFETCH: %w", err)
	}
	coalesceMillis, err := getInt("RECALC_COALESCE_MS", defaultCoalesceMillis)
	if err != nil {
		return nil, fmt.Errorf("parse RECALC_COALESCE_MS: %w", err)
	}
	parallelism, err := getInt("RECALC_PARALLELISM", defaultParallelism)
	if err != nil {
		return nil, fmt.Errorf("parse RECALC_PARALLELISM: %w", err)
	}

	return &Config{
		Env:  getString("APP_ENV", defaultEnv),
		HTTP: HTTPConfig{Host: host, Port: port},
		Postgres: PostgresConfig{
			DSN: dsn,
		},
		Redis: RedisConfig{
			Addr:     getString("REDIS_ADDR", defaultRedisAddr),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		RabbitMQ: RabbitMQConfig{
			URL:              os.Getenv("RABBITMQ_URL"),
			RequestsExchange: getString("RABBITMQ_REQUESTS_EXCHANGE", defaultRequestsExchange),
			RequestsQueue:    getString("RABBITMQ_REQUESTS_QUEUE", defaultRequestsQueue),
			EventsExchange:   getString("RABBITMQ_EVENTS_EXCHANGE", defaultEventsExchange),
			Prefetch:         prefetch,
			CoalesceWindow:   time.Duration(coalesceMillis) * time.Millisecond,
			Parallelism:      parallelism,
		},
	}, nil
}

func getString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("convert %s value %q to int: %w", key, value, err)
	}
	return parsed, nil
}
