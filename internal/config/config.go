// Package config provides configuration management for the carrier lookup service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Carrier  CarrierConfig
	Proxy    ProxyConfig
	Resolver ResolverConfig
	Batch    BatchConfig
	Watchdog WatchdogConfig
	Cache    CacheConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration for the lookup attempt audit trail
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Enabled  bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// CarrierConfig holds the upstream carrier service endpoints and timeouts
type CarrierConfig struct {
	StoreURL     string        // public storefront, first handshake step
	APIURL       string        // store backend API
	LoginTimeout time.Duration // per-call timeout for handshake requests
	QueryTimeout time.Duration // per-call timeout for lookup requests
}

// ProxyConfig holds proxy pool tuning
type ProxyConfig struct {
	BlacklistCooldown time.Duration // exclusion window after a slow or failed call
	SlowThreshold     time.Duration // responses slower than this blacklist the identity
	BreakerThreshold  int           // consecutive transport errors before the breaker opens
	BreakerCooldown   time.Duration // how long an open breaker disables an identity
	RequestsPerSecond float64       // per-identity carrier call rate
}

// ResolverConfig holds the retry orchestrator bounds
type ResolverConfig struct {
	Deadline     time.Duration // wall-clock bound for one number resolution
	MaxAttempts  int           // attempt bound, independent of rotations
	RotateAfter  int           // consecutive transient failures before rotating identity
	AuthAttempts int           // handshake tries per attempt, each through a different identity
}

// BatchConfig holds batch coordinator tuning
type BatchConfig struct {
	ChunkSize     int           // numbers dispatched per chunk
	DispatchDelay time.Duration // pause between chunk dispatches
	WorkerIdle    time.Duration // idle period before a per-user worker retires
}

// WatchdogConfig holds the stalled job watchdog sweeps
type WatchdogConfig struct {
	SweepInterval time.Duration // stalled-job sweep period
	ForceInterval time.Duration // coarse force-deactivate sweep period
	StuckAfter    time.Duration // active jobs older than this are force-deactivated
}

// CacheConfig holds result cache tuning
type CacheConfig struct {
	Freshness time.Duration // logical TTL; older entries are treated as misses
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "apimovil"),
				User:           getEnv("POSTGRES_USER", "apimovil"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "apimovil"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Enabled:  getEnvAsBool("CLICKHOUSE_AUDIT_ENABLED", false),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Carrier: CarrierConfig{
			StoreURL:     getEnv("CARRIER_STORE_URL", "https://www.digimobil.es"),
			APIURL:       getEnv("CARRIER_API_URL", "https://store-backend.digimobil.es"),
			LoginTimeout: getEnvAsDuration("CARRIER_LOGIN_TIMEOUT", 30*time.Second),
			QueryTimeout: getEnvAsDuration("CARRIER_QUERY_TIMEOUT", 20*time.Second),
		},
		Proxy: ProxyConfig{
			BlacklistCooldown: getEnvAsDuration("PROXY_BLACKLIST_COOLDOWN", 300*time.Second),
			SlowThreshold:     getEnvAsDuration("PROXY_SLOW_THRESHOLD", 5*time.Second),
			BreakerThreshold:  getEnvAsInt("PROXY_BREAKER_THRESHOLD", 3),
			BreakerCooldown:   getEnvAsDuration("PROXY_BREAKER_COOLDOWN", 300*time.Second),
			RequestsPerSecond: getEnvAsFloat("PROXY_REQUESTS_PER_SECOND", 2.0),
		},
		Resolver: ResolverConfig{
			Deadline:     getEnvAsDuration("RESOLVER_DEADLINE", 180*time.Second),
			MaxAttempts:  getEnvAsInt("RESOLVER_MAX_ATTEMPTS", 20),
			RotateAfter:  getEnvAsInt("RESOLVER_ROTATE_AFTER", 3),
			AuthAttempts: getEnvAsInt("RESOLVER_AUTH_ATTEMPTS", 2),
		},
		Batch: BatchConfig{
			ChunkSize:     getEnvAsInt("BATCH_CHUNK_SIZE", 100),
			DispatchDelay: getEnvAsDuration("BATCH_DISPATCH_DELAY", 1*time.Second),
			WorkerIdle:    getEnvAsDuration("BATCH_WORKER_IDLE", 5*time.Minute),
		},
		Watchdog: WatchdogConfig{
			SweepInterval: getEnvAsDuration("WATCHDOG_SWEEP_INTERVAL", 60*time.Second),
			ForceInterval: getEnvAsDuration("WATCHDOG_FORCE_INTERVAL", 2*time.Hour),
			StuckAfter:    getEnvAsDuration("WATCHDOG_STUCK_AFTER", 12*time.Hour),
		},
		Cache: CacheConfig{
			Freshness: getEnvAsDuration("CACHE_FRESHNESS", 30*24*time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
