// Package config provides configuration management for the pool portfolio service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/perp-pool-portfolio/internal/types"
)

// Cache backends
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Chains    ChainsConfig
	Cache     CacheConfig
	Fetcher   FetcherConfig
	Sync      SyncConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
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

// URL returns the connection url used by the migration runner
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ClickHouseConfig holds the trade archive connection. The archive is
// optional and off unless Enabled is set.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// ChainsConfig holds chain configuration
type ChainsConfig struct {
	Enabled []types.ChainID
	Chains  map[types.ChainID]ChainConfig
}

// ChainConfig holds configuration for a specific chain
type ChainConfig struct {
	RPCPrimary     string
	RPCSecondary   string
	FactoryAddress string
	LookbackBlocks uint64
}

// CacheConfig holds persistent cache configuration
type CacheConfig struct {
	Backend       string
	Namespace     string
	TTLMinutes    int
	SweepSchedule string
}

// FetcherConfig holds event ledger chunking configuration
type FetcherConfig struct {
	ChunkSize         uint64
	FallbackChunkSize uint64
}

// SyncConfig holds controller batching configuration
type SyncConfig struct {
	PoolBatchSize int
	BatchDelay    time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RPCRequestsPerSecond int
	RPCBurst             int
	APIRequestsPerSecond int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
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
				Database:       getEnv("POSTGRES_DB", "pool_portfolio"),
				User:           getEnv("POSTGRES_USER", "portfolio"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("TRADE_ARCHIVE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "pool_portfolio"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
		},
		Cache: CacheConfig{
			Backend:       strings.ToLower(getEnv("CACHE_BACKEND", BackendMemory)),
			Namespace:     getEnv("CACHE_NAMESPACE", "portfolio"),
			TTLMinutes:    getEnvAsInt("CACHE_TTL_MINUTES", 5),
			SweepSchedule: getEnv("CACHE_SWEEP_SCHEDULE", "@every 1m"),
		},
		Fetcher: FetcherConfig{
			ChunkSize:         getEnvAsUint64("FETCH_CHUNK_SIZE", 5000),
			FallbackChunkSize: getEnvAsUint64("FETCH_FALLBACK_CHUNK_SIZE", 1000),
		},
		Sync: SyncConfig{
			PoolBatchSize: getEnvAsInt("SYNC_POOL_BATCH_SIZE", 3),
			BatchDelay:    getEnvAsDuration("SYNC_BATCH_DELAY", 500*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			RPCRequestsPerSecond: getEnvAsInt("RPC_REQUESTS_PER_SECOND", 25),
			RPCBurst:             getEnvAsInt("RPC_BURST", 50),
			APIRequestsPerSecond: getEnvAsInt("API_REQUESTS_PER_SECOND", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	chains, err := loadChainConfigs()
	if err != nil {
		return nil, err
	}
	config.Chains = chains

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendMemory, BackendRedis, BackendPostgres, BackendNone:
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTLMinutes <= 0 {
		return fmt.Errorf("CACHE_TTL_MINUTES must be positive, got %d", c.Cache.TTLMinutes)
	}
	if c.Fetcher.ChunkSize == 0 || c.Fetcher.FallbackChunkSize == 0 {
		return fmt.Errorf("fetch chunk sizes must be positive")
	}
	if c.Fetcher.FallbackChunkSize >= c.Fetcher.ChunkSize {
		return fmt.Errorf("FETCH_FALLBACK_CHUNK_SIZE (%d) must be smaller than FETCH_CHUNK_SIZE (%d)",
			c.Fetcher.FallbackChunkSize, c.Fetcher.ChunkSize)
	}
	if c.Sync.PoolBatchSize <= 0 {
		return fmt.Errorf("SYNC_POOL_BATCH_SIZE must be positive, got %d", c.Sync.PoolBatchSize)
	}
	return nil
}

// loadChainConfigs loads chain-specific configurations keyed by numeric chain id
func loadChainConfigs() (ChainsConfig, error) {
	raw := strings.Split(getEnv("ENABLED_CHAINS", "8453,84532"), ",")

	enabled := make([]types.ChainID, 0, len(raw))
	chains := make(map[types.ChainID]ChainConfig)
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		chainID, err := types.ParseChainID(entry)
		if err != nil {
			return ChainsConfig{}, fmt.Errorf("ENABLED_CHAINS: %w", err)
		}

		prefix := "CHAIN_" + chainID.String()
		enabled = append(enabled, chainID)
		chains[chainID] = ChainConfig{
			RPCPrimary:     getEnv(prefix+"_RPC_PRIMARY", ""),
			RPCSecondary:   getEnv(prefix+"_RPC_SECONDARY", ""),
			FactoryAddress: getEnv(prefix+"_FACTORY", ""),
			LookbackBlocks: getEnvAsUint64(prefix+"_LOOKBACK_BLOCKS", chainID.Metadata().LookbackBlocks),
		}
	}

	return ChainsConfig{
		Enabled: enabled,
		Chains:  chains,
	}, nil
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

func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

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
