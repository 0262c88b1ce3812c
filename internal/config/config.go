// Package config provides configuration management for the chirp indexer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Ledger      LedgerConfig
	Backfill    BackfillConfig
	Listener    ListenerConfig
	Consistency ConsistencyConfig
	Cache       CacheConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	Port            string
	Host            string
	ShutdownTimeout time.Duration
}

// LedgerConfig holds the ledger gateway configuration
type LedgerConfig struct {
	RPCPrimary      string
	RPCSecondary    string
	ContractAddress string
	// ReserveAddress holds the purchasable token supply. Defaults to the contract itself.
	ReserveAddress string
	// ABIPath optionally overrides the embedded chirp contract ABI
	ABIPath     string
	CallTimeout time.Duration
	MaxRPS      int // 0 disables client-side pacing
	MaxBurst    int
}

// BackfillConfig holds backfill driver configuration
type BackfillConfig struct {
	MaxAttempts   int           // attempts per record fetch
	InitialDelay  time.Duration // first retry delay
	MaxDelay      time.Duration
	ProgressEvery int    // log progress every N records
	MaxRecords    uint64 // safety cap per run, 0 = unbounded
}

// ListenerConfig holds live update listener configuration
type ListenerConfig struct {
	BufferSize       int
	ResubscribeDelay time.Duration
	MaxResubscribe   time.Duration
	// RefreshWindow is how many of the newest chirps are re-read after a
	// resubscribe to pick up votes missed meanwhile; 0 disables it
	RefreshWindow int
}

// ConsistencyConfig holds periodic consistency check configuration
type ConsistencyConfig struct {
	Interval time.Duration // 0 disables periodic checks
	// Schedule is a cron expression; when set it replaces Interval
	Schedule   string
	SampleSize int // chirps re-read from the ledger per check
}

// CacheConfig holds the Redis lookup cache configuration
type CacheConfig struct {
	Enabled    bool
	Host       string
	Port       string
	Password   string
	DB         int
	AliasTTL   time.Duration
	BalanceTTL time.Duration
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional; the environment may be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Ledger: LedgerConfig{
			RPCPrimary:      getEnv("LEDGER_RPC_PRIMARY", ""),
			RPCSecondary:    getEnv("LEDGER_RPC_SECONDARY", ""),
			ContractAddress: getEnv("CHIRP_CONTRACT_ADDRESS", ""),
			ReserveAddress:  getEnv("CHIRP_RESERVE_ADDRESS", ""),
			ABIPath:         getEnv("CHIRP_CONTRACT_ABI_PATH", ""),
			CallTimeout:     getEnvAsDuration("LEDGER_CALL_TIMEOUT", 15*time.Second),
			MaxRPS:          getEnvAsInt("LEDGER_MAX_RPS", 0),
			MaxBurst:        getEnvAsInt("LEDGER_MAX_BURST", 10),
		},
		Backfill: BackfillConfig{
			MaxAttempts:   getEnvAsInt("BACKFILL_MAX_ATTEMPTS", 3),
			InitialDelay:  getEnvAsDuration("BACKFILL_RETRY_DELAY", 500*time.Millisecond),
			MaxDelay:      getEnvAsDuration("BACKFILL_RETRY_MAX_DELAY", 10*time.Second),
			ProgressEvery: getEnvAsInt("BACKFILL_PROGRESS_EVERY", 500),
			MaxRecords:    uint64(getEnvAsInt("BACKFILL_MAX_RECORDS", 0)),
		},
		Listener: ListenerConfig{
			BufferSize:       getEnvAsInt("LISTENER_BUFFER_SIZE", 1024),
			ResubscribeDelay: getEnvAsDuration("LISTENER_RESUBSCRIBE_DELAY", time.Second),
			MaxResubscribe:   getEnvAsDuration("LISTENER_RESUBSCRIBE_MAX_DELAY", 30*time.Second),
			RefreshWindow:    getEnvAsInt("LISTENER_REFRESH_WINDOW", 256),
		},
		Consistency: ConsistencyConfig{
			Interval:   getEnvAsDuration("CONSISTENCY_CHECK_INTERVAL", 0),
			Schedule:   getEnv("CONSISTENCY_CHECK_SCHEDULE", ""),
			SampleSize: getEnvAsInt("CONSISTENCY_SAMPLE_SIZE", 20),
		},
		Cache: CacheConfig{
			Enabled:    getEnvAsBool("CACHE_ENABLED", false),
			Host:       getEnv("REDIS_HOST", "localhost"),
			Port:       getEnv("REDIS_PORT", "6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         getEnvAsInt("REDIS_DB", 0),
			AliasTTL:   getEnvAsDuration("CACHE_ALIAS_TTL", 10*time.Minute),
			BalanceTTL: getEnvAsDuration("CACHE_BALANCE_TTL", 15*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 50),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if config.Ledger.ReserveAddress == "" {
		config.Ledger.ReserveAddress = config.Ledger.ContractAddress
	}

	return config, nil
}

// Validate checks the settings the indexer cannot start without
func (c *Config) Validate() error {
	var missing []string
	if c.Ledger.RPCPrimary == "" {
		missing = append(missing, "LEDGER_RPC_PRIMARY")
	}
	if c.Ledger.ContractAddress == "" {
		missing = append(missing, "CHIRP_CONTRACT_ADDRESS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Backfill.MaxAttempts < 1 {
		return fmt.Errorf("BACKFILL_MAX_ATTEMPTS must be at least 1, got %d", c.Backfill.MaxAttempts)
	}
	if c.Consistency.Schedule != "" && !gronx.IsValid(c.Consistency.Schedule) {
		return fmt.Errorf("CONSISTENCY_CHECK_SCHEDULE is not a valid cron expression: %q", c.Consistency.Schedule)
	}
	if c.Ledger.CallTimeout <= 0 {
		return fmt.Errorf("LEDGER_CALL_TIMEOUT must be positive, got %v", c.Ledger.CallTimeout)
	}
	return nil
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
