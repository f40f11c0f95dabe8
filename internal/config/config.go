// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir string // Base directory for all databases, always absolute
	LogsDir string // Directory for DUMPLOG output files
	Port    int
	DevMode bool

	LogLevel   string
	ServerName string // "server" field stamped on every audit event

	QuoteAddr           string        // host:port of the quote oracle
	QuoteConnectTimeout time.Duration // oracle dial budget
	QuoteReadTimeout    time.Duration // oracle response budget
	QuoteCacheTTL       time.Duration // per-symbol quote freshness window

	TriggerCadence time.Duration // armed-trigger evaluation interval
	SweepCadence   time.Duration // pending-intent TTL sweep interval
	QueueDepth     int           // per-user command queue bound

	// CommitBuyCreditsShares switches COMMIT_BUY to credit whole shares at
	// the staged quote price instead of the dollar figure.
	CommitBuyCreditsShares bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TRADER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logsDir := getEnv("TRADER_LOGS_DIR", "")
	if logsDir == "" {
		logsDir = filepath.Join(absDataDir, "logs")
	}
	absLogsDir, err := filepath.Abs(logsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve logs directory path: %w", err)
	}

	cfg := &Config{
		DataDir:    absDataDir,
		LogsDir:    absLogsDir,
		Port:       getEnvAsInt("GO_PORT", 8001),
		DevMode:    getEnvAsBool("DEV_MODE", false),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		ServerName: getEnv("SERVER_NAME", "transaction-server"),

		QuoteAddr:           getEnv("QUOTE_SERVER_ADDR", "localhost:4444"),
		QuoteConnectTimeout: getEnvAsDuration("QUOTE_CONNECT_TIMEOUT", 1*time.Second),
		QuoteReadTimeout:    getEnvAsDuration("QUOTE_READ_TIMEOUT", 2*time.Second),
		QuoteCacheTTL:       getEnvAsDuration("QUOTE_CACHE_TTL", 60*time.Second),

		TriggerCadence: getEnvAsDuration("TRIGGER_CADENCE", 5*time.Second),
		SweepCadence:   getEnvAsDuration("PENDING_SWEEP_CADENCE", 10*time.Second),
		QueueDepth:     getEnvAsInt("COMMAND_QUEUE_DEPTH", 64),

		CommitBuyCreditsShares: getEnvAsBool("COMMIT_BUY_CREDITS_SHARES", false),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.QuoteAddr == "" {
		return fmt.Errorf("quote server address is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
