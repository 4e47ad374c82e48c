// Package config provides configuration management for lightmine.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds the global configuration for the lightminer daemon
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Input files
	WalletsFile string
	ProxyFile   string

	// Mining API
	APIBaseURL      string
	InvitationCode  string
	RequestTimeout  time.Duration
	RequestAttempts int
	RetryDelay      time.Duration
	SessionAttempts int

	// Scheduling
	CycleInterval  time.Duration
	WorkerPoolSize int
	LockTTL        time.Duration

	// Chain activation
	ActivationEnabled bool
	ChainRPCURL       string
	ChainContract     string
	ChainTimeout      time.Duration

	// Kafka configuration; no brokers disables publishing
	KafkaBrokers []string
	KafkaTopic   string
	KafkaFormat  string

	// Database connections; an empty URL disables that backend
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "lightminer"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		WalletsFile: getEnv("WALLETS_FILE", "wallets.json"),
		ProxyFile:   getEnv("PROXY_FILE", "proxy.txt"),

		// API defaults
		APIBaseURL:      getEnv("API_BASE_URL", "https://lightmining-api.taker.xyz/"),
		InvitationCode:  getEnv("INVITATION_CODE", "9M8HC"),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		RequestAttempts: getEnvInt("REQUEST_ATTEMPTS", 3),
		RetryDelay:      getEnvDuration("RETRY_DELAY", 3*time.Second),
		SessionAttempts: getEnvInt("SESSION_ATTEMPTS", 3),

		CycleInterval:  getEnvDuration("CYCLE_INTERVAL", time.Hour),
		WorkerPoolSize: getEnvInt("WORKER_POOL_SIZE", 1),
		LockTTL:        getEnvDuration("LOCK_TTL", 0),

		// Chain defaults
		ActivationEnabled: getEnvBool("ACTIVATION_ENABLED", true),
		ChainRPCURL:       getEnv("CHAIN_RPC_URL", "https://rpc-mainnet.taker.xyz/"),
		ChainContract:     getEnv("CHAIN_CONTRACT", "0xB3eFE5105b835E5Dd9D206445Dbd66DF24b912AB"),
		ChainTimeout:      getEnvDuration("CHAIN_TIMEOUT", 2*time.Minute),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "lightmining.outcomes"),
		KafkaFormat:  getEnv("KAFKA_FORMAT", "json"),

		PostgresURL:  getEnv("POSTGRES_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "lightmine"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if cfg.LockTTL == 0 {
		cfg.LockTTL = cfg.WalletPassBudget()
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// walletOperations is the number of API calls in one wallet pass:
// nonce, login, user info, mining time and start.
const walletOperations = 5

// WalletPassBudget is the longest one wallet pass can take when every API
// operation exhausts its retries and activation waits out ChainTimeout.
func (c *Config) WalletPassBudget() time.Duration {
	request := time.Duration(c.RequestAttempts) * (c.RequestTimeout + c.RetryDelay)
	operation := time.Duration(c.SessionAttempts) * (request + c.RetryDelay)
	budget := walletOperations * operation
	if c.ActivationEnabled {
		budget += c.ChainTimeout
	}
	return budget
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.WalletsFile == "" || c.ProxyFile == "" {
		return fmt.Errorf("WALLETS_FILE and PROXY_FILE cannot be empty")
	}

	if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute URL")
	}

	if c.RequestAttempts < 1 || c.SessionAttempts < 1 {
		return fmt.Errorf("REQUEST_ATTEMPTS and SESSION_ATTEMPTS must be at least 1")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	if c.RetryDelay < 0 {
		return fmt.Errorf("RETRY_DELAY cannot be negative")
	}

	if c.CycleInterval <= 0 {
		return fmt.Errorf("CYCLE_INTERVAL must be positive")
	}

	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1")
	}

	if c.LockTTL < 0 {
		return fmt.Errorf("LOCK_TTL cannot be negative")
	}

	// A lock that expires mid-pass lets another instance take the wallet.
	if c.RedisURL != "" && c.LockTTL < c.WalletPassBudget() {
		return fmt.Errorf("LOCK_TTL must cover a full wallet pass (%s)", c.WalletPassBudget())
	}

	if c.ActivationEnabled {
		if c.ChainRPCURL == "" {
			return fmt.Errorf("CHAIN_RPC_URL cannot be empty when activation is enabled")
		}
		if !common.IsHexAddress(c.ChainContract) {
			return fmt.Errorf("CHAIN_CONTRACT must be a hex address")
		}
	}

	if c.KafkaFormat != "json" && c.KafkaFormat != "proto" {
		return fmt.Errorf("KAFKA_FORMAT must be json or proto")
	}

	if c.InfluxURL != "" && c.InfluxToken == "" {
		return fmt.Errorf("INFLUX_TOKEN is required when INFLUX_URL is set")
	}

	return nil
}

// KafkaEnabled reports whether outcome events are published.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
