// Package config loads the agent's environment-variable configuration and
// the static per-network YAML overlay described in the component design
// for configuration (C0): everything that differs per deployment
// environment is an env var; everything that is fixed per blockchain
// network (contract address, RPC endpoint, gas ceiling, retry tuning) lives
// in the checked-in YAML file loaded by LoadNetworkConfig.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the environment-variable configuration recognized by the
// core, covering every item listed for external interfaces: organization
// identity, broker connection, stream discovery, batch tuning, object-store
// target, and blockchain account.
type Config struct {
	// Organization identity, stamped on every sealed batch. The bucket and
	// the token owner are configured separately (ObjectStoreBucket,
	// BlockchainAccount).
	OrganizationID string

	// BlockchainNetwork selects which entry of the YAML network overlay to
	// use ("testnet" or "mainnet").
	BlockchainNetwork string

	// Broker (Redis Streams) connection.
	BrokerHost     string
	BrokerPort     int
	BrokerPassword string
	BrokerDB       int

	// Stream discovery and consumer-group identity.
	StreamPattern string
	ConsumerGroup string
	ConsumerName  string

	// Batch accumulator tuning (§4.4).
	MaxBatchSize   int
	MinBatchSize   int
	IdleTimeout    time.Duration
	ForceSealAfter time.Duration

	// Object store (Google Cloud Storage) target.
	ObjectStoreBucket      string
	ObjectStoreRegion      string
	GCPCredentialsFile     string

	// Blockchain account used to sign the mint transaction.
	BlockchainAccount    string // hex address, passed as the token owner in the mint call
	BlockchainKeyPath    string // path to a file holding the hex private key

	// Audit ledger (C11): optional, best-effort Postgres bookkeeping.
	AuditDatabaseURL string
	AuditRequired    bool

	// Metrics & health (C10).
	MetricsAddr string
	HealthAddr  string

	// NetworkConfigPath points at the static YAML overlay (C4.0).
	NetworkConfigPath string

	LogLevel string
}

// ConfigurationError wraps every failure Validate reports; the orchestrator
// treats it as fatal at startup (§7).
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: missing or invalid: %s", strings.Join(e.Missing, ", "))
}

// Load reads configuration from environment variables. Batch tuning and
// network selection get the §4.4 defaults when unset, and the broker
// address defaults to localhost:6379; organization id, bucket and
// blockchain account/key fields have no defaults and are checked by
// Validate.
func Load() (*Config, error) {
	cfg := &Config{
		OrganizationID:    getEnv("ORGANIZATION_ID", ""),
		BlockchainNetwork: getEnv("BLOCKCHAIN_NETWORK", "testnet"),

		BrokerHost:     getEnv("BROKER_HOST", "localhost"),
		BrokerPort:     getEnvInt("BROKER_PORT", 6379),
		BrokerPassword: getEnv("BROKER_PASSWORD", ""),
		BrokerDB:       getEnvInt("BROKER_DB", 0),

		StreamPattern: getEnv("STREAM_PATTERN", "etrap.public.*"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "cdc-agent"),
		ConsumerName:  getEnv("CONSUMER_NAME", ""),

		MaxBatchSize:   getEnvInt("MAX_BATCH_SIZE", 1000),
		MinBatchSize:   getEnvInt("MIN_BATCH_SIZE", 1),
		IdleTimeout:    getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		ForceSealAfter: getEnvDuration("FORCE_SEAL_AFTER", 300*time.Second),

		ObjectStoreBucket:  getEnv("OBJECT_STORE_BUCKET", ""),
		ObjectStoreRegion:  getEnv("OBJECT_STORE_REGION", "us-central1"),
		GCPCredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),

		BlockchainAccount: getEnv("BLOCKCHAIN_ACCOUNT", ""),
		BlockchainKeyPath: getEnv("BLOCKCHAIN_KEY_PATH", ""),

		AuditDatabaseURL: getEnv("AUDIT_DATABASE_URL", ""),
		AuditRequired:    getEnvBool("AUDIT_REQUIRED", false),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		HealthAddr:  getEnv("HEALTH_ADDR", ":8081"),

		NetworkConfigPath: getEnv("NETWORK_CONFIG_PATH", "config/network.yaml"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.ConsumerName == "" {
		host, _ := os.Hostname()
		cfg.ConsumerName = fmt.Sprintf("cdc-agent-%s", host)
	}

	return cfg, nil
}

// Validate enforces that every field the core cannot run without is
// present. A failure here is a ConfigurationError (§7): fatal at startup,
// non-zero exit.
func (c *Config) Validate() error {
	var missing []string

	if c.OrganizationID == "" {
		missing = append(missing, "ORGANIZATION_ID")
	}
	if c.BlockchainNetwork != "testnet" && c.BlockchainNetwork != "mainnet" {
		missing = append(missing, "BLOCKCHAIN_NETWORK (must be testnet or mainnet)")
	}
	if c.ObjectStoreBucket == "" {
		missing = append(missing, "OBJECT_STORE_BUCKET")
	}
	if c.BrokerHost == "" {
		missing = append(missing, "BROKER_HOST")
	}
	if c.BlockchainAccount == "" {
		missing = append(missing, "BLOCKCHAIN_ACCOUNT")
	}
	if c.BlockchainKeyPath == "" {
		missing = append(missing, "BLOCKCHAIN_KEY_PATH")
	}
	if c.MaxBatchSize <= 0 {
		missing = append(missing, "MAX_BATCH_SIZE (must be > 0)")
	}
	if c.MinBatchSize <= 0 || c.MinBatchSize > c.MaxBatchSize {
		missing = append(missing, "MIN_BATCH_SIZE (must be > 0 and <= MAX_BATCH_SIZE)")
	}

	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

// BrokerAddr returns the host:port pair for the Redis client.
func (c *Config) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", c.BrokerHost, c.BrokerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
