// Package config loads the reporter configuration from the environment,
// applies defaults and validates the result before anything connects.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/asaskevich/govalidator"
)

// Store kinds.
const (
	StoreMongo  = "mongo"
	StoreSQLite = "sqlite"
)

// Broker kinds.
const (
	BrokerMQTT = "mqtt"
	BrokerNATS = "nats"
)

// Defaults applied when the environment leaves a key unset.
const (
	DefaultStoreKind    = StoreMongo
	DefaultStoreURL     = "mongodb://localhost:27017"
	DefaultStoreDBName  = "fleet"
	DefaultStoreTimeout = 30 * time.Second

	DefaultBrokerKind = BrokerMQTT
	DefaultBrokerHost = "localhost"
	DefaultBrokerPort = 1883

	DefaultInboundTopic  = "fleet/vehicles/generated"
	DefaultOutboundTopic = "emi-gateway-materialized-view-updates"
	DefaultStatusTopic   = "fleet/reporter/status"

	DefaultBatchWindow = time.Second
)

// Config is the complete runtime configuration of one reporter instance.
type Config struct {
	StoreKind    string
	StoreURL     string
	StoreDBName  string
	StoreTimeout time.Duration

	BrokerKind     string
	BrokerHost     string
	BrokerPort     int
	BrokerUsername string
	BrokerPassword string

	// BrokerCredentialsURL optionally points at a secrets keeper holding the
	// broker credentials; it takes precedence over the username/password pair.
	BrokerCredentialsURL string

	InboundTopic  string
	OutboundTopic string
	StatusTopic   string

	BatchWindow time.Duration

	LogLevel slog.Level
}

// Load reads the environment and returns a validated configuration.
func Load() (*Config, error) {
	cfg := &Config{
		StoreKind:   getEnv("STORE_KIND", DefaultStoreKind),
		StoreURL:    getEnv("STORE_URL", DefaultStoreURL),
		StoreDBName: getEnv("STORE_DB_NAME", DefaultStoreDBName),

		BrokerKind:           getEnv("BROKER_KIND", DefaultBrokerKind),
		BrokerHost:           getEnv("BROKER_HOST", DefaultBrokerHost),
		BrokerUsername:       os.Getenv("BROKER_USERNAME"),
		BrokerPassword:       os.Getenv("BROKER_PASSWORD"),
		BrokerCredentialsURL: os.Getenv("BROKER_CREDENTIALS_URL"),

		InboundTopic:  getEnv("INBOUND_TOPIC", DefaultInboundTopic),
		OutboundTopic: getEnv("OUTBOUND_TOPIC", DefaultOutboundTopic),
		StatusTopic:   getEnv("STATUS_TOPIC", DefaultStatusTopic),
	}

	var err error
	if cfg.BrokerPort, err = getEnvInt("BROKER_PORT", DefaultBrokerPort); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = getEnvMillis("STORE_TIMEOUT_MS", DefaultStoreTimeout); err != nil {
		return nil, err
	}
	if cfg.BatchWindow, err = getEnvMillis("BATCH_WINDOW_MS", DefaultBatchWindow); err != nil {
		return nil, err
	}

	if raw := getEnv("LOG_LEVEL", "info"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return nil, fmt.Errorf("LOG_LEVEL %q: %w", raw, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would only fail later,
// at connect time.
func (c *Config) Validate() error {
	if !govalidator.IsIn(c.StoreKind, StoreMongo, StoreSQLite) {
		return fmt.Errorf("STORE_KIND %q: must be %q or %q", c.StoreKind, StoreMongo, StoreSQLite)
	}
	if !govalidator.IsIn(c.BrokerKind, BrokerMQTT, BrokerNATS) {
		return fmt.Errorf("BROKER_KIND %q: must be %q or %q", c.BrokerKind, BrokerMQTT, BrokerNATS)
	}

	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if c.StoreKind == StoreMongo && !govalidator.IsRequestURL(c.StoreURL) {
		return fmt.Errorf("STORE_URL %q: not a valid connection URL", c.StoreURL)
	}
	if c.StoreDBName == "" {
		return fmt.Errorf("STORE_DB_NAME is required")
	}

	if !govalidator.IsHost(c.BrokerHost) {
		return fmt.Errorf("BROKER_HOST %q: not a valid host", c.BrokerHost)
	}
	if !govalidator.IsPort(strconv.Itoa(c.BrokerPort)) {
		return fmt.Errorf("BROKER_PORT %d: not a valid port", c.BrokerPort)
	}
	if c.BrokerCredentialsURL != "" && !govalidator.IsRequestURL(c.BrokerCredentialsURL) {
		return fmt.Errorf("BROKER_CREDENTIALS_URL %q: not a valid URL", c.BrokerCredentialsURL)
	}

	if c.InboundTopic == "" {
		return fmt.Errorf("INBOUND_TOPIC is required")
	}
	if c.OutboundTopic == "" {
		return fmt.Errorf("OUTBOUND_TOPIC is required")
	}

	if c.BatchWindow <= 0 {
		return fmt.Errorf("BATCH_WINDOW_MS must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT_MS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, raw, err)
	}
	return value, nil
}

func getEnvMillis(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, raw, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
