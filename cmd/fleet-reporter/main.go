// Command fleet-reporter runs the streaming fleet-statistics aggregator:
// it subscribes to the vehicle-generation feed, folds windowed batches into
// the singleton fleet aggregate and publishes each update downstream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	_ "gocloud.dev/secrets/localsecrets" // base64key:// secrets for local/dev deployments

	"github.com/fleetops/fleet-reporter/pkg/broker"
	mqttbroker "github.com/fleetops/fleet-reporter/pkg/broker/mqtt"
	natsbroker "github.com/fleetops/fleet-reporter/pkg/broker/nats"
	"github.com/fleetops/fleet-reporter/pkg/config"
	"github.com/fleetops/fleet-reporter/pkg/credentials"
	"github.com/fleetops/fleet-reporter/pkg/observability"
	"github.com/fleetops/fleet-reporter/pkg/reporter"
	"github.com/fleetops/fleet-reporter/pkg/runner"
	"github.com/fleetops/fleet-reporter/pkg/store"
	mongostore "github.com/fleetops/fleet-reporter/pkg/store/mongo"
	sqlitestore "github.com/fleetops/fleet-reporter/pkg/store/sqlite"
)

const serviceVersion = "1.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("fleet-reporter failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx := context.Background()

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:    "fleet-reporter",
		ServiceVersion: serviceVersion,
		Environment:    getEnv("ENVIRONMENT", "production"),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.StoreKind, err)
	}

	bk, err := openBroker(ctx, cfg, logger)
	if err != nil {
		// The store outlives a failed broker connect only long enough to be
		// closed cleanly.
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Close(closeCtx)
		return fmt.Errorf("connecting %s broker: %w", cfg.BrokerKind, err)
	}

	svc := reporter.New(st, bk, reporter.Config{
		InboundTopic:  cfg.InboundTopic,
		OutboundTopic: cfg.OutboundTopic,
		BatchWindow:   cfg.BatchWindow,
		StoreTimeout:  cfg.StoreTimeout,
	},
		reporter.WithLogger(logger),
		reporter.WithMetrics(tel.Metrics),
	)

	logger.Info("fleet-reporter starting",
		"store", cfg.StoreKind,
		"broker", cfg.BrokerKind,
		"inboundTopic", cfg.InboundTopic,
		"window", cfg.BatchWindow)

	return runner.New([]runner.Service{svc},
		runner.WithLogger(logger),
	).Run(ctx)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreKind {
	case config.StoreMongo:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		return mongostore.New(connectCtx, mongostore.Config{
			URL:      cfg.StoreURL,
			Database: cfg.StoreDBName,
		}, mongostore.WithLogger(logger))

	case config.StoreSQLite:
		return sqlitestore.New(cfg.StoreURL, sqlitestore.WithLogger(logger))

	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.StoreKind)
	}
}

func openBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	creds, err := resolveCredentials(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("resolving broker credentials: %w", err)
	}

	switch cfg.BrokerKind {
	case config.BrokerMQTT:
		return mqttbroker.New(mqttbroker.Config{
			Host:        cfg.BrokerHost,
			Port:        strconv.Itoa(cfg.BrokerPort),
			Username:    creds.User,
			Password:    creds.Password,
			StatusTopic: cfg.StatusTopic,
		}, mqttbroker.WithLogger(logger))

	case config.BrokerNATS:
		return natsbroker.New(natsbroker.Config{
			URL:         fmt.Sprintf("nats://%s:%d", cfg.BrokerHost, cfg.BrokerPort),
			Username:    creds.User,
			Password:    creds.Password,
			StatusTopic: cfg.StatusTopic,
		}, natsbroker.WithLogger(logger))

	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.BrokerKind)
	}
}

// resolveCredentials prefers an external secrets keeper over plain
// environment credentials; anonymous access is allowed when neither is set.
func resolveCredentials(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*credentials.Credentials, error) {
	providers := make([]credentials.Provider, 0, 2)

	if cfg.BrokerCredentialsURL != "" {
		secret, err := credentials.NewSecretProvider(ctx, cfg.BrokerCredentialsURL)
		if err != nil {
			return nil, fmt.Errorf("opening secrets keeper: %w", err)
		}
		providers = append(providers, secret)
	}
	providers = append(providers,
		credentials.NewEnvProvider("BROKER_USERNAME", "BROKER_PASSWORD"))

	chain := credentials.NewChain(providers...)
	defer func() {
		if err := chain.Close(); err != nil {
			logger.Warn("closing credential providers", "error", err)
		}
	}()

	creds, err := chain.Resolve(ctx)
	if errors.Is(err, credentials.ErrNoCredentials) {
		logger.Info("no broker credentials configured, connecting anonymously")
		return &credentials.Credentials{}, nil
	}
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
