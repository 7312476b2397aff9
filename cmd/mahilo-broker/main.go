package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	mahilo "github.com/mahilo/mahilo-go"
	"github.com/mahilo/mahilo-go/transports/rabbitmq"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

// config is the YAML configuration for the broker daemon.
type config struct {
	// StorePath is the SQLite database path. Empty means in-memory.
	StorePath string `yaml:"store_path"`

	// SecretEnv names the environment variable holding the shared signing
	// secret. Empty disables signing.
	SecretEnv string `yaml:"secret_env"`

	// PollInterval is the relay drain interval.
	PollInterval time.Duration `yaml:"poll_interval"`

	// CleanupMaxAge prunes processed messages older than this on startup.
	// Zero disables cleanup.
	CleanupMaxAge time.Duration `yaml:"cleanup_max_age"`

	AMQP struct {
		// URL is the RabbitMQ connection string. Empty disables the relay.
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`

		// Forward lists recipients whose pending queues are published to
		// the exchange.
		Forward []string `yaml:"forward"`

		// Ingest lists recipients whose bound queues feed the broker.
		Ingest []string `yaml:"ingest"`
	} `yaml:"amqp"`
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "mahilo-broker",
		Short:   "Run the mahilo inter-agent message broker",
		Long:    "mahilo-broker runs the store-and-forward message broker that queues, validates, signs, and relays messages between named agents.",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mahilo.yaml", "Path to the broker configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker and AMQP relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	rootCmd.AddCommand(serveCmd)

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete processed messages older than the configured age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return cleanup(cfg)
		},
	}
	rootCmd.AddCommand(cleanupCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient(cfg *config, logger *slog.Logger) (*mahilo.Client, error) {
	opts := []mahilo.ClientOption{
		mahilo.WithLogger(logger),
		mahilo.WithMetrics(),
	}
	if cfg.StorePath != "" {
		opts = append(opts, mahilo.WithSQLiteStore(cfg.StorePath))
	}
	if cfg.SecretEnv != "" {
		secret := os.Getenv(cfg.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("secret environment variable %s is empty", cfg.SecretEnv)
		}
		opts = append(opts, mahilo.WithSecret(secret))
	}
	return mahilo.NewClient(opts...)
}

func serve(cfg *config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.CleanupMaxAge > 0 {
		deleted, err := client.Store().CleanupOldMessages(ctx, cfg.CleanupMaxAge)
		if err != nil {
			return fmt.Errorf("cleanup old messages: %w", err)
		}
		logger.Info("pruned processed messages", "deleted", deleted)
	}

	if cfg.AMQP.URL == "" {
		logger.Info("broker running without AMQP relay", "version", version)
		<-ctx.Done()
		return nil
	}

	conn, channel, err := rabbitmq.Dial(cfg.AMQP.URL)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer channel.Close()

	relayOpts := []rabbitmq.RelayOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithPollInterval(cfg.PollInterval),
	}
	if cfg.AMQP.Exchange != "" {
		relayOpts = append(relayOpts, rabbitmq.WithExchange(cfg.AMQP.Exchange))
	}
	relay, err := rabbitmq.NewRelay(client.Broker(), channel, relayOpts...)
	if err != nil {
		return err
	}

	for _, recipient := range cfg.AMQP.Forward {
		go func(recipient string) {
			if err := relay.Forward(ctx, recipient); err != nil && ctx.Err() == nil {
				logger.Error("forward loop exited", "recipient", recipient, "error", err)
			}
		}(recipient)
	}
	for _, recipient := range cfg.AMQP.Ingest {
		go func(recipient string) {
			if err := relay.Ingest(ctx, recipient); err != nil && ctx.Err() == nil {
				logger.Error("ingest loop exited", "recipient", recipient, "error", err)
			}
		}(recipient)
	}

	logger.Info("broker running",
		"version", version,
		"store", cfg.StorePath,
		"exchange", cfg.AMQP.Exchange,
		"forward", len(cfg.AMQP.Forward),
		"ingest", len(cfg.AMQP.Ingest),
	)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func cleanup(cfg *config) error {
	if cfg.CleanupMaxAge <= 0 {
		return fmt.Errorf("cleanup_max_age must be set in the config")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	deleted, err := client.Store().CleanupOldMessages(context.Background(), cfg.CleanupMaxAge)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d processed messages\n", deleted)
	return nil
}
