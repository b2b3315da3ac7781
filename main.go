package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alimx07/blog_service/auth"
	"github.com/alimx07/blog_service/db"
	"github.com/alimx07/blog_service/ingestion"
	"github.com/alimx07/blog_service/metrics"
	"github.com/alimx07/blog_service/models"
	"github.com/alimx07/blog_service/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "blog_service",
		Short:         "Blog posts service with a Redis cache and Kafka ingestion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "Path to config file")
	rootCmd.AddCommand(serveCmd(), consumeCmd(), migrateCmd(), topicsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads config and the logger for a command.
func setup(cmd *cobra.Command) (models.Config, *zap.Logger, error) {
	config, err := LoadConfig(configFile, cmd.Flags().Changed("config"))
	if err != nil {
		return models.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := NewLogger(config.LogLevel)
	if err != nil {
		return models.Config{}, nil, err
	}
	return config, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var withConsumer bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and gRPC health, optionally draining ingestion in process",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cmd.Flags().Changed("with-consumer") {
				config.Kafka.ConsumerEnabled = withConsumer
			}

			verifier, err := auth.NewVerifier(config.JWTPublicKey, config.JWTIssuer, config.JWTAudience)
			if err != nil {
				return fmt.Errorf("jwt verifier: %w", err)
			}

			ctx, stop := signalContext()
			defer stop()
			m := metrics.New()

			var producer *ingestion.Producer
			var publisher service.Publisher
			if config.Kafka.BootStrapServers != "" {
				producer, err = ingestion.NewProducer(config.Kafka, m, logger)
				if err != nil {
					return err
				}
				if err := producer.EnsureTopic(ctx); err != nil {
					logger.Warn("Failed to provision topic", zap.String("topic", config.Kafka.Topic), zap.Error(err))
				}
				publisher = producer
			} else {
				logger.Info("No bootstrap servers configured, async creation disabled")
			}

			c, err := newCore(ctx, config, publisher, m, logger)
			if err != nil {
				if producer != nil {
					producer.Close()
				}
				return err
			}

			var consumer *ingestion.Consumer
			if config.Kafka.ConsumerEnabled && config.Kafka.BootStrapServers != "" {
				consumer, err = ingestion.NewConsumer(config.Kafka, c.posts, m, logger)
				if err != nil {
					c.close(logger)
					if producer != nil {
						producer.Close()
					}
					return err
				}
			}

			bs := NewBlogService(config, c, producer, consumer, verifier, logger)
			defer bs.release()
			return bs.start(ctx)
		},
	}
	cmd.Flags().BoolVar(&withConsumer, "with-consumer", false, "Run the ingestion consumer inside the server")
	return cmd
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Drain queued posts from Kafka into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signalContext()
			defer stop()
			m := metrics.New()

			c, err := newCore(ctx, config, nil, m, logger)
			if err != nil {
				return err
			}
			defer c.close(logger)

			consumer, err := ingestion.NewConsumer(config.Kafka, c.posts, m, logger)
			if err != nil {
				return err
			}
			defer consumer.Close()
			return consumer.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations on the primary",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			primary, replica, err := db.InitDBConnections(config, logger)
			if err != nil {
				return err
			}
			defer primary.Close()
			if replica != primary {
				replica.Close()
			}
			return db.Migrate(primary, config.DBName, logger)
		},
	}
}

func topicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "Create the ingestion topic if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			producer, err := ingestion.NewProducer(config.Kafka, nil, logger)
			if err != nil {
				return err
			}
			defer producer.Close()

			ctx, stop := signalContext()
			defer stop()
			return producer.EnsureTopic(ctx)
		},
	}
}
