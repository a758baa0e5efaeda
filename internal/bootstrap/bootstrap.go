// Package bootstrap wires configuration into the clients and engine components shared by
// the service binaries and the CLI.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/variant-pipeline/internal/backoff"
	"github.com/cuongbtq/variant-pipeline/internal/config"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
	"github.com/cuongbtq/variant-pipeline/shared/database"
	"github.com/cuongbtq/variant-pipeline/shared/logger"
	"github.com/cuongbtq/variant-pipeline/shared/rabbitmq"
)

// InitLogger initializes the logger for one service binary; every record carries the
// service name and application version.
func InitLogger(cfg *config.Config, service string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
		Version:      cfg.App.Version,
	}

	return logger.New(loggerCfg)
}

// InitDatabase initializes the relational database client
func InitDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Path:            cfg.Path,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, logger)
}

// InitStore opens the store over an initialized client and applies the schema when auto_migrate is set
func InitStore(ctx context.Context, cfg *config.DatabaseConfig, client *database.Client, logger *slog.Logger) (*storage.Store, error) {
	store := storage.NewStore(client.GetDB(), logger)
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return store, nil
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DelayQueuePrefix:   cfg.Queue.DelayQueuePrefix,
		DeadLetterQueue:    cfg.Queue.DeadLetterQueue,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// JobSettings maps the worker and engine sections onto the job runner settings
func JobSettings(cfg *config.Config) jobs.Settings {
	return jobs.Settings{
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StaleAfter:        cfg.Worker.StaleAfter,
		Backoff: backoff.Policy{
			Base:        cfg.Engine.BackoffBase,
			MaxAttempts: cfg.Engine.BackoffMaxAttempts,
		},
		CoordinationRetryDelay: cfg.Engine.CoordinationRetryDelay,
	}
}

// Registry builds the job kind table. The annotate kind fails with a configuration error
// when no annotator URL is configured.
func Registry(cfg *config.EngineConfig) (*jobs.Registry, error) {
	deps := jobs.Deps{Views: cfg.Views}
	if cfg.AnnotatorURL != "" {
		annotator, err := jobs.NewHTTPAnnotator(jobs.HTTPAnnotatorConfig{
			BaseURL:     cfg.AnnotatorURL,
			Timeout:     cfg.AnnotatorTimeout,
			MaxFailures: cfg.AnnotatorMaxFailures,
			OpenTimeout: cfg.AnnotatorOpenTimeout,
		})
		if err != nil {
			return nil, err
		}
		deps.Annotator = annotator
	}
	return jobs.NewRegistry(deps), nil
}
