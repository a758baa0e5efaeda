package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/variant-pipeline/internal/bootstrap"
	"github.com/cuongbtq/variant-pipeline/internal/config"
	"github.com/cuongbtq/variant-pipeline/internal/jobs"
	"github.com/cuongbtq/variant-pipeline/internal/queue"
	"github.com/cuongbtq/variant-pipeline/internal/scheduler"
	"github.com/cuongbtq/variant-pipeline/internal/worker"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(cfg, "worker-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database client and store
	dbClient, err := bootstrap.InitDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	store, err := bootstrap.InitStore(ctx, &cfg.Database, dbClient, appLogger.Logger)
	if err != nil {
		return err
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	publisher := queue.NewRabbitPublisher(rabbitClient, appLogger.Logger)
	registry, err := bootstrap.Registry(&cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to build job registry: %w", err)
	}

	workerID := cfg.RabbitMQ.Consumer.Tag
	if workerID == "" {
		workerID = "worker"
	}
	hostname, _ := os.Hostname()
	workerID = fmt.Sprintf("%s-%s-%s", workerID, hostname, uuid.NewString()[:8])

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:          appLogger.Logger,
		Broker:          rabbitClient,
		Store:           store,
		Queue:           publisher,
		Registry:        registry,
		Settings:        bootstrap.JobSettings(cfg),
		WorkerID:        workerID,
		QueueName:       cfg.RabbitMQ.Queue.Name,
		Concurrency:     cfg.Worker.Concurrency,
		PrefetchCount:   cfg.RabbitMQ.Consumer.PrefetchCount,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		TestMode:        cfg.Worker.TestMode,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		workerInstance.Stop()
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case amqpErr, ok := <-rabbitClient.NotifyClose():
			if !ok || amqpErr == nil {
				return nil
			}
			return fmt.Errorf("rabbitmq connection closed: %w", amqpErr)
		}
	})

	// Recurring jobs run in the same process when enabled
	if cfg.Scheduler.Enabled {
		dispatcher := jobs.NewDispatcher(store, publisher, appLogger.Logger)
		sched, err := scheduler.FromConfig(cfg.Scheduler, dispatcher, registry, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize scheduler: %w", err)
		}
		g.Go(func() error {
			return sched.Start(gctx)
		})
	}

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerID),
	)

	if err := g.Wait(); err != nil {
		appLogger.Error("Worker service stopped with error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}
