package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/cuongbtq/variant-pipeline/internal/bootstrap"
	"github.com/cuongbtq/variant-pipeline/internal/config"
	"github.com/cuongbtq/variant-pipeline/internal/factory"
	"github.com/cuongbtq/variant-pipeline/internal/queue"
	"github.com/cuongbtq/variant-pipeline/internal/storage"
	"github.com/cuongbtq/variant-pipeline/shared/database"
	"github.com/cuongbtq/variant-pipeline/shared/logger"
	"github.com/cuongbtq/variant-pipeline/shared/rabbitmq"
)

// Env lazily opens the clients a command needs and closes them afterwards
type Env struct {
	ConfigPath string
	Out        io.Writer

	cfg       *config.Config
	logger    *slog.Logger
	db        *database.Client
	rabbit    *rabbitmq.Client
	store     *storage.Store
	publisher queue.Publisher
	catalog   factory.Catalog
}

func (e *Env) config() (*config.Config, error) {
	if e.cfg != nil {
		return e.cfg, nil
	}
	cfg, err := config.Load(e.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	e.cfg = cfg
	return cfg, nil
}

func (e *Env) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	cfg, err := e.config()
	if err == nil {
		if l, err := bootstrap.InitLogger(cfg, "pipeline-cli"); err == nil {
			e.logger = l.Logger
			return e.logger
		}
	}
	e.logger = logger.NewDiscard().Logger
	return e.logger
}

// Store opens the database and returns the store
func (e *Env) Store(ctx context.Context) (*storage.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}

	client, err := bootstrap.InitDatabase(&cfg.Database, e.log())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	e.db = client

	store, err := bootstrap.InitStore(ctx, &cfg.Database, client, e.log())
	if err != nil {
		return nil, err
	}
	e.store = store
	return store, nil
}

// Publisher connects to RabbitMQ and returns a job publisher
func (e *Env) Publisher() (queue.Publisher, error) {
	if e.publisher != nil {
		return e.publisher, nil
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}

	client, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, e.log())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	e.rabbit = client
	e.publisher = queue.NewRabbitPublisher(client, e.log())
	return e.publisher, nil
}

// Catalog loads the pipeline definitions named by the engine config
func (e *Env) Catalog() (factory.Catalog, error) {
	if e.catalog != nil {
		return e.catalog, nil
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	catalog, err := factory.LoadDefinitions(cfg.Engine.DefinitionsPath)
	if err != nil {
		return nil, err
	}
	e.catalog = catalog
	return catalog, nil
}

// Close releases any opened clients
func (e *Env) Close() {
	if e.rabbit != nil {
		_ = e.rabbit.Close()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
}
