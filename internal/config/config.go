package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds relational store configuration.
// Driver is "postgres" (default) or "sqlite3"; Path is only used by sqlite3.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name             string `yaml:"name"`
	Durable          bool   `yaml:"durable"`
	AutoDelete       bool   `yaml:"auto_delete"`
	Exclusive        bool   `yaml:"exclusive"`
	DelayQueuePrefix string `yaml:"delay_queue_prefix"`
	DeadLetterQueue  string `yaml:"dead_letter_queue"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	TestMode          bool          `yaml:"test_mode"`
}

// EngineConfig holds pipeline engine tuning
type EngineConfig struct {
	Version                string        `yaml:"version"`
	DefinitionsPath        string        `yaml:"definitions_path"`
	BackoffBase            time.Duration `yaml:"backoff_base"`
	BackoffMaxAttempts     int           `yaml:"backoff_max_attempts"`
	CoordinationRetryDelay time.Duration `yaml:"coordination_retry_delay"`
	AnnotatorURL           string        `yaml:"annotator_url"`
	AnnotatorTimeout       time.Duration `yaml:"annotator_timeout"`
	AnnotatorMaxFailures   int           `yaml:"annotator_max_failures"`
	AnnotatorOpenTimeout   time.Duration `yaml:"annotator_open_timeout"`
	Views                  []string      `yaml:"views"`
}

// SchedulerConfig holds the recurring job table
type SchedulerConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Location string           `yaml:"location"`
	Entries  []ScheduledEntry `yaml:"entries"`
}

// ScheduledEntry binds a job kind to a cron expression
type ScheduledEntry struct {
	Name     string         `yaml:"name"`
	Kind     string         `yaml:"kind"`
	Schedule string         `yaml:"schedule"`
	Params   map[string]any `yaml:"params"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.applyDefaults()

	return &config, nil
}

// applyEnv lets secrets come from the environment (or .env) instead of the YAML file
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Engine.BackoffBase <= 0 {
		c.Engine.BackoffBase = 5 * time.Second
	}
	if c.Engine.BackoffMaxAttempts <= 0 {
		c.Engine.BackoffMaxAttempts = 5
	}
	if c.Engine.CoordinationRetryDelay <= 0 {
		c.Engine.CoordinationRetryDelay = 10 * time.Second
	}
	if c.Worker.StaleAfter <= 0 && c.Worker.HeartbeatInterval > 0 {
		c.Worker.StaleAfter = 3 * c.Worker.HeartbeatInterval
	}
}

// Validate checks the sections shared by every service
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite3")
		}
		return nil
	case "postgres", "":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

// ValidateAPIConfig checks the API service configuration
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Engine.DefinitionsPath == "" {
		return fmt.Errorf("engine definitions_path is required")
	}

	return c.Validate()
}

// ValidateWorkerConfig checks the worker service configuration
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stale_after must be greater than heartbeat_interval")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if err := c.ValidateScheduler(); err != nil {
		return err
	}

	return c.Validate()
}

// ValidateScheduler parses every cron expression so bad entries fail at startup
func (c *Config) ValidateScheduler() error {
	if !c.Scheduler.Enabled {
		return nil
	}

	if c.Scheduler.Location != "" {
		if _, err := time.LoadLocation(c.Scheduler.Location); err != nil {
			return fmt.Errorf("invalid scheduler location %q: %w", c.Scheduler.Location, err)
		}
	}

	seen := make(map[string]bool, len(c.Scheduler.Entries))
	for _, entry := range c.Scheduler.Entries {
		if entry.Name == "" || entry.Kind == "" {
			return fmt.Errorf("scheduler entry requires name and kind")
		}
		if seen[entry.Name] {
			return fmt.Errorf("duplicate scheduler entry: %s", entry.Name)
		}
		seen[entry.Name] = true

		if _, err := cron.ParseStandard(entry.Schedule); err != nil {
			return fmt.Errorf("invalid schedule for %s: %w", entry.Name, err)
		}
	}

	return nil
}
