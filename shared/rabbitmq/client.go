package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by every operation after Close or before connect succeeded.
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	DelayQueuePrefix   string
	// DeadLetterQueue receives deliveries rejected without requeue. Empty disables it.
	DeadLetterQueue    string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Message is one publishing on the work exchange.
type Message struct {
	Body          []byte
	ContentType   string
	MessageID     string
	Type          string
	CorrelationID string
	Headers       amqp.Table
	// Delay defers delivery through a per-delay TTL queue when positive.
	Delay time.Duration
}

// Client owns one connection and one channel to the broker.
type Client struct {
	config    *Config
	logger    *slog.Logger
	closeChan chan *amqp.Error

	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	connected   bool
	delayQueues map[int64]string
}

// NewClient dials the broker and declares the exchange, work queue and dead-letter queue.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:      config,
		logger:      logger,
		closeChan:   make(chan *amqp.Error, 1),
		delayQueues: make(map[int64]string),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

func (c *Client) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User, c.config.Password, c.config.Host, c.config.Port, c.config.VHost)
}

// connect dials with a fixed retry interval, then opens the channel and declares topology.
func (c *Client) connect() error {
	amqpConfig := amqp.Config{Heartbeat: c.config.Heartbeat, Locale: "en_US"}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := max(c.config.RetryAttempts, 1)

	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err = amqp.DialConfig(c.url(), amqpConfig)
		if err == nil {
			break
		}
		c.logger.Error("Failed to connect to RabbitMQ",
			slog.String("host", c.config.Host),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Any("error", err),
		)
		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	ch.NotifyClose(c.closeChan)

	c.mu.Lock()
	c.conn, c.channel, c.connected = conn, ch, true
	c.mu.Unlock()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("dead_letter_queue", c.config.DeadLetterQueue),
	)
	return nil
}

// declareTopology declares the exchange and the work queue bound to it. With a dead-letter
// queue configured, the work queue routes rejected deliveries there through the default
// exchange.
func (c *Client) declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		c.config.ExchangeName,
		c.config.ExchangeType,
		c.config.ExchangeDurable,
		c.config.ExchangeAutoDelete,
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	var args amqp.Table
	if dlq := c.config.DeadLetterQueue; dlq != "" {
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dead-letter queue %s: %w", dlq, err)
		}
		args = amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		}
	}

	if _, err := ch.QueueDeclare(
		c.config.QueueName,
		c.config.QueueDurable,
		c.config.QueueAutoDelete,
		c.config.QueueExclusive,
		false, // no-wait
		args,
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(c.config.QueueName, c.config.RoutingKey, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// activeChannel returns the channel, or ErrNotConnected after Close.
func (c *Client) activeChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.channel == nil {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

// delayQueue declares (once) a queue whose messages expire after delay and are
// dead-lettered back onto the work exchange. One queue per distinct delay keeps
// expiry in FIFO order.
func (c *Client) delayQueue(ch *amqp.Channel, delay time.Duration) (string, error) {
	ms := delay.Milliseconds()

	c.mu.Lock()
	defer c.mu.Unlock()

	if name, ok := c.delayQueues[ms]; ok {
		return name, nil
	}

	prefix := c.config.DelayQueuePrefix
	if prefix == "" {
		prefix = c.config.QueueName + ".delay"
	}
	name := prefix + "." + strconv.FormatInt(ms, 10)

	if _, err := ch.QueueDeclare(name, c.config.QueueDurable, false, false, false, amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    c.config.ExchangeName,
		"x-dead-letter-routing-key": c.config.RoutingKey,
		"x-expires":                 ms + time.Minute.Milliseconds(),
	}); err != nil {
		return "", fmt.Errorf("failed to declare delay queue %s: %w", name, err)
	}

	c.delayQueues[ms] = name
	c.logger.Debug("Delay queue declared", slog.String("queue", name), slog.Int64("delay_ms", ms))
	return name, nil
}

// Publish sends msg once.
func (c *Client) Publish(ctx context.Context, msg Message) error {
	ch, err := c.activeChannel()
	if err != nil {
		return err
	}

	exchange, routingKey := c.config.ExchangeName, c.config.RoutingKey
	publishing := amqp.Publishing{
		ContentType:   msg.ContentType,
		MessageId:     msg.MessageID,
		Type:          msg.Type,
		CorrelationId: msg.CorrelationID,
		Headers:       msg.Headers,
		Body:          msg.Body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
	}

	if msg.Delay > 0 {
		queue, err := c.delayQueue(ch, msg.Delay)
		if err != nil {
			return err
		}
		// default exchange routes straight to the delay queue
		exchange, routingKey = "", queue
		publishing.Expiration = strconv.FormatInt(msg.Delay.Milliseconds(), 10)
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.MessageID, err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("message_id", msg.MessageID),
		slog.String("type", msg.Type),
		slog.Duration("delay", msg.Delay),
	)
	return nil
}

// PublishWithRetry publishes with exponential backoff between attempts. It gives up
// early when ctx ends or the client was closed.
func (c *Client) PublishWithRetry(ctx context.Context, msg Message) error {
	retries := c.config.PublishRetries
	if retries <= 0 {
		retries = 3
	}
	wait := c.config.PublishRetryDelay
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	mult := c.config.PublishBackoffMult
	if mult <= 0 {
		mult = 2.0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lastErr = c.Publish(ctx, msg)
		if lastErr == nil {
			if attempt > 0 {
				c.logger.Info("Published message to RabbitMQ after retry",
					slog.String("message_id", msg.MessageID),
					slog.Int("attempt", attempt+1),
				)
			}
			return nil
		}
		if errors.Is(lastErr, ErrNotConnected) || attempt == retries {
			break
		}

		c.logger.Warn("Failed to publish message to RabbitMQ, retrying",
			slog.String("message_id", msg.MessageID),
			slog.Int("attempt", attempt+1),
			slog.Duration("retry_after", wait),
			slog.Any("error", lastErr),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish aborted: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait = time.Duration(float64(wait) * mult)
	}

	c.logger.Error("Failed to publish message to RabbitMQ",
		slog.String("message_id", msg.MessageID),
		slog.Any("error", lastErr),
	)
	return lastErr
}

// Consume starts a manual-ack consumer on the work queue.
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	ch, err := c.activeChannel()
	if err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(c.config.QueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}
	return deliveries, nil
}

// Qos sets the consumer prefetch count
func (c *Client) Qos(prefetchCount int) error {
	ch, err := c.activeChannel()
	if err != nil {
		return err
	}
	return ch.Qos(prefetchCount, 0, false)
}

// Close closes the channel and the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false

	if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("Failed to close RabbitMQ channel", slog.Any("error", err))
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}

// IsConnected reports whether the connection is open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn != nil && !c.conn.IsClosed()
}

// NotifyClose returns the channel that receives the broker close error
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.closeChan
}
