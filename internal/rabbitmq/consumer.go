package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer opens manual-ack subscriptions on queues
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is one consumer on one channel
type Subscription struct {
	Queue      string
	Tag        string
	Deliveries <-chan amqp.Delivery

	once     sync.Once
	cancelFn func()
}

// Consume starts consuming queue, waiting for a connection if the manager is
// reconnecting.
func (c *Consumer) Consume(ctx context.Context, queue string) (*Subscription, error) {
	conn, err := c.manager.WaitConnection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := "p2pmq-" + uuid.NewString()
	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	c.logger.Debug("consumer started", "queue", queue, "consumerTag", tag)

	sub := &Subscription{Queue: queue, Tag: tag, Deliveries: deliveries}
	sub.cancelFn = func() {
		if err := ch.Cancel(tag, false); err != nil && err != amqp.ErrClosed {
			c.logger.Debug("failed to cancel consumer", "queue", queue, "error", err)
		}
		ch.Close()
	}
	return sub, nil
}

// Cancel stops the subscription. Unacknowledged deliveries return to the queue.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancelFn)
}
