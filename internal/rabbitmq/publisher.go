package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes to queues through the default exchange on a single channel in
// confirm mode. Messages are mandatory, so publishing to a missing queue fails.
type Publisher struct {
	manager        *ConnectionManager
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	ch      *amqp.Channel
	returns chan amqp.Return
	closed  bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to queue and waits for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	ch, err := p.channel()
	if err != nil {
		return p.failure(queue, msg, err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, true, false, msg)
	if err != nil {
		p.reset()
		return p.failure(queue, msg, fmt.Errorf("failed to publish: %w", err))
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case <-confirm.Done():
	case <-timer.C:
		p.reset()
		return p.failure(queue, msg, fmt.Errorf("timeout waiting for confirmation"))
	case <-ctx.Done():
		p.reset()
		return ctx.Err()
	}

	// The broker sends basic.return before the confirm of an unroutable message.
	select {
	case ret := <-p.returns:
		return p.failure(queue, msg, fmt.Errorf("%w: %s", ErrUnroutable, ret.ReplyText))
	default:
	}

	if !confirm.Acked() {
		return p.failure(queue, msg, ErrPublishNacked)
	}
	return nil
}

// Close closes the publishing channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.reset()
	return nil
}

// channel must be called with the lock held
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	conn, err := p.manager.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable confirms: %w", err)
	}

	p.ch = ch
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	return ch, nil
}

// reset must be called with the lock held
func (p *Publisher) reset() {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && err != amqp.ErrClosed {
			p.logger.Debug("failed to close publishing channel", "error", err)
		}
		p.ch = nil
		p.returns = nil
	}
}

func (p *Publisher) failure(queue string, msg amqp.Publishing, err error) error {
	return &PublishError{
		Queue:     queue,
		MessageID: msg.MessageId,
		Err:       err,
		Timestamp: time.Now(),
	}
}
