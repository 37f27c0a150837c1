// Package rabbitmq implements messaging.Transport on an external RabbitMQ broker
// shared by every node. Inboxes are durable quorum queues on the default exchange, so
// destinations are routed by legal name alone.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/internal/rabbitmq"
	"github.com/glimte/p2pmq/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

const senderHeader = "p2p-sender"

// ErrInboxNotDeclared is returned by Subscribe for an unknown inbox
var ErrInboxNotDeclared = errors.New("inbox not declared")

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	url       string
	legalName string
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	logger    *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	LegalName         string
	TLS               *tls.Config
	Logger            *slog.Logger
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLegalName names the node in logs and message headers
func WithLegalName(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.LegalName = name
	}
}

// WithTLS dials the broker with TLS
func WithTLS(config *tls.Config) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.TLS = config
	}
}

// WithLogger sets the logger for the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// NewTransport creates a RabbitMQ transport. Nothing is dialled until Connect.
func NewTransport(connectionString string, options ...TransportOption) (*Transport, error) {
	if _, err := url.Parse(connectionString); err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}

	cfg := &TransportConfig{Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}

	connOptions := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	if cfg.TLS != nil {
		connOptions = append(connOptions, rabbitmq.WithTLS(cfg.TLS))
	}
	manager := rabbitmq.NewConnectionManager(connectionString, connOptions...)

	pubOptions := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	conOptions := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	t := &Transport{
		url:       connectionString,
		legalName: cfg.LegalName,
		manager:   manager,
		publisher: rabbitmq.NewPublisher(manager, pubOptions...),
		consumer:  rabbitmq.NewConsumer(manager, conOptions...),
		logger:    cfg.Logger,
		declared:  make(map[string]bool),
	}
	manager.AddStateListener(t)
	return t, nil
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	err := t.manager.Connect(ctx)
	if err == nil {
		return nil
	}
	if rabbitmq.IsCredentialsError(err) {
		return &contracts.AuthenticationError{Username: t.username(), Err: err}
	}
	return &contracts.ConnectionError{Op: "connect", Address: t.BrokerAddress(), Err: err}
}

// DeclareInbox implements messaging.Transport. Message size limits are enforced by
// the sender; RabbitMQ only has a broker-wide limit.
func (t *Transport) DeclareInbox(ctx context.Context, inbox string, options messaging.InboxOptions) error {
	spec := rabbitmq.QueueSpec{Name: inbox, DeliveryLimit: options.MaxDeliveries}
	if err := rabbitmq.DeclareQueue(ctx, t.manager, spec); err != nil {
		return err
	}

	t.mu.Lock()
	t.declared[inbox] = true
	t.mu.Unlock()

	t.logger.Info("declared inbox", "inbox", inbox, "broker", rabbitmq.SanitizeURL(t.url))
	return nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, dest contracts.Address, envelope *contracts.Envelope) error {
	body, err := envelope.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    envelope.ID,
		Timestamp:    envelope.SentAt,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{senderHeader: envelope.Sender},
	}

	if err := t.publisher.Publish(ctx, contracts.InboxName(dest.LegalName), msg); err != nil {
		if errors.Is(err, rabbitmq.ErrConnectionNotReady) || errors.Is(err, rabbitmq.ErrConnectionClosed) {
			return &contracts.ConnectionError{Op: "publish", Address: t.BrokerAddress(), Err: err}
		}
		return fmt.Errorf("failed to publish to %s: %w", dest, err)
	}
	return nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, inbox string) (messaging.DeliveryStream, error) {
	t.mu.Lock()
	ok := t.declared[inbox]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInboxNotDeclared, inbox)
	}

	sub, err := t.consumer.Consume(ctx, inbox)
	if err != nil {
		return nil, err
	}
	return newDeliveryStream(t, inbox, sub), nil
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	if err := t.publisher.Close(); err != nil {
		t.logger.Warn("failed to close publisher", "error", err)
	}
	return t.manager.Close()
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnected() {
	t.logger.Info("transport connected", "legalName", t.legalName)
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.logger.Warn("transport disconnected", "legalName", t.legalName, "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnReconnecting(attempt int) {
	t.logger.Info("transport reconnecting", "legalName", t.legalName, "attempt", attempt)
}

// BrokerAddress returns the host and port of the RabbitMQ broker. Nodes on this
// transport advertise it as their messaging address.
func (t *Transport) BrokerAddress() contracts.NetworkHostAndPort {
	u, err := url.Parse(t.url)
	if err != nil {
		return contracts.NetworkHostAndPort{}
	}
	port, _ := strconv.Atoi(u.Port())
	if port == 0 {
		port = 5672
		if u.Scheme == "amqps" {
			port = 5671
		}
	}
	return contracts.NetworkHostAndPort{Host: u.Hostname(), Port: port}
}

func (t *Transport) username() string {
	u, err := url.Parse(t.url)
	if err != nil || u.User == nil {
		return t.legalName
	}
	return u.User.Username()
}

// deliveryStream resubscribes transparently when the connection is re-established
type deliveryStream struct {
	transport *Transport
	inbox     string

	mu      sync.Mutex
	sub     *rabbitmq.Subscription
	stopped chan struct{}
	once    sync.Once
}

func newDeliveryStream(t *Transport, inbox string, sub *rabbitmq.Subscription) *deliveryStream {
	return &deliveryStream{
		transport: t,
		inbox:     inbox,
		sub:       sub,
		stopped:   make(chan struct{}),
	}
}

// Next implements messaging.DeliveryStream
func (s *deliveryStream) Next(ctx context.Context) (messaging.TransportDelivery, error) {
	for {
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()

		select {
		case d, ok := <-sub.Deliveries:
			if ok {
				return &delivery{delivery: d, stopped: s.stopped}, nil
			}
			if err := s.resubscribe(ctx); err != nil {
				return nil, err
			}
		case <-s.stopped:
			return nil, messaging.ErrStreamClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Stop implements messaging.DeliveryStream
func (s *deliveryStream) Stop() {
	s.once.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		s.sub.Cancel()
		s.mu.Unlock()
	})
}

func (s *deliveryStream) resubscribe(ctx context.Context) error {
	select {
	case <-s.stopped:
		return messaging.ErrStreamClosed
	default:
	}

	s.transport.logger.Warn("inbox consumer lost, resubscribing", "inbox", s.inbox)
	sub, err := s.transport.consumer.Consume(ctx, s.inbox)
	if err != nil {
		if errors.Is(err, rabbitmq.ErrConnectionClosed) {
			return messaging.ErrStreamClosed
		}
		return err
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	return nil
}

// delivery adapts amqp.Delivery to TransportDelivery
type delivery struct {
	delivery amqp.Delivery
	stopped  <-chan struct{}
}

// Body implements TransportDelivery
func (d *delivery) Body() []byte {
	return d.delivery.Body
}

// Attempt implements TransportDelivery. Quorum queues count deliveries; the
// redelivered flag is the fallback.
func (d *delivery) Attempt() int {
	if n := rabbitmq.DeliveryCount(d.delivery); n >= 0 {
		return n + 1
	}
	if d.delivery.Redelivered {
		return 2
	}
	return 1
}

// Ack implements TransportDelivery
func (d *delivery) Ack() error {
	return d.delivery.Ack(false)
}

// Nak implements TransportDelivery. RabbitMQ cannot delay a requeue, so the delivery
// is held unacknowledged for delay and then requeued.
func (d *delivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.delivery.Nack(false, true)
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = d.delivery.Nack(false, true)
		case <-d.stopped:
			_ = d.delivery.Nack(false, true)
		}
	}()
	return nil
}

// Term implements TransportDelivery
func (d *delivery) Term() error {
	return d.delivery.Reject(false)
}
