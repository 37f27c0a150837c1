// Package nats implements messaging.Transport on the node's embedded broker using
// JetStream: every inbox is a work-queue stream with one durable pull consumer.
// Envelopes for inboxes hosted by other brokers are published over bridge
// connections authenticated with the node's identity key.
package nats

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/internal/reliability"
	"github.com/glimte/p2pmq/messaging"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/nats-io/nkeys"
)

const (
	consumerName          = "dispatch"
	defaultConnectTimeout = 5 * time.Second
	defaultAckWait        = 30 * time.Second
	defaultDuplicates     = 2 * time.Minute
	pullBatch             = 8
	senderHeader          = "P2p-Sender"
)

var (
	// ErrNotConnected is returned by operations that need Connect first
	ErrNotConnected = errors.New("transport not connected")
	// ErrInboxNotDeclared is returned by Subscribe for an unknown inbox
	ErrInboxNotDeclared = errors.New("inbox not declared")
)

// Config holds what the transport needs to reach its broker
type Config struct {
	LegalName     string
	ServerAddress contracts.NetworkHostAndPort
	Identity      nkeys.KeyPair
	TLS           *tls.Config
}

// Transport implements messaging.Transport over JetStream
type Transport struct {
	cfg            Config
	publicKey      string
	logger         *slog.Logger
	connectTimeout time.Duration
	ackWait        time.Duration
	breakerOptions []reliability.CircuitBreakerOption

	mu        sync.Mutex
	nc        *nats.Conn
	js        jetstream.JetStream
	consumers map[string]jetstream.Consumer
	bridges   map[string]*bridge
	closed    bool
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithConnectTimeout bounds connection attempts to any broker
func WithConnectTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.connectTimeout = timeout
	}
}

// WithAckWait sets how long the broker waits for an ack before redelivering
func WithAckWait(wait time.Duration) Option {
	return func(t *Transport) {
		t.ackWait = wait
	}
}

// WithCircuitBreakerOptions configures the breaker guarding each remote broker
func WithCircuitBreakerOptions(options ...reliability.CircuitBreakerOption) Option {
	return func(t *Transport) {
		t.breakerOptions = append(t.breakerOptions, options...)
	}
}

// NewTransport creates a JetStream transport
func NewTransport(cfg Config, options ...Option) (*Transport, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity key cannot be nil")
	}
	if cfg.ServerAddress.IsZero() {
		return nil, fmt.Errorf("server address is required")
	}
	pub, err := cfg.Identity.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("invalid identity key: %w", err)
	}

	t := &Transport{
		cfg:            cfg,
		publicKey:      pub,
		logger:         slog.Default(),
		connectTimeout: defaultConnectTimeout,
		ackWait:        defaultAckWait,
		consumers:      make(map[string]jetstream.Consumer),
		bridges:        make(map[string]*bridge),
	}
	for _, opt := range options {
		opt(t)
	}
	return t, nil
}

// Connect implements messaging.Transport
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrNotConnected
	}
	if t.nc != nil {
		return nil
	}

	nc, err := t.dial(ctx, t.cfg.ServerAddress, -1)
	if err != nil {
		return err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create jetstream context: %w", err)
	}

	t.nc = nc
	t.js = js
	t.logger.Info("connected to messaging server",
		"legalName", t.cfg.LegalName,
		"address", t.cfg.ServerAddress.String())
	return nil
}

// DeclareInbox implements messaging.Transport
func (t *Transport) DeclareInbox(ctx context.Context, inbox string, options messaging.InboxOptions) error {
	js, err := t.jetStream()
	if err != nil {
		return err
	}

	duplicates := options.DuplicateWindow
	if duplicates <= 0 {
		duplicates = defaultDuplicates
	}
	streamCfg := jetstream.StreamConfig{
		Name:       StreamName(inbox),
		Subjects:   []string{inbox},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
		Duplicates: duplicates,
	}
	if options.MaxMessageSize > 0 {
		streamCfg.MaxMsgSize = int32(contracts.MaxEnvelopeSize(options.MaxMessageSize))
	}

	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", streamCfg.Name, err)
	}

	maxDeliver := -1
	if options.MaxDeliveries > 0 {
		maxDeliver = options.MaxDeliveries
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       t.ackWait,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer on %s: %w", streamCfg.Name, err)
	}

	t.mu.Lock()
	t.consumers[inbox] = consumer
	t.mu.Unlock()

	t.logger.Info("declared inbox", "inbox", inbox, "stream", streamCfg.Name)
	return nil
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, dest contracts.Address, envelope *contracts.Envelope) error {
	body, err := envelope.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	msg := &nats.Msg{
		Subject: contracts.InboxName(dest.LegalName),
		Data:    body,
		Header:  nats.Header{},
	}
	msg.Header.Set(senderHeader, envelope.Sender)

	if dest.HostAndPort == t.cfg.ServerAddress {
		js, err := t.jetStream()
		if err != nil {
			return err
		}
		return publish(ctx, js, msg, envelope, dest)
	}

	b, err := t.bridgeTo(dest.HostAndPort)
	if err != nil {
		return err
	}
	return b.publish(ctx, msg, envelope, dest)
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(_ context.Context, inbox string) (messaging.DeliveryStream, error) {
	t.mu.Lock()
	consumer, ok := t.consumers[inbox]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInboxNotDeclared, inbox)
	}

	iter, err := consumer.Messages(
		jetstream.PullMaxMessages(pullBatch),
		jetstream.WithMessagesErrOnMissingHeartbeat(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume inbox %s: %w", inbox, err)
	}
	return &deliveryStream{iter: iter}, nil
}

// IsConnected implements messaging.Transport
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nc != nil && t.nc.IsConnected()
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	nc := t.nc
	bridges := t.bridges
	t.nc = nil
	t.js = nil
	t.bridges = make(map[string]*bridge)
	t.consumers = make(map[string]jetstream.Consumer)
	t.mu.Unlock()

	for _, b := range bridges {
		b.close()
	}
	if nc != nil {
		nc.Close()
	}
	t.logger.Info("transport closed", "legalName", t.cfg.LegalName)
	return nil
}

// BridgeState returns the circuit state towards a remote broker, if a bridge exists
func (t *Transport) BridgeState(addr contracts.NetworkHostAndPort) (reliability.State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.bridges[addr.String()]
	if !ok {
		return reliability.StateClosed, false
	}
	return b.breaker.State(), true
}

// StreamName returns the JetStream stream name backing an inbox
func StreamName(inbox string) string {
	return strings.ToUpper(strings.ReplaceAll(inbox, ".", "_"))
}

func (t *Transport) jetStream() (jetstream.JetStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.js == nil {
		return nil, ErrNotConnected
	}
	return t.js, nil
}

func (t *Transport) bridgeTo(addr contracts.NetworkHostAndPort) (*bridge, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrNotConnected
	}
	key := addr.String()
	b, ok := t.bridges[key]
	if !ok {
		options := append([]reliability.CircuitBreakerOption{
			reliability.WithName(key),
			reliability.WithFailureThreshold(3),
			reliability.WithTimeout(5 * time.Second),
			reliability.WithStateChange(func(name string, from, to reliability.State, reason string) {
				t.logger.Warn("bridge circuit changed state",
					"remote", name,
					"from", from.String(),
					"to", to.String(),
					"reason", reason)
			}),
		}, t.breakerOptions...)
		b = &bridge{
			transport: t,
			addr:      addr,
			breaker:   reliability.NewCircuitBreaker(options...),
		}
		t.bridges[key] = b
	}
	return b, nil
}

// dial connects to a broker with the node identity. Unreachable brokers yield a
// ConnectionError carrying the dial error; rejected keys an AuthenticationError.
func (t *Transport) dial(ctx context.Context, addr contracts.NetworkHostAndPort, maxReconnects int) (*nats.Conn, error) {
	dialer := net.Dialer{Timeout: t.connectTimeout}
	reach, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, &contracts.ConnectionError{Op: "connect", Address: addr, Err: err}
	}
	reach.Close()

	options := []nats.Option{
		nats.Name(t.cfg.LegalName),
		nats.Nkey(t.publicKey, t.cfg.Identity.Sign),
		nats.Timeout(t.connectTimeout),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn("disconnected from broker", "address", addr.String(), "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			t.logger.Info("reconnected to broker", "address", addr.String())
		}),
	}
	if t.cfg.TLS != nil {
		options = append(options, nats.Secure(t.cfg.TLS))
	}

	nc, err := nats.Connect("nats://"+addr.String(), options...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
			return nil, &contracts.AuthenticationError{Username: t.cfg.LegalName, Err: err}
		}
		return nil, &contracts.ConnectionError{Op: "connect", Address: addr, Err: err}
	}
	return nc, nil
}

// errStreamMessageTooLarge matches the rejection of a message above the stream's MaxMsgSize
var errStreamMessageTooLarge = &jetstream.APIError{ErrorCode: 10054}

func publish(ctx context.Context, js jetstream.JetStream, msg *nats.Msg, envelope *contracts.Envelope, dest contracts.Address) error {
	if _, err := js.PublishMsg(ctx, msg, jetstream.WithMsgID(envelope.ID)); err != nil {
		switch {
		case errors.Is(err, jetstream.ErrNoStreamResponse):
			return fmt.Errorf("no inbox for %s at %s: %w", dest.LegalName, dest.HostAndPort, err)
		case errors.Is(err, errStreamMessageTooLarge), errors.Is(err, nats.ErrMaxPayload):
			return &contracts.MessageTooLargeError{Topic: envelope.Topic, Size: len(envelope.Data), Err: err}
		}
		return fmt.Errorf("failed to publish to %s: %w", dest, err)
	}
	return nil
}
