package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/p2pmq/config"
	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/internal/reliability"
	lru "github.com/hashicorp/golang-lru/v2"
)

// State is the lifecycle state of a Client
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	defaultDuplicateCacheSize = 4096
	defaultDuplicateWindow    = 2 * time.Minute
)

// ClientConfig holds what the client needs to know about its node
type ClientConfig struct {
	MyLegalName         string
	ServerAddress       contracts.NetworkHostAndPort
	PlatformVersion     int
	MaxMessageSize      int
	MaxDeliveryAttempts int
}

// ConfigFromNode builds a ClientConfig for the node's own broker at serverAddress
func ConfigFromNode(cfg config.NodeConfiguration, serverAddress contracts.NetworkHostAndPort) ClientConfig {
	return ClientConfig{
		MyLegalName:         cfg.MyLegalName(),
		ServerAddress:       serverAddress,
		PlatformVersion:     cfg.PlatformVersion(),
		MaxMessageSize:      cfg.MaxMessageSize(),
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts(),
	}
}

// Client sends messages to node inboxes and dispatches the messages arriving in its own
type Client struct {
	cfg        ClientConfig
	inbox      string
	transport  Transport
	dispatcher *MessageDispatcher

	logger      *slog.Logger
	metrics     MetricsCollector
	deadLetters reliability.DeadLetterStore
	redelivery  reliability.RedeliveryPolicy
	resolver    AddressResolver
	middleware  []MiddlewareFunc
	dupSize     int
	handled     *lru.Cache[string, struct{}]

	sequence atomic.Uint64

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(collector MetricsCollector) ClientOption {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDeadLetterStore sets where dead letters are kept
func WithDeadLetterStore(store reliability.DeadLetterStore) ClientOption {
	return func(c *Client) {
		c.deadLetters = store
	}
}

// WithRedeliveryPolicy sets the backoff applied to failed deliveries
func WithRedeliveryPolicy(policy reliability.RedeliveryPolicy) ClientOption {
	return func(c *Client) {
		c.redelivery = policy
	}
}

// WithNetworkMapCache enables SendTo
func WithNetworkMapCache(resolver AddressResolver) ClientOption {
	return func(c *Client) {
		c.resolver = resolver
	}
}

// WithDuplicateCacheSize sets how many handled message ids are remembered
func WithDuplicateCacheSize(size int) ClientOption {
	return func(c *Client) {
		c.dupSize = size
	}
}

// WithMiddleware adds handler middleware
func WithMiddleware(middleware ...MiddlewareFunc) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// NewClient creates a messaging client on top of transport
func NewClient(cfg ClientConfig, transport Transport, options ...ClientOption) (*Client, error) {
	if err := contracts.ValidateLegalName(cfg.MyLegalName); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg.PlatformVersion == 0 {
		cfg.PlatformVersion = contracts.DefaultPlatformVersion
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = config.DefaultMaxDeliveryAttempts
	}

	c := &Client{
		cfg:       cfg,
		inbox:     contracts.InboxName(cfg.MyLegalName),
		transport: transport,
		logger:    slog.Default(),
		metrics:   &NoOpMetricsCollector{},
		dupSize:   defaultDuplicateCacheSize,
	}

	for _, opt := range options {
		opt(c)
	}

	if c.deadLetters == nil {
		c.deadLetters = reliability.NewInMemoryDeadLetterStore(1000)
	}
	if c.redelivery == nil {
		c.redelivery = reliability.DefaultRedeliveryPolicy(cfg.MaxDeliveryAttempts)
	}

	handled, err := lru.New[string, struct{}](c.dupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create duplicate filter: %w", err)
	}
	c.handled = handled

	chain := append([]MiddlewareFunc{RecoveryMiddleware()}, c.middleware...)
	c.dispatcher = NewMessageDispatcher(c.logger, chain...)

	return c, nil
}

// State returns the lifecycle state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MyAddress returns the address other nodes use to reach this client
func (c *Client) MyAddress() contracts.Address {
	return contracts.Address{LegalName: c.cfg.MyLegalName, HostAndPort: c.cfg.ServerAddress}
}

// PlatformVersion returns the version stamped on created messages
func (c *Client) PlatformVersion() int {
	return c.cfg.PlatformVersion
}

// DeadLetters returns the client's dead letter store
func (c *Client) DeadLetters() reliability.DeadLetterStore {
	return c.deadLetters
}

// DeadLetterCount returns the number of messages in the dead letter store
func (c *Client) DeadLetterCount(ctx context.Context) (int, error) {
	return c.deadLetters.Count(ctx)
}

// CreateMessage returns a new message tagged with this client's platform version
func (c *Client) CreateMessage(topic string, data []byte) contracts.Message {
	return contracts.NewMessage(topic, data, c.cfg.PlatformVersion, c.sequence.Add(1))
}

// AddMessageHandler registers handler for topic. It is safe to call at any time, but
// only handlers registered before Run are guaranteed to see messages already queued.
func (c *Client) AddMessageHandler(topic string, handler MessageHandler) (*HandlerRegistration, error) {
	if c.State() == StateStopped {
		return nil, ErrClientStopped
	}
	return c.dispatcher.Register(topic, handler)
}

// AddMessageHandlerFunc registers a function as a handler
func (c *Client) AddMessageHandlerFunc(topic string, fn func(ctx context.Context, msg contracts.ReceivedMessage) error) (*HandlerRegistration, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	return c.AddMessageHandler(topic, MessageHandlerFunc(fn))
}

// RemoveMessageHandler removes a registration
func (c *Client) RemoveMessageHandler(reg *HandlerRegistration) bool {
	return c.dispatcher.Unregister(reg)
}

// Start connects to the broker and declares this node's inbox
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateStopped:
		return ErrClientStopped
	case StateStarted, StateRunning:
		return ErrAlreadyStarted
	}

	if err := c.transport.Connect(ctx); err != nil {
		c.logger.Error("failed to connect messaging client",
			"legalName", c.cfg.MyLegalName,
			"address", c.cfg.ServerAddress.String(),
			"error", err)
		return err
	}

	options := InboxOptions{
		MaxMessageSize:  c.cfg.MaxMessageSize,
		DuplicateWindow: defaultDuplicateWindow,
	}
	if err := c.transport.DeclareInbox(ctx, c.inbox, options); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("failed to declare inbox %s: %w", c.inbox, err)
	}

	c.state = StateStarted
	c.logger.Info("messaging client started",
		"legalName", c.cfg.MyLegalName,
		"address", c.cfg.ServerAddress.String(),
		"inbox", c.inbox)
	return nil
}

// Send publishes msg to the inbox of to
func (c *Client) Send(ctx context.Context, msg contracts.Message, to contracts.Address) error {
	switch c.State() {
	case StateCreated:
		return ErrNotStarted
	case StateStopped:
		return ErrClientStopped
	}
	if msg.Topic() == "" {
		return ErrEmptyTopic
	}
	if msg.Size() > c.cfg.MaxMessageSize {
		return &contracts.MessageTooLargeError{Topic: msg.Topic(), Size: msg.Size(), Max: c.cfg.MaxMessageSize}
	}
	if to.LegalName == "" || to.HostAndPort.IsZero() {
		return fmt.Errorf("invalid destination address %q", to.String())
	}

	start := time.Now()
	err := c.transport.Publish(ctx, to, contracts.NewEnvelope(msg, c.MyAddress()))
	c.metrics.RecordSend(msg.Topic(), msg.Size(), time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("failed to send message %s to %s: %w", msg.UniqueID(), to, err)
	}

	c.logger.Debug("sent message",
		"messageId", msg.UniqueID(),
		"topic", msg.Topic(),
		"to", to.String())
	return nil
}

// SendTo resolves legalName through the network map cache and sends msg there
func (c *Client) SendTo(ctx context.Context, msg contracts.Message, legalName string) error {
	if c.resolver == nil {
		return ErrNoNetworkMap
	}
	addr, ok := c.resolver.Resolve(legalName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, legalName)
	}
	return c.Send(ctx, msg, addr)
}

// Run dispatches inbound messages until ctx is cancelled or Stop is called
func (c *Client) Run(ctx context.Context) error {
	runCtx, done, err := c.beginRun(ctx)
	if err != nil {
		return err
	}
	return c.loop(runCtx, done)
}

// RunInBackground starts the dispatch loop on a goroutine owned by the client. The
// returned channel yields the loop's result once it exits and is then closed.
func (c *Client) RunInBackground() <-chan error {
	errCh := make(chan error, 1)

	runCtx, done, err := c.beginRun(context.Background())
	if err != nil {
		errCh <- err
		close(errCh)
		return errCh
	}

	go func() {
		defer close(errCh)
		errCh <- c.loop(runCtx, done)
	}()
	return errCh
}

// Stop ends the dispatch loop, waits for it and closes the transport
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = StateStopped
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.logger.Info("messaging client stopped", "legalName", c.cfg.MyLegalName)

	if prev == StateCreated {
		return nil
	}
	return c.transport.Close()
}

func (c *Client) beginRun(ctx context.Context) (context.Context, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateCreated:
		return nil, nil, ErrNotStarted
	case StateRunning:
		return nil, nil, ErrAlreadyRunning
	case StateStopped:
		return nil, nil, ErrClientStopped
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.state = StateRunning
	return runCtx, done, nil
}

func (c *Client) loop(ctx context.Context, done chan struct{}) error {
	defer func() {
		c.mu.Lock()
		c.cancel()
		if c.state == StateRunning {
			c.state = StateStarted
		}
		c.cancel = nil
		c.done = nil
		c.mu.Unlock()
		close(done)
	}()

	stream, err := c.transport.Subscribe(ctx, c.inbox)
	if err != nil {
		return fmt.Errorf("failed to subscribe to inbox %s: %w", c.inbox, err)
	}
	defer stream.Stop()

	c.logger.Info("dispatch loop running", "legalName", c.cfg.MyLegalName, "inbox", c.inbox)

	for {
		delivery, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrStreamClosed) {
				c.logger.Info("dispatch loop exited", "legalName", c.cfg.MyLegalName)
				return nil
			}
			c.logger.Error("dispatch loop failed", "legalName", c.cfg.MyLegalName, "error", err)
			return fmt.Errorf("dispatch loop failed: %w", err)
		}
		c.process(ctx, delivery)
	}
}

func (c *Client) process(ctx context.Context, delivery TransportDelivery) {
	env, err := contracts.UnmarshalEnvelope(delivery.Body())
	if err != nil {
		c.deadLetter(ctx, delivery, reliability.DeadLetter{
			Reason:   reliability.ReasonUndecodable,
			Error:    err.Error(),
			Attempts: delivery.Attempt(),
			Body:     delivery.Body(),
		})
		return
	}

	msg := env.Received(delivery.Attempt())
	c.metrics.RecordReceive(msg.Topic(), msg.DeliveryAttempt)

	if c.handled.Contains(msg.UniqueID()) {
		c.logger.Debug("dropping redelivery of handled message",
			"messageId", msg.UniqueID(),
			"topic", msg.Topic())
		c.ack(delivery, msg)
		return
	}

	if !c.dispatcher.HasHandlers(msg.Topic()) {
		c.logger.Warn("no handler for topic, dead-lettering message",
			"messageId", msg.UniqueID(),
			"topic", msg.Topic(),
			"sender", msg.Sender)
		c.deadLetter(ctx, delivery, letterFor(msg, reliability.ReasonNoHandler, nil, delivery.Body()))
		return
	}

	start := time.Now()
	err = c.dispatcher.Dispatch(ctx, msg)
	c.metrics.RecordHandled(msg.Topic(), time.Since(start), err == nil)

	if err == nil {
		c.handled.Add(msg.UniqueID(), struct{}{})
		c.ack(delivery, msg)
		return
	}

	if ctx.Err() != nil {
		// Shutting down: leave it to the next run.
		if nakErr := delivery.Nak(0); nakErr != nil {
			c.logger.Warn("failed to release delivery", "messageId", msg.UniqueID(), "error", nakErr)
		}
		return
	}

	again, delay := c.redelivery.ShouldRedeliver(msg.DeliveryAttempt, err)
	if again {
		c.logger.Warn("handler failed, scheduling redelivery",
			"messageId", msg.UniqueID(),
			"topic", msg.Topic(),
			"attempt", msg.DeliveryAttempt,
			"delay", delay)
		if nakErr := delivery.Nak(delay); nakErr != nil {
			c.logger.Error("failed to nak delivery", "messageId", msg.UniqueID(), "error", nakErr)
		}
		return
	}

	reason := reliability.ReasonHandlerFailed
	if msg.DeliveryAttempt >= c.redelivery.MaxAttempts() {
		reason = reliability.ReasonMaxAttempts
	}
	c.deadLetter(ctx, delivery, letterFor(msg, reason, err, delivery.Body()))
}

func (c *Client) ack(delivery TransportDelivery, msg contracts.ReceivedMessage) {
	if err := delivery.Ack(); err != nil {
		c.logger.Error("failed to ack delivery",
			"messageId", msg.UniqueID(),
			"topic", msg.Topic(),
			"error", err)
	}
}

func (c *Client) deadLetter(ctx context.Context, delivery TransportDelivery, letter reliability.DeadLetter) {
	letter.ReceivedAt = time.Now().UTC()
	if err := c.deadLetters.Add(ctx, letter); err != nil {
		c.logger.Error("failed to store dead letter", "messageId", letter.ID, "error", err)
	}
	c.metrics.RecordDeadLetter(letter.Topic, letter.Reason)

	if err := delivery.Term(); err != nil {
		c.logger.Error("failed to terminate delivery", "messageId", letter.ID, "error", err)
	}
}

func letterFor(msg contracts.ReceivedMessage, reason string, err error, body []byte) reliability.DeadLetter {
	letter := reliability.DeadLetter{
		ID:       msg.UniqueID(),
		Topic:    msg.Topic(),
		Sender:   msg.Sender,
		Reason:   reason,
		Attempts: msg.DeliveryAttempt,
		Body:     body,
	}
	if err != nil {
		letter.Error = err.Error()
	}
	return letter
}
