package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/p2pmq/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	tls            *tls.Config
	dialTimeout    time.Duration
	backoff        *reliability.ExponentialBackoff
	logger         *slog.Logger
	mu             sync.RWMutex
	conn           *amqp.Connection
	ready          chan struct{}
	done           chan struct{}
	closed         bool
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithTLS dials amqps with the given client configuration
func WithTLS(config *tls.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.tls = config
	}
}

// WithDialTimeout bounds each connection attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithReconnectBackoff sets the delay schedule between reconnection attempts. The
// backoff's attempt limit bounds reconnection; 0 retries forever.
func WithReconnectBackoff(backoff *reliability.ExponentialBackoff) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = backoff
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: 10 * time.Second,
		backoff:     reliability.NewExponentialBackoff(time.Second, time.Minute, 2.0, 0),
		logger:      slog.Default(),
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()
	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// WaitConnection blocks until a connection is available, ctx is done or the manager
// is closed.
func (cm *ConnectionManager) WaitConnection(ctx context.Context) (*amqp.Connection, error) {
	for {
		cm.mu.RLock()
		conn, ready, closed := cm.conn, cm.ready, cm.closed
		cm.mu.RUnlock()

		if closed {
			return nil, ErrConnectionClosed
		}
		if conn != nil && !conn.IsClosed() {
			return conn, nil
		}

		select {
		case <-ready:
		case <-cm.done:
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if err != nil && err != amqp.ErrClosed {
			return err
		}
	}
	return nil
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			TLSClientConfig: cm.tls,
			Dial:            amqp.DefaultDial(cm.dialTimeout),
		})
		results <- result{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			// The dial outlived its caller.
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with the lock held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	close(cm.ready)
	cm.ready = make(chan struct{})

	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.handleReconnect(notifyClose)
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose <-chan *amqp.Error) {
	var err *amqp.Error
	select {
	case err = <-notifyClose:
	case <-cm.done:
		return
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	cm.mu.Unlock()

	if err != nil {
		cm.logger.Error("connection closed", "error", err)
		cm.notifyDisconnected(err)
	} else {
		cm.notifyDisconnected(ErrConnectionClosed)
	}

	cm.reconnect()
}

// reconnect redials on the backoff schedule until a dial succeeds, the backoff runs
// out of attempts or the manager is closed
func (cm *ConnectionManager) reconnect() {
	startTime := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	err := reliability.Retry(ctx, cm.backoff, func() error {
		attempt++
		cm.logger.Info("attempting to reconnect", "attempt", attempt)
		cm.notifyReconnecting(attempt)

		conn, err := cm.dial(ctx)
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt)
			return err
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		if cm.closed {
			conn.Close()
			return reliability.Permanent(ErrConnectionClosed)
		}
		cm.attach(conn)
		return nil
	})

	switch {
	case err == nil:
		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(startTime))
		cm.notifyConnected()
	case ctx.Err() != nil, errors.Is(err, ErrConnectionClosed):
		return
	default:
		cm.logger.Error("max reconnection attempts reached",
			"attempts", attempt,
			"duration", time.Since(startTime),
			"error", err)
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  attempt,
		})
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
