package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/p2pmq/contracts"
)

// MessageHandler processes messages received on a topic
type MessageHandler interface {
	Handle(ctx context.Context, msg contracts.ReceivedMessage) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg contracts.ReceivedMessage) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg contracts.ReceivedMessage) error {
	return f(ctx, msg)
}

// MiddlewareFunc wraps handler invocation
type MiddlewareFunc func(ctx context.Context, msg contracts.ReceivedMessage, next MessageHandler) error

// HandlerRegistration identifies a registered handler; pass it to RemoveMessageHandler
type HandlerRegistration struct {
	id      uint64
	topic   string
	handler MessageHandler
}

// Topic returns the topic the handler is registered on
func (r *HandlerRegistration) Topic() string {
	return r.topic
}

// MessageDispatcher routes received messages to the handlers of their topic. Every
// handler of a topic receives every message, sequentially, in registration order.
type MessageDispatcher struct {
	mu         sync.RWMutex
	handlers   map[string][]*HandlerRegistration
	nextID     uint64
	middleware []MiddlewareFunc
	logger     *slog.Logger
}

// NewMessageDispatcher creates a dispatcher. Middleware runs outermost first.
func NewMessageDispatcher(logger *slog.Logger, middleware ...MiddlewareFunc) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageDispatcher{
		handlers:   make(map[string][]*HandlerRegistration),
		middleware: middleware,
		logger:     logger,
	}
}

// Register adds a handler for topic
func (d *MessageDispatcher) Register(topic string, handler MessageHandler) (*HandlerRegistration, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	reg := &HandlerRegistration{id: d.nextID, topic: topic, handler: handler}
	d.handlers[topic] = append(d.handlers[topic], reg)

	d.logger.Info("registered message handler", "topic", topic, "handlers", len(d.handlers[topic]))
	return reg, nil
}

// Unregister removes a registration; it reports whether it was registered
func (d *MessageDispatcher) Unregister(reg *HandlerRegistration) bool {
	if reg == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[reg.topic]
	for i, r := range regs {
		if r.id != reg.id {
			continue
		}
		remaining := make([]*HandlerRegistration, 0, len(regs)-1)
		remaining = append(remaining, regs[:i]...)
		remaining = append(remaining, regs[i+1:]...)
		if len(remaining) == 0 {
			delete(d.handlers, reg.topic)
		} else {
			d.handlers[reg.topic] = remaining
		}
		d.logger.Info("unregistered message handler", "topic", reg.topic)
		return true
	}
	return false
}

// HasHandlers reports whether any handler is registered for topic
func (d *MessageDispatcher) HasHandlers(topic string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[topic]) > 0
}

// Topics returns every topic with at least one handler
func (d *MessageDispatcher) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	topics := make([]string, 0, len(d.handlers))
	for topic := range d.handlers {
		topics = append(topics, topic)
	}
	return topics
}

// Dispatch invokes every handler of the message's topic. A failing handler does not
// stop the others; their errors are joined.
func (d *MessageDispatcher) Dispatch(ctx context.Context, msg contracts.ReceivedMessage) error {
	d.mu.RLock()
	regs := d.handlers[msg.Topic()]
	d.mu.RUnlock()

	if len(regs) == 0 {
		return fmt.Errorf("no handlers registered for topic: %s", msg.Topic())
	}

	var errs []error
	for _, reg := range regs {
		handler := d.chain(reg.handler)
		if err := handler.Handle(ctx, msg); err != nil {
			d.logger.Error("handler failed",
				"topic", msg.Topic(),
				"messageId", msg.UniqueID(),
				"attempt", msg.DeliveryAttempt,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *MessageDispatcher) chain(handler MessageHandler) MessageHandler {
	result := handler
	for i := len(d.middleware) - 1; i >= 0; i-- {
		middleware := d.middleware[i]
		next := result
		result = MessageHandlerFunc(func(ctx context.Context, msg contracts.ReceivedMessage) error {
			return middleware(ctx, msg, next)
		})
	}
	return result
}

// RecoveryMiddleware turns handler panics into HandlerPanicError
func RecoveryMiddleware() MiddlewareFunc {
	return func(ctx context.Context, msg contracts.ReceivedMessage, next MessageHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &HandlerPanicError{Topic: msg.Topic(), MessageID: msg.UniqueID(), Value: r}
			}
		}()
		return next.Handle(ctx, msg)
	}
}

// LoggingMiddleware logs every handler invocation at debug level
func LoggingMiddleware(logger *slog.Logger) MiddlewareFunc {
	return func(ctx context.Context, msg contracts.ReceivedMessage, next MessageHandler) error {
		start := time.Now()
		err := next.Handle(ctx, msg)
		logger.Debug("handled message",
			"topic", msg.Topic(),
			"messageId", msg.UniqueID(),
			"sender", msg.Sender,
			"duration", time.Since(start),
			"success", err == nil,
		)
		return err
	}
}
