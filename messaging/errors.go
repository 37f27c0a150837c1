package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned by operations that need a started client
	ErrNotStarted = errors.New("messaging client not started")
	// ErrClientStopped is returned by every operation after Stop
	ErrClientStopped = errors.New("messaging client stopped")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("messaging client already started")
	// ErrAlreadyRunning is returned when a dispatch loop is already running
	ErrAlreadyRunning = errors.New("dispatch loop already running")
	// ErrUnknownRecipient is returned by SendTo when the network map has no such node
	ErrUnknownRecipient = errors.New("recipient not in network map")
	// ErrNoNetworkMap is returned by SendTo on a client without a resolver
	ErrNoNetworkMap = errors.New("no network map cache configured")
	// ErrEmptyTopic is returned when a message or handler has no topic
	ErrEmptyTopic = errors.New("topic cannot be empty")
)

// HandlerPanicError is produced when a message handler panics
type HandlerPanicError struct {
	Topic     string
	MessageID string
	Value     interface{}
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler for topic %s panicked on message %s: %v", e.Topic, e.MessageID, e.Value)
}
