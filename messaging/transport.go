package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/p2pmq/contracts"
)

// ErrStreamClosed is returned by DeliveryStream.Next after Stop
var ErrStreamClosed = errors.New("delivery stream closed")

// Transport moves envelopes between node inboxes
type Transport interface {
	// Connect establishes the connection to the node's own broker. Unreachable brokers
	// are reported as *contracts.ConnectionError, rejected credentials as
	// *contracts.AuthenticationError.
	Connect(ctx context.Context) error

	// DeclareInbox creates the durable inbox if it doesn't exist
	DeclareInbox(ctx context.Context, inbox string, options InboxOptions) error

	// Publish sends an envelope to the inbox of dest, on whichever broker hosts it
	Publish(ctx context.Context, dest contracts.Address, envelope *contracts.Envelope) error

	// Subscribe attaches a consumer to an inbox declared by this transport
	Subscribe(ctx context.Context, inbox string) (DeliveryStream, error)

	// IsConnected returns connection status
	IsConnected() bool

	// Close closes all resources
	Close() error
}

// DeliveryStream yields deliveries from one inbox
type DeliveryStream interface {
	// Next blocks until a delivery is available, ctx is done or the stream is stopped
	Next(ctx context.Context) (TransportDelivery, error)

	// Stop detaches the consumer. Unacknowledged deliveries are redelivered later.
	Stop()
}

// TransportDelivery represents a message delivery from the transport
type TransportDelivery interface {
	// Body returns the encoded envelope
	Body() []byte

	// Attempt returns the 1-based delivery attempt
	Attempt() int

	// Ack marks the delivery as handled
	Ack() error

	// Nak hands the delivery back for redelivery after delay
	Nak(delay time.Duration) error

	// Term removes the delivery without redelivery
	Term() error
}

// InboxOptions defines options for inbox creation
type InboxOptions struct {
	// MaxMessageSize bounds the encoded envelope size accepted by the inbox
	MaxMessageSize int
	// DuplicateWindow is how long published message ids are remembered by the broker
	DuplicateWindow time.Duration
	// MaxDeliveries caps broker-side redelivery; 0 means unlimited
	MaxDeliveries int
}
