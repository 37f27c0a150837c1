package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueSpec describes a durable inbox queue
type QueueSpec struct {
	Name string
	// DeliveryLimit caps redeliveries before the broker drops a message; 0 means none
	DeliveryLimit int
}

// Arguments returns the queue declaration arguments
func (q QueueSpec) Arguments() amqp.Table {
	args := amqp.Table{"x-queue-type": "quorum"}
	if q.DeliveryLimit > 0 {
		args["x-delivery-limit"] = q.DeliveryLimit
	}
	return args
}

// DeclareQueue declares a durable quorum queue. Redeclaring with the same arguments
// is a no-op.
func DeclareQueue(ctx context.Context, manager *ConnectionManager, spec QueueSpec) error {
	conn, err := manager.WaitConnection(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		spec.Name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		spec.Arguments(),
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", spec.Name, err)
	}
	return nil
}

// DeliveryCount returns how many times a quorum queue has handed d out before, or -1
// when the header is absent.
func DeliveryCount(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	default:
		return -1
	}
}
