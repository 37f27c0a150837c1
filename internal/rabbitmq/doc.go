// Package rabbitmq provides the AMQP plumbing behind the RabbitMQ inbox transport.
//
// This package includes:
//   - ConnectionManager: one AMQP connection with automatic reconnection
//   - Publisher: confirmed, mandatory publishing to the default exchange
//   - Consumer: manual-ack consumption of a single queue
//   - DeclareQueue: durable quorum queues used as node inboxes
package rabbitmq
