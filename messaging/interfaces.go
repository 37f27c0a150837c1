package messaging

import (
	"time"

	"github.com/glimte/p2pmq/contracts"
)

// AddressResolver resolves legal names to addresses. *networkmap.Cache satisfies it.
type AddressResolver interface {
	Resolve(legalName string) (contracts.Address, bool)
}

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordSend records a send attempt
	RecordSend(topic string, size int, duration time.Duration, success bool)

	// RecordReceive records a delivery pulled from the inbox
	RecordReceive(topic string, attempt int)

	// RecordHandled records the outcome of dispatching a delivery to its handlers
	RecordHandled(topic string, duration time.Duration, success bool)

	// RecordDeadLetter records a delivery removed without being handled
	RecordDeadLetter(topic string, reason string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordSend does nothing
func (n *NoOpMetricsCollector) RecordSend(string, int, time.Duration, bool) {}

// RecordReceive does nothing
func (n *NoOpMetricsCollector) RecordReceive(string, int) {}

// RecordHandled does nothing
func (n *NoOpMetricsCollector) RecordHandled(string, time.Duration, bool) {}

// RecordDeadLetter does nothing
func (n *NoOpMetricsCollector) RecordDeadLetter(string, string) {}
