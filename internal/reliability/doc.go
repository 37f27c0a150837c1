// Package reliability provides the redelivery and failure-isolation patterns used by
// the messaging client and transports.
//
//   - Redelivery policies: backoff applied when a handler fails and the delivery is
//     handed back to the broker
//   - Circuit breaker: stops hammering a remote broker that keeps refusing connections
//   - Dead letter store: keeps deliveries that could not be handled
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return bridge.Publish(subject, body)
//	})
package reliability
