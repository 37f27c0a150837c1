package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/p2pmq/messaging"
)

// BrokerStatus is what BrokerChecker inspects. *broker.Server satisfies it.
type BrokerStatus interface {
	Running() bool
	NumClients() int
}

// BrokerChecker checks the embedded broker
type BrokerChecker struct {
	broker BrokerStatus
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(broker BrokerStatus) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if !c.broker.Running() {
		result.Status = StatusUnhealthy
		result.Message = "broker is not accepting connections"
	} else {
		result.Status = StatusHealthy
		result.Message = "broker is running"
		result.Details["clients"] = c.broker.NumClients()
	}

	result.Duration = time.Since(start)
	return result
}

// ClientStatus is what ClientChecker inspects. *messaging.Client satisfies it.
type ClientStatus interface {
	State() messaging.State
	DeadLetterCount(ctx context.Context) (int, error)
}

// TransportStatus reports transport connectivity. Every messaging.Transport satisfies it.
type TransportStatus interface {
	IsConnected() bool
}

// ClientChecker checks the messaging client, its transport and dead letter backlog
type ClientChecker struct {
	client             ClientStatus
	transport          TransportStatus
	deadLetterWarnings int
}

// NewClientChecker creates a client checker. A dead letter count at or above
// deadLetterWarnings degrades the result; 0 disables the threshold.
func NewClientChecker(client ClientStatus, transport TransportStatus, deadLetterWarnings int) *ClientChecker {
	return &ClientChecker{
		client:             client,
		transport:          transport,
		deadLetterWarnings: deadLetterWarnings,
	}
}

func (c *ClientChecker) Name() string {
	return "messaging_client"
}

func (c *ClientChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	state := c.client.State()
	result.Details["state"] = state.String()

	switch state {
	case messaging.StateCreated, messaging.StateStopped:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("client is %s", state)
		result.Duration = time.Since(start)
		return result
	}

	if c.transport != nil && !c.transport.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "transport is disconnected"
		result.Duration = time.Since(start)
		return result
	}

	count, err := c.client.DeadLetterCount(ctx)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "dead letter store unavailable"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	result.Details["dead_letters"] = count

	switch {
	case c.deadLetterWarnings > 0 && count >= c.deadLetterWarnings:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d dead letters", count)
	case state == messaging.StateStarted:
		result.Status = StatusDegraded
		result.Message = "client is not dispatching"
	default:
		result.Status = StatusHealthy
		result.Message = "client is dispatching"
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine leaks
type RuntimeChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewRuntimeChecker creates a goroutine count checker
func NewRuntimeChecker(warningGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
