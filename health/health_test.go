package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/p2pmq/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	running bool
	clients int
}

func (f *fakeBroker) Running() bool   { return f.running }
func (f *fakeBroker) NumClients() int { return f.clients }

type fakeClient struct {
	state       messaging.State
	deadLetters int
	err         error
}

func (f *fakeClient) State() messaging.State { return f.state }

func (f *fakeClient) DeadLetterCount(context.Context) (int, error) {
	return f.deadLetters, f.err
}

type fakeTransport struct {
	connected bool
}

func (f *fakeTransport) IsConnected() bool { return f.connected }

type slowChecker struct{}

func (slowChecker) Name() string { return "slow" }

func (slowChecker) Check(ctx context.Context) CheckResult {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	return CheckResult{Name: "slow", Status: StatusHealthy}
}

var _ ClientStatus = (*messaging.Client)(nil)

func TestBrokerChecker(t *testing.T) {
	t.Run("Running broker is healthy", func(t *testing.T) {
		result := NewBrokerChecker(&fakeBroker{running: true, clients: 2}).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 2, result.Details["clients"])
	})

	t.Run("Stopped broker is unhealthy", func(t *testing.T) {
		result := NewBrokerChecker(&fakeBroker{}).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
	})
}

func TestClientChecker(t *testing.T) {
	connected := &fakeTransport{connected: true}

	t.Run("Running client is healthy", func(t *testing.T) {
		c := NewClientChecker(&fakeClient{state: messaging.StateRunning}, connected, 10)
		result := c.Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "running", result.Details["state"])
	})

	t.Run("Started but not dispatching is degraded", func(t *testing.T) {
		c := NewClientChecker(&fakeClient{state: messaging.StateStarted}, connected, 0)
		assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
	})

	t.Run("Stopped client is unhealthy", func(t *testing.T) {
		c := NewClientChecker(&fakeClient{state: messaging.StateStopped}, connected, 0)
		assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
	})

	t.Run("Disconnected transport is unhealthy", func(t *testing.T) {
		c := NewClientChecker(&fakeClient{state: messaging.StateRunning}, &fakeTransport{}, 0)
		result := c.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "transport is disconnected", result.Message)
	})

	t.Run("Dead letter backlog degrades", func(t *testing.T) {
		c := NewClientChecker(&fakeClient{state: messaging.StateRunning, deadLetters: 10}, connected, 10)
		result := c.Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, 10, result.Details["dead_letters"])
	})

	t.Run("Dead letter store errors degrade", func(t *testing.T) {
		c := NewClientChecker(&fakeClient{state: messaging.StateRunning, err: errors.New("boom")}, connected, 0)
		result := c.Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, "boom", result.Error)
	})
}

func TestRegistry(t *testing.T) {
	t.Run("Overall status is the worst check", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewBrokerChecker(&fakeBroker{running: true}))
		r.Register(NewClientChecker(&fakeClient{state: messaging.StateStarted}, nil, 0))
		r.SetMetadata("legalName", "O=Alice Corp, L=Madrid, C=ES")

		health := r.Check(context.Background())
		assert.Equal(t, StatusDegraded, health.Status)
		assert.Len(t, health.Checks, 2)
		assert.Equal(t, "O=Alice Corp, L=Madrid, C=ES", health.Metadata["legalName"])

		r.Register(NewBrokerChecker(&fakeBroker{}))
		assert.Equal(t, StatusUnhealthy, r.Check(context.Background()).Status)

		r.Unregister("broker")
		assert.Len(t, r.Check(context.Background()).Checks, 1)
	})

	t.Run("Checks outliving the context are unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(slowChecker{})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		health := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "check timed out", health.Checks["slow"].Message)
	})

	t.Run("Runtime checker thresholds", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewRuntimeChecker(1_000_000, 2_000_000).Check(context.Background()).Status)
		assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(0, 0).Check(context.Background()).Status)
	})
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.Register(NewBrokerChecker(&fakeBroker{running: true}))
	h := NewHandler(r, time.Second)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status": "healthy"`)

	r.Register(NewBrokerChecker(&fakeBroker{}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
