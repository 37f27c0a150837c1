package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceName = "O=Alice Corp, L=Madrid, C=ES"
	bobName   = "O=Bob Plc, L=Rome, C=IT"
)

func testConfig(name string, port int) ClientConfig {
	return ClientConfig{
		MyLegalName:         name,
		ServerAddress:       contracts.NetworkHostAndPort{Host: "localhost", Port: port},
		PlatformVersion:     4,
		MaxMessageSize:      1024,
		MaxDeliveryAttempts: 3,
	}
}

func startedClient(t *testing.T, broker *memBroker, cfg ClientConfig, options ...ClientOption) (*Client, *memTransport) {
	t.Helper()
	transport := newMemTransport(broker)
	options = append([]ClientOption{WithRedeliveryPolicy(reliability.NewFixedDelay(time.Millisecond, cfg.MaxDeliveryAttempts))}, options...)
	client, err := NewClient(cfg, transport, options...)
	require.NoError(t, err)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop() })
	return client, transport
}

// collector gathers received messages for assertions
type collector struct {
	mu       sync.Mutex
	messages []contracts.ReceivedMessage
	signal   chan struct{}
}

func newCollector() *collector {
	return &collector{signal: make(chan struct{}, 1024)}
}

func (c *collector) Handle(_ context.Context, msg contracts.ReceivedMessage) error {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.signal <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []contracts.ReceivedMessage {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]contracts.ReceivedMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *collector) assertQuiet(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case <-c.signal:
		t.Fatal("unexpected extra delivery")
	case <-time.After(window):
	}
}

func TestClientSendToSelf(t *testing.T) {
	broker := newMemBroker()
	client, _ := startedClient(t, broker, testConfig(aliceName, 30000))

	received := newCollector()
	_, err := client.AddMessageHandler("platform.self", received)
	require.NoError(t, err)
	errs := client.RunInBackground()

	msg := client.CreateMessage("platform.self", []byte("first msg"))
	require.NoError(t, client.Send(context.Background(), msg, client.MyAddress()))

	messages := received.wait(t, 1)
	require.Len(t, messages, 1)
	assert.Equal(t, "first msg", string(messages[0].Data()))
	assert.Equal(t, msg.UniqueID(), messages[0].UniqueID())
	assert.Equal(t, aliceName, messages[0].Sender)
	assert.Equal(t, 1, messages[0].DeliveryAttempt)
	received.assertQuiet(t, 200*time.Millisecond)

	require.NoError(t, client.Stop())
	assert.NoError(t, <-errs)
}

func TestClientPlatformVersion(t *testing.T) {
	for _, version := range []int{1, 4, 7} {
		t.Run(fmt.Sprintf("Version %d is preserved end to end", version), func(t *testing.T) {
			broker := newMemBroker()
			cfg := testConfig(aliceName, 30000)
			cfg.PlatformVersion = version
			client, _ := startedClient(t, broker, cfg)

			received := newCollector()
			_, err := client.AddMessageHandler("platform.version", received)
			require.NoError(t, err)
			client.RunInBackground()

			msg := client.CreateMessage("platform.version", []byte("v"))
			assert.Equal(t, version, msg.PlatformVersion())
			require.NoError(t, client.Send(context.Background(), msg, client.MyAddress()))

			messages := received.wait(t, 1)
			assert.Equal(t, version, messages[0].PlatformVersion())
		})
	}
}

func TestClientLifecycle(t *testing.T) {
	t.Run("Send before Start is rejected", func(t *testing.T) {
		client, err := NewClient(testConfig(aliceName, 30000), newMemTransport(newMemBroker()))
		require.NoError(t, err)
		msg := client.CreateMessage("t", []byte("x"))
		assert.ErrorIs(t, client.Send(context.Background(), msg, client.MyAddress()), ErrNotStarted)
		assert.ErrorIs(t, client.Run(context.Background()), ErrNotStarted)
		assert.Equal(t, StateCreated, client.State())
	})

	t.Run("Stop before Start is safe and idempotent", func(t *testing.T) {
		transport := newMemTransport(newMemBroker())
		client, err := NewClient(testConfig(aliceName, 30000), transport)
		require.NoError(t, err)
		assert.NoError(t, client.Stop())
		assert.NoError(t, client.Stop())
		assert.Equal(t, StateStopped, client.State())
		assert.Equal(t, 0, transport.closed)
		assert.ErrorIs(t, client.Start(context.Background()), ErrClientStopped)
	})

	t.Run("Operations after Stop are rejected", func(t *testing.T) {
		client, transport := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		require.NoError(t, client.Stop())
		assert.Equal(t, 1, transport.closed)

		msg := client.CreateMessage("t", []byte("x"))
		assert.ErrorIs(t, client.Send(context.Background(), msg, client.MyAddress()), ErrClientStopped)
		assert.ErrorIs(t, client.Run(context.Background()), ErrClientStopped)
		_, err := client.AddMessageHandler("t", newCollector())
		assert.ErrorIs(t, err, ErrClientStopped)
		assert.NoError(t, client.Stop())
		assert.Equal(t, 1, transport.closed)
	})

	t.Run("States follow start, run and stop", func(t *testing.T) {
		client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		assert.Equal(t, StateStarted, client.State())
		assert.ErrorIs(t, client.Start(context.Background()), ErrAlreadyStarted)

		errs := client.RunInBackground()
		assert.Equal(t, StateRunning, client.State())
		assert.ErrorIs(t, client.Run(context.Background()), ErrAlreadyRunning)

		require.NoError(t, client.Stop())
		assert.NoError(t, <-errs)
		assert.Equal(t, StateStopped, client.State())
	})

	t.Run("Run returns when its context is cancelled", func(t *testing.T) {
		client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- client.Run(ctx) }()

		require.Eventually(t, func() bool { return client.State() == StateRunning }, time.Second, time.Millisecond)
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return")
		}
		assert.Equal(t, StateStarted, client.State())
	})

	t.Run("Start surfaces connection errors", func(t *testing.T) {
		transport := newMemTransport(newMemBroker())
		cause := errors.New("connection refused")
		transport.connectErr = &contracts.ConnectionError{Op: "connect", Err: cause}
		client, err := NewClient(testConfig(aliceName, 30000), transport)
		require.NoError(t, err)

		err = client.Start(context.Background())
		assert.ErrorIs(t, err, contracts.ErrConnection)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, StateCreated, client.State())
	})

	t.Run("Start declares the durable inbox", func(t *testing.T) {
		_, transport := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		options, ok := transport.inboxes[contracts.InboxName(aliceName)]
		require.True(t, ok)
		assert.Equal(t, 1024, options.MaxMessageSize)
	})

	t.Run("Rejects an invalid legal name", func(t *testing.T) {
		_, err := NewClient(testConfig("alice", 30000), newMemTransport(newMemBroker()))
		assert.Error(t, err)
	})
}

func TestClientSendValidation(t *testing.T) {
	client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))

	t.Run("Payload above the maximum message size fails", func(t *testing.T) {
		msg := client.CreateMessage("big", make([]byte, 1025))
		err := client.Send(context.Background(), msg, client.MyAddress())

		var tooLarge *contracts.MessageTooLargeError
		require.ErrorAs(t, err, &tooLarge)
		assert.Equal(t, 1025, tooLarge.Size)
		assert.Equal(t, 1024, tooLarge.Max)
		assert.ErrorIs(t, err, contracts.ErrMessageTooLarge)
	})

	t.Run("Payload at the maximum message size is sent", func(t *testing.T) {
		msg := client.CreateMessage("big", make([]byte, 1024))
		assert.NoError(t, client.Send(context.Background(), msg, client.MyAddress()))
	})

	t.Run("Empty topic fails", func(t *testing.T) {
		msg := client.CreateMessage("", []byte("x"))
		assert.ErrorIs(t, client.Send(context.Background(), msg, client.MyAddress()), ErrEmptyTopic)
	})

	t.Run("Missing destination fails", func(t *testing.T) {
		msg := client.CreateMessage("t", []byte("x"))
		assert.Error(t, client.Send(context.Background(), msg, contracts.Address{}))
	})

	t.Run("Messages carry increasing sequence numbers", func(t *testing.T) {
		first := client.CreateMessage("t", nil)
		second := client.CreateMessage("t", nil)
		assert.Less(t, first.Sequence(), second.Sequence())
		assert.NotEqual(t, first.UniqueID(), second.UniqueID())
	})
}

type staticResolver map[string]contracts.Address

func (r staticResolver) Resolve(name string) (contracts.Address, bool) {
	addr, ok := r[name]
	return addr, ok
}

func TestClientSendTo(t *testing.T) {
	broker := newMemBroker()
	bobAddr := contracts.Address{LegalName: bobName, HostAndPort: contracts.NetworkHostAndPort{Host: "localhost", Port: 30001}}
	alice, _ := startedClient(t, broker, testConfig(aliceName, 30000), WithNetworkMapCache(staticResolver{bobName: bobAddr}))
	bob, _ := startedClient(t, broker, testConfig(bobName, 30001))

	received := newCollector()
	_, err := bob.AddMessageHandler("greeting", received)
	require.NoError(t, err)
	bob.RunInBackground()

	require.NoError(t, alice.SendTo(context.Background(), alice.CreateMessage("greeting", []byte("hi bob")), bobName))
	messages := received.wait(t, 1)
	assert.Equal(t, "hi bob", string(messages[0].Data()))
	assert.Equal(t, aliceName, messages[0].Sender)
	assert.Equal(t, 30000, messages[0].SenderAddress.Port)

	err = alice.SendTo(context.Background(), alice.CreateMessage("greeting", nil), "O=Nobody, L=Paris, C=FR")
	assert.ErrorIs(t, err, ErrUnknownRecipient)

	err = bob.SendTo(context.Background(), bob.CreateMessage("greeting", nil), aliceName)
	assert.ErrorIs(t, err, ErrNoNetworkMap)
}

func TestClientDispatch(t *testing.T) {
	t.Run("Messages sent before Run are buffered until the loop starts", func(t *testing.T) {
		client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		received := newCollector()
		_, err := client.AddMessageHandler("early", received)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			msg := client.CreateMessage("early", []byte(fmt.Sprintf("m%d", i)))
			require.NoError(t, client.Send(context.Background(), msg, client.MyAddress()))
		}
		client.RunInBackground()

		messages := received.wait(t, 3)
		for i, m := range messages {
			assert.Equal(t, fmt.Sprintf("m%d", i), string(m.Data()), "same-topic messages arrive in send order")
		}
	})

	t.Run("Every handler of a topic receives every message", func(t *testing.T) {
		client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		var order []string
		var mu sync.Mutex
		done := make(chan struct{}, 2)
		record := func(name string) MessageHandlerFunc {
			return func(context.Context, contracts.ReceivedMessage) error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				done <- struct{}{}
				return nil
			}
		}
		_, err := client.AddMessageHandler("fanout", record("first"))
		require.NoError(t, err)
		_, err = client.AddMessageHandler("fanout", record("second"))
		require.NoError(t, err)
		client.RunInBackground()

		require.NoError(t, client.Send(context.Background(), client.CreateMessage("fanout", nil), client.MyAddress()))
		<-done
		<-done
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"first", "second"}, order)
	})

	t.Run("Handlers on distinct topics do not interfere", func(t *testing.T) {
		client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		a, b := newCollector(), newCollector()
		_, err := client.AddMessageHandler("topic.a", a)
		require.NoError(t, err)
		_, err = client.AddMessageHandler("topic.b", b)
		require.NoError(t, err)
		client.RunInBackground()

		require.NoError(t, client.Send(context.Background(), client.CreateMessage("topic.a", []byte("A")), client.MyAddress()))
		require.NoError(t, client.Send(context.Background(), client.CreateMessage("topic.b", []byte("B")), client.MyAddress()))

		assert.Equal(t, "A", string(a.wait(t, 1)[0].Data()))
		assert.Equal(t, "B", string(b.wait(t, 1)[0].Data()))
		a.assertQuiet(t, 50*time.Millisecond)
	})

	t.Run("Failing handler is retried until it succeeds", func(t *testing.T) {
		client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		var calls atomic.Int32
		succeeded := make(chan int, 1)
		_, err := client.AddMessageHandlerFunc("flaky", func(_ context.Context, msg contracts.ReceivedMessage) error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			succeeded <- msg.DeliveryAttempt
			return nil
		})
		require.NoError(t, err)
		client.RunInBackground()

		require.NoError(t, client.Send(context.Background(), client.CreateMessage("flaky", nil), client.MyAddress()))
		select {
		case attempt := <-succeeded:
			assert.Equal(t, 3, attempt)
		case <-time.After(2 * time.Second):
			t.Fatal("handler never succeeded")
		}
		n, _ := client.DeadLetters().Count(context.Background())
		assert.Equal(t, 0, n)
	})

	t.Run("Panicking handler is dead-lettered and the loop survives", func(t *testing.T) {
		client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		var calls atomic.Int32
		_, err := client.AddMessageHandlerFunc("bad", func(context.Context, contracts.ReceivedMessage) error {
			calls.Add(1)
			panic("boom")
		})
		require.NoError(t, err)
		good := newCollector()
		_, err = client.AddMessageHandler("good", good)
		require.NoError(t, err)
		client.RunInBackground()

		bad := client.CreateMessage("bad", []byte("x"))
		require.NoError(t, client.Send(context.Background(), bad, client.MyAddress()))
		require.Eventually(t, func() bool {
			n, _ := client.DeadLetters().Count(context.Background())
			return n == 1
		}, 2*time.Second, 5*time.Millisecond)

		letter, err := client.DeadLetters().Get(context.Background(), bad.UniqueID())
		require.NoError(t, err)
		assert.Equal(t, reliability.ReasonMaxAttempts, letter.Reason)
		assert.Equal(t, 3, letter.Attempts)
		assert.Contains(t, letter.Error, "panicked")
		assert.Equal(t, int32(3), calls.Load())

		require.NoError(t, client.Send(context.Background(), client.CreateMessage("good", []byte("ok")), client.MyAddress()))
		assert.Equal(t, "ok", string(good.wait(t, 1)[0].Data()))
	})

	t.Run("Permanent handler errors are dead-lettered without retry", func(t *testing.T) {
		client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		var calls atomic.Int32
		_, err := client.AddMessageHandlerFunc("reject", func(context.Context, contracts.ReceivedMessage) error {
			calls.Add(1)
			return reliability.Permanent(errors.New("malformed"))
		})
		require.NoError(t, err)
		client.RunInBackground()

		require.NoError(t, client.Send(context.Background(), client.CreateMessage("reject", nil), client.MyAddress()))
		require.Eventually(t, func() bool {
			letters, _ := client.DeadLetters().List(context.Background(), 0)
			return len(letters) == 1 && letters[0].Reason == reliability.ReasonHandlerFailed
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("Message without a handler is dead-lettered", func(t *testing.T) {
		client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		client.RunInBackground()

		msg := client.CreateMessage("nobody.listens", []byte("lost"))
		require.NoError(t, client.Send(context.Background(), msg, client.MyAddress()))

		require.Eventually(t, func() bool {
			_, err := client.DeadLetters().Get(context.Background(), msg.UniqueID())
			return err == nil
		}, 2*time.Second, 5*time.Millisecond)
		letter, _ := client.DeadLetters().Get(context.Background(), msg.UniqueID())
		assert.Equal(t, reliability.ReasonNoHandler, letter.Reason)
		assert.Equal(t, "lost", string(contractsData(t, letter.Body)))
	})

	t.Run("Undecodable deliveries are terminated", func(t *testing.T) {
		broker := newMemBroker()
		client, _ := startedClient(t, broker, testConfig(aliceName, 30000))
		client.RunInBackground()

		d := broker.inject(contracts.InboxName(aliceName), []byte("not json"), 1)
		select {
		case outcome := <-d.result:
			assert.Equal(t, "term", outcome)
		case <-time.After(2 * time.Second):
			t.Fatal("delivery not settled")
		}
		letters, _ := client.DeadLetters().List(context.Background(), 0)
		require.Len(t, letters, 1)
		assert.Equal(t, reliability.ReasonUndecodable, letters[0].Reason)
	})

	t.Run("Redelivery of a handled message does not reach handlers twice", func(t *testing.T) {
		broker := newMemBroker()
		client, _ := startedClient(t, broker, testConfig(aliceName, 30000))
		received := newCollector()
		_, err := client.AddMessageHandler("once", received)
		require.NoError(t, err)
		client.RunInBackground()

		env := contracts.NewEnvelope(client.CreateMessage("once", []byte("x")), client.MyAddress())
		body, err := env.Marshal()
		require.NoError(t, err)

		first := broker.inject(contracts.InboxName(aliceName), body, 1)
		assert.Equal(t, "ack", <-first.result)
		second := broker.inject(contracts.InboxName(aliceName), body, 2)
		assert.Equal(t, "ack", <-second.result)

		received.wait(t, 1)
		received.assertQuiet(t, 50*time.Millisecond)
	})

	t.Run("Removed handlers no longer receive messages", func(t *testing.T) {
		client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		kept, removed := newCollector(), newCollector()
		_, err := client.AddMessageHandler("topic", kept)
		require.NoError(t, err)
		reg, err := client.AddMessageHandler("topic", removed)
		require.NoError(t, err)
		assert.True(t, client.RemoveMessageHandler(reg))
		assert.False(t, client.RemoveMessageHandler(reg))
		client.RunInBackground()

		require.NoError(t, client.Send(context.Background(), client.CreateMessage("topic", nil), client.MyAddress()))
		kept.wait(t, 1)
		removed.assertQuiet(t, 50*time.Millisecond)
	})

	t.Run("Stop interrupts a loop waiting for messages", func(t *testing.T) {
		client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000))
		errs := client.RunInBackground()

		stopped := make(chan struct{})
		go func() {
			_ = client.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop hung")
		}
		assert.NoError(t, <-errs)
	})
}

func contractsData(t *testing.T, body []byte) []byte {
	t.Helper()
	env, err := contracts.UnmarshalEnvelope(body)
	require.NoError(t, err)
	return env.Data
}

type recordingMetrics struct {
	NoOpMetricsCollector
	mu          sync.Mutex
	sent        int
	handled     int
	deadLetters []string
}

func (m *recordingMetrics) RecordSend(string, int, time.Duration, bool) {
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordHandled(string, time.Duration, bool) {
	m.mu.Lock()
	m.handled++
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordDeadLetter(_ string, reason string) {
	m.mu.Lock()
	m.deadLetters = append(m.deadLetters, reason)
	m.mu.Unlock()
}

func TestClientMetrics(t *testing.T) {
	metrics := &recordingMetrics{}
	client, _ := startedClient(t, newMemBroker(), testConfig(aliceName, 30000), WithMetricsCollector(metrics))
	received := newCollector()
	_, err := client.AddMessageHandler("counted", received)
	require.NoError(t, err)
	client.RunInBackground()

	require.NoError(t, client.Send(context.Background(), client.CreateMessage("counted", nil), client.MyAddress()))
	require.NoError(t, client.Send(context.Background(), client.CreateMessage("uncounted", nil), client.MyAddress()))
	received.wait(t, 1)

	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return len(metrics.deadLetters) == 1
	}, 2*time.Second, 5*time.Millisecond)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 2, metrics.sent)
	assert.Equal(t, 1, metrics.handled)
	assert.Equal(t, []string{reliability.ReasonNoHandler}, metrics.deadLetters)
}
