package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/p2pmq/contracts"
)

// memBroker is an in-process stand-in for a broker with durable inboxes
type memBroker struct {
	mu     sync.Mutex
	queues map[string]chan *memDelivery
}

func newMemBroker() *memBroker {
	return &memBroker{queues: make(map[string]chan *memDelivery)}
}

func (b *memBroker) queue(inbox string) chan *memDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[inbox]
	if !ok {
		q = make(chan *memDelivery, 1024)
		b.queues[inbox] = q
	}
	return q
}

// inject puts a raw body in an inbox, bypassing Publish
func (b *memBroker) inject(inbox string, body []byte, attempt int) *memDelivery {
	d := &memDelivery{body: body, attempt: attempt, broker: b, inbox: inbox, result: make(chan string, 1)}
	b.queue(inbox) <- d
	return d
}

type memDelivery struct {
	body    []byte
	attempt int
	broker  *memBroker
	inbox   string
	result  chan string
}

func (d *memDelivery) Body() []byte { return d.body }
func (d *memDelivery) Attempt() int { return d.attempt }

func (d *memDelivery) Ack() error {
	d.result <- "ack"
	return nil
}

func (d *memDelivery) Term() error {
	d.result <- "term"
	return nil
}

func (d *memDelivery) Nak(delay time.Duration) error {
	d.result <- "nak"
	time.AfterFunc(delay, func() {
		d.broker.inject(d.inbox, d.body, d.attempt+1)
	})
	return nil
}

type memTransport struct {
	broker     *memBroker
	connectErr error

	mu        sync.Mutex
	connected bool
	inboxes   map[string]InboxOptions
	closed    int
}

func newMemTransport(broker *memBroker) *memTransport {
	return &memTransport{broker: broker, inboxes: make(map[string]InboxOptions)}
}

func (t *memTransport) Connect(context.Context) error {
	if t.connectErr != nil {
		return t.connectErr
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *memTransport) DeclareInbox(_ context.Context, inbox string, options InboxOptions) error {
	t.mu.Lock()
	t.inboxes[inbox] = options
	t.mu.Unlock()
	t.broker.queue(inbox)
	return nil
}

func (t *memTransport) Publish(_ context.Context, dest contracts.Address, envelope *contracts.Envelope) error {
	if !t.IsConnected() {
		return errors.New("not connected")
	}
	body, err := envelope.Marshal()
	if err != nil {
		return err
	}
	t.broker.inject(contracts.InboxName(dest.LegalName), body, 1)
	return nil
}

func (t *memTransport) Subscribe(_ context.Context, inbox string) (DeliveryStream, error) {
	return &memStream{queue: t.broker.queue(inbox), stop: make(chan struct{})}, nil
}

func (t *memTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.closed++
	return nil
}

type memStream struct {
	queue    chan *memDelivery
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *memStream) Next(ctx context.Context) (TransportDelivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stop:
		return nil, ErrStreamClosed
	case d := <-s.queue:
		return d, nil
	}
}

func (s *memStream) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
