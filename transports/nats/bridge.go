package nats

import (
	"context"
	"errors"
	"sync"

	"github.com/glimte/p2pmq/contracts"
	"github.com/glimte/p2pmq/internal/reliability"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// bridge is a lazily opened connection to another node's broker
type bridge struct {
	transport *Transport
	addr      contracts.NetworkHostAndPort
	breaker   *reliability.CircuitBreaker

	mu sync.Mutex
	nc *nats.Conn
	js jetstream.JetStream
}

// publish sends msg over the bridge. A receiver refusing the size says nothing about
// the remote broker's health, so it does not count against the circuit.
func (b *bridge) publish(ctx context.Context, msg *nats.Msg, envelope *contracts.Envelope, dest contracts.Address) error {
	var rejected error
	err := b.breaker.Execute(ctx, func() error {
		js, err := b.connect(ctx)
		if err != nil {
			return err
		}
		err = publish(ctx, js, msg, envelope, dest)
		if errors.Is(err, contracts.ErrMessageTooLarge) {
			rejected = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return rejected
}

func (b *bridge) connect(ctx context.Context) (jetstream.JetStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.nc != nil && !b.nc.IsClosed() {
		return b.js, nil
	}

	nc, err := b.transport.dial(ctx, b.addr, 10)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	b.nc = nc
	b.js = js
	b.transport.logger.Info("opened bridge to remote broker", "remote", b.addr.String())
	return js, nil
}

func (b *bridge) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nc != nil {
		b.nc.Close()
		b.nc = nil
		b.js = nil
	}
}
