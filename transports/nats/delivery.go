package nats

import (
	"context"
	"errors"
	"time"

	"github.com/glimte/p2pmq/messaging"
	"github.com/nats-io/nats.go/jetstream"
)

type deliveryStream struct {
	iter jetstream.MessagesContext
}

// Next implements messaging.DeliveryStream. Cancelling ctx stops the iterator.
func (s *deliveryStream) Next(ctx context.Context) (messaging.TransportDelivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, s.iter.Stop)
	msg, err := s.iter.Next()
	stop()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
			return nil, messaging.ErrStreamClosed
		}
		return nil, err
	}
	return &delivery{msg: msg}, nil
}

// Stop implements messaging.DeliveryStream
func (s *deliveryStream) Stop() {
	s.iter.Stop()
}

type delivery struct {
	msg jetstream.Msg
}

func (d *delivery) Body() []byte {
	return d.msg.Data()
}

func (d *delivery) Attempt() int {
	meta, err := d.msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}

func (d *delivery) Ack() error {
	return d.msg.Ack()
}

func (d *delivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

func (d *delivery) Term() error {
	return d.msg.Term()
}
