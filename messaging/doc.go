// Package messaging provides the peer-to-peer messaging client of a node.
//
// A Client owns a durable inbox on its node's broker. Other nodes (and the node
// itself) send messages to that inbox; the client's dispatch loop pulls them and
// invokes the handlers registered for each message's topic.
//
// Delivery is at-least-once:
//   - a delivery is acknowledged after every handler of its topic succeeded
//   - a failing or panicking handler causes a redelivery after a backoff, until the
//     configured number of attempts is exhausted and the message is dead-lettered
//   - a message whose topic has no handler is dead-lettered immediately
//   - redeliveries of messages already handled are acknowledged without invoking
//     handlers again
//
// Messages that arrive before Run is called are buffered by the broker, so handlers
// registered before Run see every message sent to their topic.
//
// Example usage:
//
//	client, err := messaging.NewClient(cfg, transport)
//	if err != nil {
//		return err
//	}
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//	defer client.Stop()
//
//	client.AddMessageHandlerFunc("platform.self", func(ctx context.Context, msg contracts.ReceivedMessage) error {
//		log.Println(string(msg.Data()))
//		return nil
//	})
//	errs := client.RunInBackground()
//
//	msg := client.CreateMessage("platform.self", []byte("first msg"))
//	err = client.Send(ctx, msg, client.MyAddress())
package messaging
