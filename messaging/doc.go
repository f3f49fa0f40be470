// Package messaging provides request/response messaging over a broker-mediated
// publish/subscribe transport.
//
// This package implements:
//   - ContextFactory: builds producer and consumer contexts from endpoints,
//     sharing one cached transport connection per factory
//   - MessageProcessor: Send, Listen, SendAndListen and SendRPC
//   - Handler, BasicListener and RPCListener: decode deliveries and dispatch them
//     to application code, optionally sending a reply
//   - ResponseFuture: completes once from the delivery goroutine and supports
//     blocking, timed and cancellable waits
//
// Example usage:
//
//	factory := messaging.NewContextFactory(broker)
//	defer factory.Close()
//
//	endpoint := contracts.MustParseEndpoint("queue://testq")
//	pc, err := factory.CreateProducerContext(ctx, endpoint)
//	if err != nil {
//		return err
//	}
//
//	processor := messaging.NewMessageProcessor()
//	future, err := processor.SendRPC(ctx, pc, contracts.NewSimpleMessage("hello", nil),
//		messaging.DecoderFor[contracts.SimpleMessage](processor.Codec()), nil)
//	if err != nil {
//		return err
//	}
//	reply, err := future.GetTimeout(10 * time.Second)
//
// Contexts are not safe for concurrent use: each context owns its own session,
// and callers must not use one context from several goroutines at once.
package messaging
