// Package bridge multiplexes request-response calls over one shared reply queue.
//
// MessageProcessor.SendRPC allocates a temporary reply queue per request.
// A SyncAsyncBridge instead allocates a single temporary queue when it is
// created and matches responses to waiting callers by correlation id, which
// suits callers issuing many small requests on the same connection.
//
// Basic usage:
//
//	b, err := bridge.NewSyncAsyncBridge(ctx, factory, processor)
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	decode := messaging.DecoderFor[contracts.SimpleMessage](processor.Codec())
//	resp, err := b.Request(ctx, orders, contracts.NewSimpleMessage("hello", nil), decode, 5*time.Second)
//
// Responders must copy the request's correlation id onto the response, which
// RPCListener does by default.
package bridge
