package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
)

// Listener receives deliveries bound to a consumer context.
// OnDelivery runs on the transport's delivery goroutine and must not panic
// back into it; implementations log failures instead of returning them.
type Listener interface {
	OnDelivery(ctx context.Context, cc *ConsumerContext, msg *transport.Message)
}

// ListenerFunc is a function adapter for Listener
type ListenerFunc func(ctx context.Context, cc *ConsumerContext, msg *transport.Message)

// OnDelivery calls f
func (f ListenerFunc) OnDelivery(ctx context.Context, cc *ConsumerContext, msg *transport.Message) {
	f(ctx, cc, msg)
}

// ListenerOption configures BasicListener and RPCListener
type ListenerOption func(*listenerConfig)

type listenerConfig struct {
	logger *slog.Logger
}

// WithListenerLogger sets the logger for the listener
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(c *listenerConfig) {
		c.logger = logger
	}
}

func newListenerConfig(opts []ListenerOption) listenerConfig {
	cfg := listenerConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// BasicListener decodes deliveries and passes them to a handler.
// Any response the handler returns is discarded.
type BasicListener struct {
	handler Handler
	logger  *slog.Logger
}

// NewBasicListener creates a fire-and-forget listener
func NewBasicListener(handler Handler, opts ...ListenerOption) *BasicListener {
	cfg := newListenerConfig(opts)
	return &BasicListener{handler: handler, logger: cfg.logger}
}

// OnDelivery implements Listener
func (l *BasicListener) OnDelivery(ctx context.Context, cc *ConsumerContext, msg *transport.Message) {
	env, ok := receive(l.logger, l.handler.Decode, msg)
	if !ok {
		return
	}
	if _, err := safeHandle(ctx, l.handler, env); err != nil {
		l.logger.Error("message handler failed",
			"endpoint", cc.Endpoint().String(),
			"messageId", msg.ID,
			"error", err)
	}
}

// RPCListener wraps a handler and sends its response to the reply-to
// destination of each request.
type RPCListener struct {
	handler   Handler
	processor *MessageProcessor
	logger    *slog.Logger
}

// NewRPCListener creates a responder. Replies are sent through processor;
// a nil processor gets one with default settings.
func NewRPCListener(handler Handler, processor *MessageProcessor, opts ...ListenerOption) *RPCListener {
	cfg := newListenerConfig(opts)
	if processor == nil {
		processor = NewMessageProcessor(WithProcessorLogger(cfg.logger))
	}
	return &RPCListener{handler: handler, processor: processor, logger: cfg.logger}
}

// OnDelivery implements Listener
func (l *RPCListener) OnDelivery(ctx context.Context, cc *ConsumerContext, msg *transport.Message) {
	request, ok := receive(l.logger, l.handler.Decode, msg)
	if !ok {
		return
	}

	response, err := safeHandle(ctx, l.handler, request)
	if err != nil {
		l.logger.Error("rpc handler failed",
			"endpoint", cc.Endpoint().String(),
			"messageId", msg.ID,
			"error", err)
		return
	}

	if msg.ReplyTo == nil {
		l.logger.Debug("request has no reply-to, not sending a response", "messageId", msg.ID)
		return
	}
	if response == nil {
		l.logger.Debug("handler produced no response", "messageId", msg.ID)
		return
	}

	if err := l.reply(ctx, cc, msg.ReplyTo, request, response); err != nil {
		l.logger.Error("failed to send response",
			"replyTo", msg.ReplyTo.Endpoint().String(),
			"messageId", msg.ID,
			"error", err)
	}
}

func (l *RPCListener) reply(ctx context.Context, cc *ConsumerContext, replyTo transport.Destination, request, response contracts.Envelope) error {
	rc, err := newReplyContext(cc, replyTo)
	if err != nil {
		return connectionError("create reply producer", replyTo.Endpoint(), err)
	}
	defer func() {
		if err := rc.Close(); err != nil {
			l.logger.Warn("failed to close reply producer", "error", err)
		}
	}()

	if response.CorrelationID().IsZero() {
		response.SetCorrelationID(correlationFor(request))
	}

	_, err = l.processor.Send(ctx, &rc.ProducerContext, response, nil)
	return err
}

// correlationFor returns the id a response to request should carry: the
// request's own correlation id when it has one, otherwise its message id
func correlationFor(request contracts.Envelope) contracts.MessageID {
	if cid := request.CorrelationID(); !cid.IsZero() {
		return cid
	}
	return request.MessageID()
}

// receive decodes msg and copies transport metadata onto the envelope.
// Failures are logged as DecodeError and reported by ok=false.
func receive(logger *slog.Logger, decode Decoder, msg *transport.Message) (contracts.Envelope, bool) {
	env, err := decodeMessage(decode, msg)
	if err != nil {
		logger.Error("dropping undecodable message", "messageId", msg.ID, "error", err)
		return nil, false
	}
	return env, true
}

// Decode turns a delivery into an envelope carrying the delivery's message
// id, correlation id and headers. Decoder failures and panics are returned
// as *DecodeError.
func Decode(decode Decoder, msg *transport.Message) (contracts.Envelope, error) {
	if decode == nil {
		return nil, ErrNilDecoder
	}
	if msg == nil {
		return nil, ErrNilMessage
	}
	return decodeMessage(decode, msg)
}

func decodeMessage(decode Decoder, msg *transport.Message) (env contracts.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			env, err = nil, &DecodeError{MessageID: msg.ID, Err: fmt.Errorf("decoder panic: %v", r)}
		}
	}()

	env, err = decode(msg.Body)
	if err != nil {
		return nil, &DecodeError{MessageID: msg.ID, Err: err}
	}
	if env == nil {
		return nil, &DecodeError{MessageID: msg.ID, Err: fmt.Errorf("decoder returned no envelope")}
	}

	if msg.ID != "" {
		id, _ := contracts.NewMessageID(msg.ID)
		env.SetMessageID(id)
	}
	if msg.CorrelationID != "" {
		id, _ := contracts.NewMessageID(msg.CorrelationID)
		env.SetCorrelationID(id)
	}
	if len(msg.Headers) > 0 {
		env.SetHeaders(maps.Clone(msg.Headers))
	}
	return env, nil
}

func safeHandle(ctx context.Context, h Handler, env contracts.Envelope) (resp contracts.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, env)
}

func errUnexpectedType(msg contracts.Envelope) error {
	return fmt.Errorf("unexpected envelope type %T", msg)
}
