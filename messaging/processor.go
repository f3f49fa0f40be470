package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/glimte/mmate-bus/codec"
	"github.com/glimte/mmate-bus/codec/json"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
)

// DefaultDeliveryTimeout bounds the context passed to listeners for each delivery
const DefaultDeliveryTimeout = 30 * time.Second

// ProcessorOption configures a MessageProcessor
type ProcessorOption func(*MessageProcessor)

// WithCodec sets the payload codec. The default is JSON.
func WithCodec(c codec.Codec) ProcessorOption {
	return func(p *MessageProcessor) {
		p.codec = c
	}
}

// WithProcessorLogger sets the logger for the processor
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *MessageProcessor) {
		p.logger = logger
	}
}

// WithDeliveryTimeout sets the deadline of the context handed to listeners
func WithDeliveryTimeout(timeout time.Duration) ProcessorOption {
	return func(p *MessageProcessor) {
		p.deliveryTimeout = timeout
	}
}

// MessageProcessor sends envelopes and attaches listeners to consumer contexts.
// It holds no per-call state and may be shared.
type MessageProcessor struct {
	codec           codec.Codec
	logger          *slog.Logger
	deliveryTimeout time.Duration
}

// NewMessageProcessor creates a processor
func NewMessageProcessor(opts ...ProcessorOption) *MessageProcessor {
	p := &MessageProcessor{
		codec:           json.New(),
		logger:          slog.Default(),
		deliveryTimeout: DefaultDeliveryTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Codec returns the payload codec
func (p *MessageProcessor) Codec() codec.Codec {
	return p.codec
}

// Send encodes msg and sends it to the producer context's destination.
// Envelope headers are stamped first and headers override them. The
// transport-assigned id is stored on msg and returned.
func (p *MessageProcessor) Send(ctx context.Context, pc *ProducerContext, msg contracts.Envelope, headers map[string]string) (contracts.MessageID, error) {
	if pc == nil {
		return contracts.MessageID{}, ErrNilContext
	}
	if msg == nil {
		return contracts.MessageID{}, ErrNilMessage
	}
	return p.send(ctx, pc, msg, headers, nil)
}

// SendWithReplyTo sends msg with reply-to set to the destination of
// replies. Responses arrive at whatever listener replies already has.
func (p *MessageProcessor) SendWithReplyTo(ctx context.Context, pc *ProducerContext, msg contracts.Envelope, replies *ConsumerContext, headers map[string]string) (contracts.MessageID, error) {
	if pc == nil || replies == nil {
		return contracts.MessageID{}, ErrNilContext
	}
	if msg == nil {
		return contracts.MessageID{}, ErrNilMessage
	}
	return p.send(ctx, pc, msg, headers, replies.destination)
}

// Listen attaches listener to the consumer context. Deliveries happen later
// on the transport's goroutine.
func (p *MessageProcessor) Listen(cc *ConsumerContext, listener Listener) error {
	if cc == nil {
		return ErrNilContext
	}
	if listener == nil {
		return ErrNilListener
	}

	if b, ok := listener.(consumerBinder); ok {
		b.bindConsumer(cc)
	}

	err := cc.consumer.SetListener(transport.ListenerFunc(func(msg *transport.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), p.deliveryTimeout)
		defer cancel()
		listener.OnDelivery(ctx, cc, msg)
	}))
	if err != nil {
		return connectionError("attach listener", cc.Endpoint(), err)
	}

	p.logger.Debug("listening", "endpoint", cc.Endpoint().String())
	return nil
}

// SendAndListen sends msg as a request and attaches listener to a new
// temporary reply queue. The reply queue and its consumer exist before the
// request is sent. Closing the returned context releases them.
func (p *MessageProcessor) SendAndListen(ctx context.Context, pc *ProducerContext, msg contracts.Envelope, listener Listener, headers map[string]string) (*RPCContext, error) {
	if pc == nil {
		return nil, ErrNilContext
	}
	if msg == nil {
		return nil, ErrNilMessage
	}
	if listener == nil {
		return nil, ErrNilListener
	}

	rpc, err := p.createRPCContext(ctx, pc, msg, listener)
	if err != nil {
		return nil, err
	}

	if err := p.Listen(&rpc.ConsumerContext, listener); err != nil {
		p.closeRPC(rpc)
		return nil, err
	}

	if _, err := p.send(ctx, pc, msg, headers, rpc.destination); err != nil {
		p.closeRPC(rpc)
		return nil, err
	}

	return rpc, nil
}

// SendRPC sends msg as a request and returns a future completed by the first
// response, decoded with decode.
func (p *MessageProcessor) SendRPC(ctx context.Context, pc *ProducerContext, msg contracts.Envelope, decode Decoder, headers map[string]string) (*ResponseFuture, error) {
	if decode == nil {
		return nil, ErrNilDecoder
	}

	future := NewResponseFuture(decode, WithFutureLogger(p.logger))
	if _, err := p.SendAndListen(ctx, pc, msg, future, headers); err != nil {
		return nil, err
	}
	return future, nil
}

func (p *MessageProcessor) createRPCContext(ctx context.Context, pc *ProducerContext, msg contracts.Envelope, listener Listener) (*RPCContext, error) {
	session, err := pc.connection.CreateSession(ctx)
	if err != nil {
		return nil, connectionError("create session", contracts.TemporaryQueue, err)
	}

	replyTo, err := session.CreateTemporaryQueue()
	if err != nil {
		p.closeSession(session)
		return nil, connectionError("create temporary queue", contracts.TemporaryQueue, err)
	}

	consumer, err := session.CreateConsumer(replyTo, "")
	if err != nil {
		p.closeSession(session)
		return nil, connectionError("create consumer", replyTo.Endpoint(), err)
	}

	// the producer's connection may never have been started
	if err := pc.connection.Start(); err != nil {
		p.closeSession(session)
		return nil, connectionError("start connection", replyTo.Endpoint(), err)
	}

	return &RPCContext{
		ConsumerContext: ConsumerContext{
			ConnectionContext: ConnectionContext{
				connection:  pc.connection,
				session:     session,
				destination: replyTo,
			},
			consumer: consumer,
		},
		request:  msg,
		listener: listener,
	}, nil
}

func (p *MessageProcessor) send(ctx context.Context, pc *ProducerContext, msg contracts.Envelope, headers map[string]string, replyTo transport.Destination) (contracts.MessageID, error) {
	endpoint := pc.Endpoint()

	if id := msg.MessageID(); !id.IsZero() {
		p.logger.Warn("discarding existing message id, the transport assigns a new one",
			"messageId", id.String(),
			"endpoint", endpoint.String())
		msg.SetMessageID(contracts.MessageID{})
	}

	body, err := p.codec.Encode(msg)
	if err != nil {
		return contracts.MessageID{}, sendError(endpoint, fmt.Errorf("encode payload: %w", err))
	}

	out := &transport.Message{
		ReplyTo: replyTo,
		Headers: mergeHeaders(msg.Headers(), headers),
		Body:    body,
	}
	if cid := msg.CorrelationID(); !cid.IsZero() {
		out.CorrelationID = cid.String()
	}

	if err := pc.producer.Send(ctx, out); err != nil {
		return contracts.MessageID{}, sendError(endpoint, err)
	}

	id, err := contracts.NewMessageID(out.ID)
	if err != nil {
		return contracts.MessageID{}, sendError(endpoint, fmt.Errorf("transport assigned no message id: %w", err))
	}
	msg.SetMessageID(id)

	p.logger.Debug("message sent",
		"endpoint", endpoint.String(),
		"messageId", id.String(),
		"correlationId", out.CorrelationID)
	return id, nil
}

func (p *MessageProcessor) closeRPC(rpc *RPCContext) {
	if err := rpc.Close(); err != nil {
		p.logger.Warn("failed to close rpc context", "error", err)
	}
}

func (p *MessageProcessor) closeSession(session transport.Session) {
	if err := session.Close(); err != nil {
		p.logger.Warn("failed to close session", "error", err)
	}
}

// consumerBinder is implemented by listeners that own the consumer they are attached to
type consumerBinder interface {
	bindConsumer(cc *ConsumerContext)
}

func mergeHeaders(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(override))
	maps.Copy(merged, base)
	maps.Copy(merged, override)
	return merged
}

func sendError(endpoint contracts.Endpoint, err error) error {
	return &SendError{Endpoint: endpoint, Err: err, Timestamp: time.Now()}
}
