// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/glimte/mmate-bus/codec"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/interceptors"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/transport"
	"github.com/glimte/mmate-bus/transports/memory"
	natsTransport "github.com/glimte/mmate-bus/transports/nats"
	rabbitmqTransport "github.com/glimte/mmate-bus/transports/rabbitmq"
)

// ErrUnknownTransport is returned when no transport matches the connection URL
var ErrUnknownTransport = errors.New("bus: unknown transport")

// Transport names accepted by WithTransport
const (
	TransportRabbitMQ = "rabbitmq"
	TransportNATS     = "nats"
	TransportMemory   = "memory"
)

// Client provides the main entry point for mmate-bus. It owns one context
// factory, and therefore one broker connection, plus a message processor.
type Client struct {
	factory   *messaging.ContextFactory
	processor *messaging.MessageProcessor
	broker    *memory.Broker
	chain     *interceptors.InterceptorChain
	logger    *slog.Logger
}

// NewClient creates a client for the broker at connectionString. The
// transport is chosen from the URL scheme: amqp/amqps for RabbitMQ,
// nats/tls for NATS and memory for an embedded broker.
func NewClient(connectionString string) (*Client, error) {
	return NewClientWithOptions(connectionString, WithDefaultLogger())
}

// NewClientWithOptions creates a new client with options
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:          slog.Default(),
		connectionName:  "mmate-bus",
		deliveryTimeout: messaging.DefaultDeliveryTimeout,
	}

	for _, opt := range options {
		opt(cfg)
	}

	c := &Client{
		logger: cfg.logger,
		chain:  interceptors.NewInterceptorChain(cfg.logger),
	}
	for _, i := range cfg.interceptors {
		c.chain.Add(i)
	}

	cf := cfg.connectionFactory
	if cf == nil {
		var err error
		cf, err = c.newConnectionFactory(connectionString, cfg)
		if err != nil {
			return nil, err
		}
	}

	if cfg.retry != nil || cfg.breakerThreshold > 0 {
		var breaker *reliability.CircuitBreaker
		if cfg.breakerThreshold > 0 {
			breaker = reliability.NewCircuitBreaker(
				reliability.WithName("connect"),
				reliability.WithFailureThreshold(cfg.breakerThreshold),
				reliability.WithTimeout(cfg.breakerCooldown),
				reliability.WithLogger(cfg.logger),
			)
		}
		cf = reliability.NewConnectionFactory(cf, cfg.retry, breaker, cfg.logger)
	}

	c.factory = messaging.NewContextFactory(cf, messaging.WithFactoryLogger(cfg.logger))

	processorOpts := []messaging.ProcessorOption{
		messaging.WithProcessorLogger(cfg.logger),
		messaging.WithDeliveryTimeout(cfg.deliveryTimeout),
	}
	if cfg.codec != nil {
		processorOpts = append(processorOpts, messaging.WithCodec(cfg.codec))
	}
	c.processor = messaging.NewMessageProcessor(processorOpts...)

	return c, nil
}

func (c *Client) newConnectionFactory(connectionString string, cfg *clientConfig) (transport.ConnectionFactory, error) {
	kind := cfg.transport
	if kind == "" {
		var err error
		kind, err = transportFor(connectionString)
		if err != nil {
			return nil, err
		}
	}

	switch kind {
	case TransportRabbitMQ:
		return rabbitmqTransport.NewConnectionFactory(connectionString,
			rabbitmqTransport.WithLogger(cfg.logger),
			rabbitmqTransport.WithConnectionName(cfg.connectionName),
			rabbitmqTransport.WithDurableTopology(cfg.durable),
		), nil
	case TransportNATS:
		return natsTransport.NewConnectionFactory(connectionString,
			natsTransport.WithLogger(cfg.logger),
			natsTransport.WithConnectionName(cfg.connectionName),
		), nil
	case TransportMemory:
		c.broker = memory.NewBroker(memory.WithLogger(cfg.logger))
		return c.broker, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, kind)
	}
}

// transportFor picks a transport from the URL scheme
func transportFor(connectionString string) (string, error) {
	u, err := url.Parse(connectionString)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownTransport, err)
	}
	switch u.Scheme {
	case "amqp", "amqps":
		return TransportRabbitMQ, nil
	case "nats", "tls":
		return TransportNATS, nil
	case "memory":
		return TransportMemory, nil
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrUnknownTransport, u.Scheme)
	}
}

// Factory returns the context factory
func (c *Client) Factory() *messaging.ContextFactory {
	return c.factory
}

// Processor returns the message processor
func (c *Client) Processor() *messaging.MessageProcessor {
	return c.processor
}

// Codec returns the payload codec used by the processor
func (c *Client) Codec() codec.Codec {
	return c.processor.Codec()
}

// Send sends msg to endpoint through a short-lived producer context
func (c *Client) Send(ctx context.Context, endpoint contracts.Endpoint, msg contracts.Envelope, headers map[string]string) (contracts.MessageID, error) {
	pc, err := c.factory.CreateProducerContext(ctx, endpoint)
	if err != nil {
		return contracts.MessageID{}, err
	}
	defer c.closeContext(pc)

	return c.processor.Send(ctx, pc, msg, headers)
}

// Listen attaches listener to endpoint. Close the returned context to stop listening.
func (c *Client) Listen(ctx context.Context, endpoint contracts.Endpoint, selector string, listener messaging.Listener) (*messaging.ConsumerContext, error) {
	cc, err := c.factory.CreateConsumerContext(ctx, endpoint, selector)
	if err != nil {
		return nil, err
	}
	if err := c.processor.Listen(cc, listener); err != nil {
		c.closeContext(cc)
		return nil, err
	}
	return cc, nil
}

// Serve answers requests on endpoint with handler, run through the
// client's interceptors
func (c *Client) Serve(ctx context.Context, endpoint contracts.Endpoint, selector string, handler messaging.Handler) (*messaging.ConsumerContext, error) {
	if c.chain.Len() > 0 {
		handler = c.chain.Wrap(handler)
	}
	listener := messaging.NewRPCListener(handler, c.processor, messaging.WithListenerLogger(c.logger))
	return c.Listen(ctx, endpoint, selector, listener)
}

// Request sends msg to endpoint and waits up to timeout for the response.
// The pending response is cancelled when the wait ends without one.
func (c *Client) Request(ctx context.Context, endpoint contracts.Endpoint, msg contracts.Envelope, decode messaging.Decoder, timeout time.Duration) (contracts.Envelope, error) {
	pc, err := c.factory.CreateProducerContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer c.closeContext(pc)

	future, err := c.processor.SendRPC(ctx, pc, msg, decode, nil)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := future.Get(waitCtx)
	if err != nil {
		if _, cancelErr := future.Cancel(true); cancelErr != nil {
			c.logger.Warn("failed to cancel pending response", "error", cancelErr)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, messaging.ErrResponseTimeout
		}
		return nil, err
	}
	return resp, nil
}

// Close closes the broker connection and, for the memory transport, the broker
func (c *Client) Close() error {
	err := c.factory.Close()
	if c.broker != nil {
		err = errors.Join(err, c.broker.Close())
	}
	return err
}

func (c *Client) closeContext(ctx interface{ Close() error }) {
	if err := ctx.Close(); err != nil {
		c.logger.Warn("failed to close context", "error", err)
	}
}

// clientConfig holds client configuration
type clientConfig struct {
	logger            *slog.Logger
	transport         string
	connectionName    string
	durable           bool
	codec             codec.Codec
	deliveryTimeout   time.Duration
	connectionFactory transport.ConnectionFactory
	retry             reliability.RetryPolicy
	breakerThreshold  int
	breakerCooldown   time.Duration
	interceptors      []interceptors.Interceptor
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithTransport forces a transport instead of deriving it from the URL scheme
func WithTransport(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = name
	}
}

// WithConnectionName sets the name the broker shows for the connection
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// WithDurableTopology declares RabbitMQ queues and exchanges durable
func WithDurableTopology(durable bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.durable = durable
	}
}

// WithCodec sets the payload codec
func WithCodec(c codec.Codec) ClientOption {
	return func(cfg *clientConfig) {
		cfg.codec = c
	}
}

// WithDeliveryTimeout bounds the context handed to listeners
func WithDeliveryTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deliveryTimeout = timeout
	}
}

// WithConnectionFactory uses an existing transport instead of the connection string
func WithConnectionFactory(cf transport.ConnectionFactory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionFactory = cf
	}
}

// WithConnectRetry retries a failed broker dial up to maxRetries times with
// exponential backoff between initial and max
func WithConnectRetry(maxRetries int, initial, max time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retry = reliability.NewExponentialBackoff(initial, max, 2.0, maxRetries)
	}
}

// WithCircuitBreaker stops dialing for cooldown after threshold consecutive
// dial failures
func WithCircuitBreaker(threshold int, cooldown time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.breakerThreshold = threshold
		cfg.breakerCooldown = cooldown
	}
}

// WithInterceptors adds interceptors applied to handlers passed to Serve
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}
