package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/glimte/mmate-bus/transport"
)

// DefaultSubjectPrefix namespaces every bus subject
const DefaultSubjectPrefix = "bus"

// DefaultPendingMessages is the per-consumer buffer of undelivered messages
const DefaultPendingMessages = 1024

// ConnectionFactory opens NATS connections. It implements transport.ConnectionFactory.
type ConnectionFactory struct {
	url    string
	config factoryConfig
}

type factoryConfig struct {
	logger  *slog.Logger
	prefix  string
	pending int
	name    string
	options []nats.Option
}

// Option configures the ConnectionFactory
type Option func(*factoryConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *factoryConfig) {
		cfg.logger = logger
	}
}

// WithSubjectPrefix sets the subject namespace
func WithSubjectPrefix(prefix string) Option {
	return func(cfg *factoryConfig) {
		cfg.prefix = prefix
	}
}

// WithPendingMessages sets how many messages a consumer buffers before NATS
// reports it as a slow consumer
func WithPendingMessages(n int) Option {
	return func(cfg *factoryConfig) {
		cfg.pending = n
	}
}

// WithConnectionName sets the client name reported to the server
func WithConnectionName(name string) Option {
	return func(cfg *factoryConfig) {
		cfg.name = name
	}
}

// WithNATSOptions passes options through to nats.Connect
func WithNATSOptions(opts ...nats.Option) Option {
	return func(cfg *factoryConfig) {
		cfg.options = append(cfg.options, opts...)
	}
}

var _ transport.ConnectionFactory = (*ConnectionFactory)(nil)

// NewConnectionFactory creates a factory for the server at url, e.g. nats://localhost:4222
func NewConnectionFactory(url string, options ...Option) *ConnectionFactory {
	cfg := factoryConfig{
		logger:  slog.Default(),
		prefix:  DefaultSubjectPrefix,
		pending: DefaultPendingMessages,
		name:    "mmate-bus",
	}
	for _, opt := range options {
		opt(&cfg)
	}
	return &ConnectionFactory{url: url, config: cfg}
}

// CreateConnection connects to the server. A deadline on ctx bounds the dial.
func (f *ConnectionFactory) CreateConnection(ctx context.Context) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := []nats.Option{nats.Name(f.config.name)}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	opts = append(opts, f.config.options...)

	c := &connection{
		config:   f.config,
		logger:   f.config.logger,
		sessions: make(map[*session]struct{}),
		started:  make(chan struct{}),
	}
	opts = append(opts,
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(c.onAsyncError),
	)

	nc, err := nats.Connect(f.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.nc = nc
	c.logger.Info("connected to NATS", "url", nc.ConnectedUrlRedacted())
	return c, nil
}

type connection struct {
	nc        *nats.Conn
	config    factoryConfig
	logger    *slog.Logger
	mu        sync.Mutex
	sessions  map[*session]struct{}
	started   chan struct{}
	startOnce sync.Once
	closed    bool
}

var _ transport.Connection = (*connection)(nil)

func (c *connection) CreateSession(ctx context.Context) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.nc.IsClosed() {
		return nil, transport.ErrClosed
	}
	s := &session{
		conn:      c,
		producers: make(map[*producer]struct{}),
		consumers: make(map[*consumer]struct{}),
	}
	c.sessions[s] = struct{}{}
	return s, nil
}

func (c *connection) Start() error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	c.startOnce.Do(func() {
		close(c.started)
		c.logger.Debug("connection started")
	})
	return nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.nc.Close()
	return errors.Join(errs...)
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || (c.nc != nil && c.nc.IsClosed())
}

func (c *connection) removeSession(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

func (c *connection) onClosed(nc *nats.Conn) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if !wasClosed {
		c.logger.Error("NATS connection closed", "error", nc.LastError())
	}
}

func (c *connection) onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		c.logger.Warn("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	c.logger.Warn("NATS async error", "error", err)
}
