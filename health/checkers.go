package health

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/transport"
)

// PingHeader marks the messages BrokerChecker sends to itself
const PingHeader = "mmate-bus-ping"

// BrokerChecker sends a message to a temporary queue and waits for it to
// come back. A round trip slower than the threshold is degraded.
type BrokerChecker struct {
	factory   *messaging.ContextFactory
	threshold time.Duration
	logger    *slog.Logger
}

// NewBrokerChecker creates a broker checker. Zero threshold never degrades;
// a nil logger uses slog.Default().
func NewBrokerChecker(factory *messaging.ContextFactory, threshold time.Duration, logger *slog.Logger) *BrokerChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerChecker{factory: factory, threshold: threshold, logger: logger}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) Result {
	res := Result{Check: c.Name()}

	endpoint, rtt, err := c.roundTrip(ctx)
	if !endpoint.IsZero() {
		res.Endpoint = endpoint.String()
	}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		return res
	}

	res.RoundTrip = rtt
	if c.threshold > 0 && rtt > c.threshold {
		res.Status = StatusDegraded
		res.Detail = fmt.Sprintf("round trip over %v", c.threshold)
		return res
	}
	res.Status = StatusHealthy
	return res
}

func (c *BrokerChecker) roundTrip(ctx context.Context) (contracts.Endpoint, time.Duration, error) {
	cc, err := c.factory.CreateConsumerContext(ctx, contracts.TemporaryQueue, "")
	if err != nil {
		return contracts.Endpoint{}, 0, err
	}
	defer c.close("ping consumer", cc)
	endpoint := cc.Endpoint()

	ping := uuid.NewString()
	arrived := make(chan struct{})
	var once sync.Once
	err = cc.Consumer().SetListener(transport.ListenerFunc(func(msg *transport.Message) {
		if msg.Headers[PingHeader] == ping {
			once.Do(func() { close(arrived) })
		}
	}))
	if err != nil {
		return endpoint, 0, err
	}

	producer, err := cc.Session().CreateProducer(cc.Destination())
	if err != nil {
		return endpoint, 0, err
	}
	defer c.close("ping producer", producer)

	start := time.Now()
	err = producer.Send(ctx, &transport.Message{
		Headers: map[string]string{PingHeader: ping},
		Body:    []byte("{}"),
	})
	if err != nil {
		return endpoint, 0, err
	}

	select {
	case <-arrived:
		return endpoint, time.Since(start), nil
	case <-ctx.Done():
		return endpoint, 0, fmt.Errorf("waiting for ping: %w", ctx.Err())
	}
}

func (c *BrokerChecker) close(what string, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		c.logger.Warn("failed to close "+what, "error", err)
	}
}

// RuntimeChecker grades the process by its goroutine count
type RuntimeChecker struct {
	degradedAt  int
	unhealthyAt int
}

// NewRuntimeChecker degrades above degradedAt goroutines and fails above unhealthyAt
func NewRuntimeChecker(degradedAt, unhealthyAt int) *RuntimeChecker {
	return &RuntimeChecker{degradedAt: degradedAt, unhealthyAt: unhealthyAt}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) Result {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	n := runtime.NumGoroutine()

	res := Result{
		Check:  c.Name(),
		Status: StatusHealthy,
		Detail: fmt.Sprintf("goroutines=%d sys=%.1fMiB gc=%d", n, float64(m.Sys)/(1<<20), m.NumGC),
	}
	switch {
	case n > c.unhealthyAt:
		res.Status = StatusUnhealthy
	case n > c.degradedAt:
		res.Status = StatusDegraded
	}
	return res
}
