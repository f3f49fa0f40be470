package health

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/transport"
	"github.com/glimte/mmate-bus/transports/memory"
)

var errCloseFailed = errors.New("close failed")

// closeFailing wraps a transport so that producers fail to close
type closeFailing struct{ transport.ConnectionFactory }

func (f closeFailing) CreateConnection(ctx context.Context) (transport.Connection, error) {
	conn, err := f.ConnectionFactory.CreateConnection(ctx)
	if err != nil {
		return nil, err
	}
	return closeFailingConn{conn}, nil
}

type closeFailingConn struct{ transport.Connection }

func (c closeFailingConn) CreateSession(ctx context.Context) (transport.Session, error) {
	s, err := c.Connection.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	return closeFailingSession{s}, nil
}

type closeFailingSession struct{ transport.Session }

func (s closeFailingSession) CreateProducer(dest transport.Destination) (transport.Producer, error) {
	p, err := s.Session.CreateProducer(dest)
	if err != nil {
		return nil, err
	}
	return closeFailingProducer{p}, nil
}

type closeFailingProducer struct{ transport.Producer }

func (p closeFailingProducer) Close() error {
	_ = p.Producer.Close()
	return errCloseFailed
}

func TestBrokerChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip through a temporary queue is healthy", func(t *testing.T) {
		broker := memory.NewBroker()
		defer broker.Close()
		factory := messaging.NewContextFactory(broker)
		defer factory.Close()

		res := NewBrokerChecker(factory, time.Second, nil).Check(ctx)
		assert.Equal(t, StatusHealthy, res.Status, res.Error)
		assert.Equal(t, "broker", res.Check)
		assert.Contains(t, res.Endpoint, "queue://")
		assert.Positive(t, res.RoundTrip)
		assert.Equal(t, 0, broker.TemporaryDestinations())
	})

	t.Run("closed broker is unhealthy", func(t *testing.T) {
		broker := memory.NewBroker()
		factory := messaging.NewContextFactory(broker)
		defer factory.Close()
		broker.Close()

		res := NewBrokerChecker(factory, 0, nil).Check(ctx)
		assert.Equal(t, StatusUnhealthy, res.Status)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("closed factory is unhealthy", func(t *testing.T) {
		broker := memory.NewBroker()
		defer broker.Close()
		factory := messaging.NewContextFactory(broker)
		factory.Close()

		res := NewBrokerChecker(factory, 0, nil).Check(ctx)
		assert.Equal(t, StatusUnhealthy, res.Status)
		assert.Empty(t, res.Endpoint)
		assert.Contains(t, res.Error, "closed")
	})

	t.Run("close failures are logged", func(t *testing.T) {
		broker := memory.NewBroker()
		defer broker.Close()
		factory := messaging.NewContextFactory(closeFailing{broker})
		defer factory.Close()

		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, nil))

		res := NewBrokerChecker(factory, 0, logger).Check(ctx)
		require.Equal(t, StatusHealthy, res.Status, res.Error)
		assert.Contains(t, logs.String(), "failed to close ping producer")
		assert.Contains(t, logs.String(), errCloseFailed.Error())
	})
}

func TestRuntimeChecker(t *testing.T) {
	ctx := context.Background()

	res := NewRuntimeChecker(100000, 200000).Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Contains(t, res.Detail, "goroutines=")

	res = NewRuntimeChecker(0, 100000).Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)

	res = NewRuntimeChecker(0, 0).Check(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
}
