package rabbitmq

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete).Error(0)
}

func (m *mockChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	return m.Called(name).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, table amqp.Table) (amqp.Queue, error) {
	args := m.Called(name, durable, autoDelete, exclusive)
	return args.Get(0).(amqp.Queue), args.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange).Error(0)
}

func (m *mockChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	args := m.Called(name)
	return args.Int(0), args.Error(1)
}

func TestTopologyManager(t *testing.T) {
	t.Run("named queues follow the durability setting", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("QueueDeclare", "orders", true, false, false).Return(amqp.Queue{Name: "orders"}, nil).Once()

		q, err := NewTopologyManager(ch, true).DeclareNamedQueue("orders")
		require.NoError(t, err)
		assert.Equal(t, "orders", q.Name)
		ch.AssertExpectations(t)
	})

	t.Run("topics are fanout exchanges", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("ExchangeDeclare", "events", amqp.ExchangeFanout, false, false).Return(nil).Once()

		require.NoError(t, NewTopologyManager(ch, false).DeclareTopicExchange("events"))
		ch.AssertExpectations(t)
	})

	t.Run("temporary queues are exclusive, auto-deleted and broker named", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("QueueDeclare", "", false, true, true).Return(amqp.Queue{Name: "amq.gen-1"}, nil).Once()

		q, err := NewTopologyManager(ch, true).DeclareTemporaryQueue()
		require.NoError(t, err)
		assert.Equal(t, "amq.gen-1", q.Name)
		ch.AssertExpectations(t)
	})

	t.Run("subscriptions bind a generated queue to the exchange", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("QueueDeclare", "", false, true, true).Return(amqp.Queue{Name: "amq.gen-2"}, nil).Once()
		ch.On("QueueBind", "amq.gen-2", "", "events").Return(nil).Once()

		name, err := NewTopologyManager(ch, false).DeclareSubscription("events")
		require.NoError(t, err)
		assert.Equal(t, "amq.gen-2", name)
		ch.AssertExpectations(t)
	})

	t.Run("failures are topology errors", func(t *testing.T) {
		boom := errors.New("PRECONDITION_FAILED")
		ch := &mockChannel{}
		ch.On("QueueDeclare", "orders", false, false, false).Return(amqp.Queue{}, boom).Once()
		ch.On("QueueDelete", "orders").Return(0, boom).Once()

		tm := NewTopologyManager(ch, false)
		_, err := tm.DeclareNamedQueue("orders")
		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue", topoErr.Component)
		assert.Equal(t, "declare", topoErr.Op)
		assert.ErrorIs(t, err, boom)

		err = tm.DeleteQueue("orders")
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "delete", topoErr.Op)
	})

	t.Run("exchanges need a name", func(t *testing.T) {
		err := NewTopologyManager(&mockChannel{}, false).DeclareExchange(ExchangeDeclaration{Type: amqp.ExchangeFanout})
		assert.ErrorIs(t, err, ErrInvalidTopology)
	})
}
