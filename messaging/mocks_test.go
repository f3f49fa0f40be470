package messaging

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
)

type mockConnectionFactory struct {
	mock.Mock
}

func (m *mockConnectionFactory) CreateConnection(ctx context.Context) (transport.Connection, error) {
	args := m.Called(ctx)
	conn, _ := args.Get(0).(transport.Connection)
	return conn, args.Error(1)
}

type mockConnection struct {
	mock.Mock
}

func (m *mockConnection) CreateSession(ctx context.Context) (transport.Session, error) {
	args := m.Called(ctx)
	session, _ := args.Get(0).(transport.Session)
	return session, args.Error(1)
}

func (m *mockConnection) Start() error {
	return m.Called().Error(0)
}

func (m *mockConnection) Close() error {
	return m.Called().Error(0)
}

type mockSession struct {
	mock.Mock
}

func (m *mockSession) CreateQueue(name string) (transport.Destination, error) {
	args := m.Called(name)
	dest, _ := args.Get(0).(transport.Destination)
	return dest, args.Error(1)
}

func (m *mockSession) CreateTopic(name string) (transport.Destination, error) {
	args := m.Called(name)
	dest, _ := args.Get(0).(transport.Destination)
	return dest, args.Error(1)
}

func (m *mockSession) CreateTemporaryQueue() (transport.Destination, error) {
	args := m.Called()
	dest, _ := args.Get(0).(transport.Destination)
	return dest, args.Error(1)
}

func (m *mockSession) CreateTemporaryTopic() (transport.Destination, error) {
	args := m.Called()
	dest, _ := args.Get(0).(transport.Destination)
	return dest, args.Error(1)
}

func (m *mockSession) CreateProducer(dest transport.Destination) (transport.Producer, error) {
	args := m.Called(dest)
	producer, _ := args.Get(0).(transport.Producer)
	return producer, args.Error(1)
}

func (m *mockSession) CreateConsumer(dest transport.Destination, selector string) (transport.Consumer, error) {
	args := m.Called(dest, selector)
	consumer, _ := args.Get(0).(transport.Consumer)
	return consumer, args.Error(1)
}

func (m *mockSession) Close() error {
	return m.Called().Error(0)
}

type mockProducer struct {
	mock.Mock
	dest transport.Destination
}

func (m *mockProducer) Send(ctx context.Context, msg *transport.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *mockProducer) Destination() transport.Destination {
	return m.dest
}

func (m *mockProducer) Close() error {
	return m.Called().Error(0)
}

type mockConsumer struct {
	mock.Mock
	dest transport.Destination
}

func (m *mockConsumer) SetListener(listener transport.Listener) error {
	return m.Called(listener).Error(0)
}

func (m *mockConsumer) Destination() transport.Destination {
	return m.dest
}

func (m *mockConsumer) Close() error {
	return m.Called().Error(0)
}

type fakeDestination struct {
	endpoint contracts.Endpoint
}

func (d fakeDestination) Endpoint() contracts.Endpoint {
	return d.endpoint
}
