package memory

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/mmate-bus/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func openSession(t *testing.T, b *Broker, start bool) (transport.Connection, transport.Session) {
	t.Helper()
	conn, err := b.CreateConnection(context.Background())
	require.NoError(t, err)
	if start {
		require.NoError(t, conn.Start())
	}
	sess, err := conn.CreateSession(context.Background())
	require.NoError(t, err)
	return conn, sess
}

func collect(t *testing.T, c transport.Consumer) <-chan *transport.Message {
	t.Helper()
	ch := make(chan *transport.Message, 16)
	require.NoError(t, c.SetListener(transport.ListenerFunc(func(m *transport.Message) {
		ch <- m
	})))
	return ch
}

func send(t *testing.T, s transport.Session, d transport.Destination, msg *transport.Message) {
	t.Helper()
	p, err := s.CreateProducer(d)
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Send(context.Background(), msg))
}

func TestQueueDelivery(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	t.Run("send assigns an id and delivers metadata", func(t *testing.T) {
		_, sess := openSession(t, b, true)
		q, err := sess.CreateQueue("orders")
		require.NoError(t, err)
		c, err := sess.CreateConsumer(q, "")
		require.NoError(t, err)
		got := collect(t, c)

		reply, err := sess.CreateTemporaryQueue()
		require.NoError(t, err)

		msg := &transport.Message{
			CorrelationID: "ID:req",
			ReplyTo:       reply,
			Headers:       map[string]string{"k": "v"},
			Body:          []byte(`{"message":"hi"}`),
		}
		send(t, sess, q, msg)
		assert.NotEmpty(t, msg.ID)

		select {
		case m := <-got:
			assert.Equal(t, msg.ID, m.ID)
			assert.Equal(t, "ID:req", m.CorrelationID)
			assert.Equal(t, reply, m.ReplyTo)
			assert.Equal(t, "v", m.Headers["k"])
			assert.Equal(t, `{"message":"hi"}`, string(m.Body))
		case <-time.After(waitFor):
			t.Fatal("message not delivered")
		}
	})

	t.Run("messages wait for a consumer", func(t *testing.T) {
		_, sess := openSession(t, b, true)
		q, _ := sess.CreateQueue("later")
		send(t, sess, q, &transport.Message{Body: []byte("1")})
		assert.Equal(t, 1, b.QueueDepth("later"))

		c, err := sess.CreateConsumer(q, "")
		require.NoError(t, err)
		got := collect(t, c)
		select {
		case m := <-got:
			assert.Equal(t, "1", string(m.Body))
		case <-time.After(waitFor):
			t.Fatal("queued message not delivered")
		}
		assert.Equal(t, 0, b.QueueDepth("later"))
	})

	t.Run("each message goes to one consumer", func(t *testing.T) {
		_, sess := openSession(t, b, true)
		q, _ := sess.CreateQueue("work")
		c1, _ := sess.CreateConsumer(q, "")
		c2, _ := sess.CreateConsumer(q, "")
		got1 := collect(t, c1)
		got2 := collect(t, c2)

		for i := 0; i < 4; i++ {
			send(t, sess, q, &transport.Message{Body: []byte("x")})
		}

		total := 0
		timeout := time.After(waitFor)
		for total < 4 {
			select {
			case <-got1:
				total++
			case <-got2:
				total++
			case <-timeout:
				t.Fatalf("only %d of 4 delivered", total)
			}
		}
		assert.Equal(t, 2, b.QueueConsumers("work"))
	})
}

func TestSelectorFiltering(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	_, sess := openSession(t, b, true)
	q, _ := sess.CreateQueue("testq")
	c, err := sess.CreateConsumer(q, "MyTest = 'boo'")
	require.NoError(t, err)
	got := collect(t, c)

	send(t, sess, q, &transport.Message{Headers: map[string]string{"MyTest": "other"}, Body: []byte("m1")})
	select {
	case m := <-got:
		t.Fatalf("unexpected delivery %s", m.Body)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 1, b.QueueDepth("testq"), "non matching message stays queued")

	send(t, sess, q, &transport.Message{Headers: map[string]string{"MyTest": "boo"}, Body: []byte("m2")})
	select {
	case m := <-got:
		assert.Equal(t, "m2", string(m.Body))
	case <-time.After(waitFor):
		t.Fatal("matching message not delivered")
	}

	_, err = sess.CreateConsumer(q, "MyTest = ")
	assert.ErrorIs(t, err, transport.ErrInvalidSelector)
}

func TestTopicFanout(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	_, sess := openSession(t, b, true)
	tp, err := sess.CreateTopic("news")
	require.NoError(t, err)

	c1, _ := sess.CreateConsumer(tp, "")
	c2, _ := sess.CreateConsumer(tp, "")
	got1 := collect(t, c1)
	got2 := collect(t, c2)

	send(t, sess, tp, &transport.Message{Body: []byte("extra")})

	for _, ch := range []<-chan *transport.Message{got1, got2} {
		select {
		case m := <-ch:
			assert.Equal(t, "extra", string(m.Body))
		case <-time.After(waitFor):
			t.Fatal("subscriber missed topic message")
		}
	}
}

func TestConnectionLifecycle(t *testing.T) {
	t.Run("delivery waits for start", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()

		conn, sess := openSession(t, b, false)
		q, _ := sess.CreateQueue("gated")
		c, _ := sess.CreateConsumer(q, "")
		got := collect(t, c)
		send(t, sess, q, &transport.Message{Body: []byte("x")})

		select {
		case <-got:
			t.Fatal("delivered before start")
		case <-time.After(100 * time.Millisecond):
		}

		require.NoError(t, conn.Start())
		require.NoError(t, conn.Start())
		select {
		case <-got:
		case <-time.After(waitFor):
			t.Fatal("not delivered after start")
		}
	})

	t.Run("closing a session deletes the temporaries it created", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()

		conn, sess := openSession(t, b, true)
		_, err := sess.CreateTemporaryQueue()
		require.NoError(t, err)
		_, err = sess.CreateTemporaryTopic()
		require.NoError(t, err)
		assert.Equal(t, 2, b.TemporaryDestinations())

		require.NoError(t, sess.Close())
		assert.Equal(t, 0, b.TemporaryDestinations())

		other, err := conn.CreateSession(context.Background())
		require.NoError(t, err)
		_, err = other.CreateTemporaryQueue()
		require.NoError(t, err)
		assert.Equal(t, 1, b.TemporaryDestinations())
	})

	t.Run("closing the connection deletes temporaries and closes handles", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()

		conn, sess := openSession(t, b, true)
		tmp, err := sess.CreateTemporaryQueue()
		require.NoError(t, err)
		assert.True(t, tmp.Endpoint().IsTemporary())
		assert.Equal(t, 1, b.TemporaryDestinations())

		p, err := sess.CreateProducer(tmp)
		require.NoError(t, err)

		require.NoError(t, conn.Close())
		require.NoError(t, conn.Close())
		assert.Equal(t, 0, b.TemporaryDestinations())

		assert.ErrorIs(t, p.Send(context.Background(), &transport.Message{}), transport.ErrClosed)
		_, err = sess.CreateQueue("x")
		assert.ErrorIs(t, err, transport.ErrClosed)
		_, err = conn.CreateSession(context.Background())
		assert.ErrorIs(t, err, transport.ErrClosed)

		_, other := openSession(t, b, true)
		p2, err := other.CreateProducer(tmp)
		require.NoError(t, err)
		assert.ErrorIs(t, p2.Send(context.Background(), &transport.Message{}), transport.ErrDestinationDeleted)
	})

	t.Run("consumer can close itself from its listener", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()

		_, sess := openSession(t, b, true)
		q, _ := sess.CreateQueue("once")
		c, _ := sess.CreateConsumer(q, "")

		got := make(chan *transport.Message, 4)
		require.NoError(t, c.SetListener(transport.ListenerFunc(func(m *transport.Message) {
			got <- m
			c.Close()
		})))

		send(t, sess, q, &transport.Message{Body: []byte("first")})
		select {
		case m := <-got:
			assert.Equal(t, "first", string(m.Body))
		case <-time.After(waitFor):
			t.Fatal("not delivered")
		}

		assert.Eventually(t, func() bool { return b.QueueConsumers("once") == 0 }, waitFor, 10*time.Millisecond)
		send(t, sess, q, &transport.Message{Body: []byte("second")})
		assert.Equal(t, 1, b.QueueDepth("once"))
		assert.ErrorIs(t, c.SetListener(transport.ListenerFunc(func(*transport.Message) {})), transport.ErrClosed)
	})

	t.Run("closed broker rejects connections", func(t *testing.T) {
		b := NewBroker()
		require.NoError(t, b.Close())
		_, err := b.CreateConnection(context.Background())
		assert.ErrorIs(t, err, transport.ErrClosed)
	})

	t.Run("listener panics do not kill the dispatcher", func(t *testing.T) {
		b := NewBroker()
		defer b.Close()

		_, sess := openSession(t, b, true)
		q, _ := sess.CreateQueue("panicky")
		c, _ := sess.CreateConsumer(q, "")
		got := make(chan string, 2)
		require.NoError(t, c.SetListener(transport.ListenerFunc(func(m *transport.Message) {
			got <- string(m.Body)
			if string(m.Body) == "boom" {
				panic("boom")
			}
		})))

		send(t, sess, q, &transport.Message{Body: []byte("boom")})
		send(t, sess, q, &transport.Message{Body: []byte("ok")})
		for _, want := range []string{"boom", "ok"} {
			select {
			case m := <-got:
				assert.Equal(t, want, m)
			case <-time.After(waitFor):
				t.Fatalf("missing %s", want)
			}
		}
	})
}

type foreignDestination struct{ transport.Destination }

func TestForeignDestination(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	_, sess := openSession(t, b, true)
	_, err := sess.CreateProducer(foreignDestination{})
	assert.ErrorIs(t, err, transport.ErrForeignDestination)
	_, err = sess.CreateConsumer(foreignDestination{}, "")
	assert.ErrorIs(t, err, transport.ErrForeignDestination)
}
