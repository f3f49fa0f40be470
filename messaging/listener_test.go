package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/codec/json"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
)

type recordingHandler struct {
	decode   Decoder
	handled  []contracts.Envelope
	response contracts.Envelope
	err      error
	panics   bool
}

func (h *recordingHandler) Decode(body []byte) (contracts.Envelope, error) {
	return h.decode(body)
}

func (h *recordingHandler) Handle(ctx context.Context, msg contracts.Envelope) (contracts.Envelope, error) {
	if h.panics {
		panic("handler exploded")
	}
	h.handled = append(h.handled, msg)
	return h.response, h.err
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{decode: DecoderFor[contracts.SimpleMessage](json.New())}
}

func TestBasicListener(t *testing.T) {
	ctx := context.Background()
	cc := &ConsumerContext{ConnectionContext: ConnectionContext{
		destination: fakeDestination{endpoint: contracts.MustParseEndpoint("queue://testq")},
	}}

	t.Run("copies transport metadata onto the envelope", func(t *testing.T) {
		h := newRecordingHandler()
		l := NewBasicListener(h)

		l.OnDelivery(ctx, cc, &transport.Message{
			ID:            "ID:1",
			CorrelationID: "ID:0",
			Headers:       map[string]string{"MyTest": "boo"},
			Body:          []byte(`{"message":"hi"}`),
		})

		require.Len(t, h.handled, 1)
		msg := h.handled[0].(*contracts.SimpleMessage)
		assert.Equal(t, "hi", msg.Message)
		assert.Equal(t, "ID:1", msg.MessageID().String())
		assert.Equal(t, "ID:0", msg.CorrelationID().String())
		assert.Equal(t, map[string]string{"MyTest": "boo"}, msg.Headers())
	})

	t.Run("undecodable message is dropped before the handler", func(t *testing.T) {
		h := newRecordingHandler()
		l := NewBasicListener(h)

		l.OnDelivery(ctx, cc, &transport.Message{ID: "ID:1", Body: []byte(`{broken`)})
		assert.Empty(t, h.handled)
	})

	t.Run("handler errors and panics stay inside the listener", func(t *testing.T) {
		h := newRecordingHandler()
		h.err = errors.New("rejected")
		l := NewBasicListener(h)

		assert.NotPanics(t, func() {
			l.OnDelivery(ctx, cc, &transport.Message{ID: "ID:1", Body: []byte(`{"message":"x"}`)})
		})
		assert.Len(t, h.handled, 1)

		h.panics = true
		assert.NotPanics(t, func() {
			l.OnDelivery(ctx, cc, &transport.Message{ID: "ID:2", Body: []byte(`{"message":"x"}`)})
		})
	})
}

func TestRPCListener(t *testing.T) {
	ctx := context.Background()
	testq := contracts.MustParseEndpoint("queue://testq")

	t.Run("sends the response to the reply-to destination", func(t *testing.T) {
		_, factory := newTestFactory(t)
		p := NewMessageProcessor()

		server, err := factory.CreateConsumerContext(ctx, testq, "")
		require.NoError(t, err)
		replies, err := factory.CreateConsumerContext(ctx, contracts.TemporaryQueue, "")
		require.NoError(t, err)
		received := collectSimple(t, p, replies)

		h := newRecordingHandler()
		h.response = contracts.NewSimpleMessage("pong", nil)
		l := NewRPCListener(h, p)

		l.OnDelivery(ctx, server, &transport.Message{
			ID:      "ID:request",
			ReplyTo: replies.Destination(),
			Body:    []byte(`{"message":"ping"}`),
		})

		select {
		case got := <-received:
			assert.Equal(t, "pong", got.Message)
			assert.Equal(t, "ID:request", got.CorrelationID().String())
		case <-time.After(waitFor):
			t.Fatal("response not delivered")
		}
	})

	t.Run("echoes the correlation id of the request", func(t *testing.T) {
		_, factory := newTestFactory(t)
		p := NewMessageProcessor()

		server, err := factory.CreateConsumerContext(ctx, testq, "")
		require.NoError(t, err)
		replies, err := factory.CreateConsumerContext(ctx, contracts.TemporaryQueue, "")
		require.NoError(t, err)
		received := collectSimple(t, p, replies)

		h := newRecordingHandler()
		h.response = contracts.NewSimpleMessage("pong", nil)

		NewRPCListener(h, p).OnDelivery(ctx, server, &transport.Message{
			ID:            "ID:request",
			CorrelationID: "token-7",
			ReplyTo:       replies.Destination(),
			Body:          []byte(`{"message":"ping"}`),
		})

		select {
		case got := <-received:
			assert.Equal(t, "token-7", got.CorrelationID().String())
		case <-time.After(waitFor):
			t.Fatal("response not delivered")
		}
	})

	t.Run("keeps a correlation id set by the handler", func(t *testing.T) {
		_, factory := newTestFactory(t)
		p := NewMessageProcessor()

		server, err := factory.CreateConsumerContext(ctx, testq, "")
		require.NoError(t, err)
		replies, err := factory.CreateConsumerContext(ctx, contracts.TemporaryQueue, "")
		require.NoError(t, err)
		received := collectSimple(t, p, replies)

		cid, _ := contracts.NewMessageID("custom")
		resp := contracts.NewSimpleMessage("pong", nil)
		resp.SetCorrelationID(cid)
		h := newRecordingHandler()
		h.response = resp

		NewRPCListener(h, p).OnDelivery(ctx, server, &transport.Message{
			ID:      "ID:request",
			ReplyTo: replies.Destination(),
			Body:    []byte(`{"message":"ping"}`),
		})

		select {
		case got := <-received:
			assert.Equal(t, cid, got.CorrelationID())
		case <-time.After(waitFor):
			t.Fatal("response not delivered")
		}
	})

	t.Run("request without reply-to gets no response", func(t *testing.T) {
		h := newRecordingHandler()
		h.response = contracts.NewSimpleMessage("unused", nil)
		l := NewRPCListener(h, nil)

		cc := &ConsumerContext{ConnectionContext: ConnectionContext{
			destination: fakeDestination{endpoint: testq},
		}}
		assert.NotPanics(t, func() {
			l.OnDelivery(ctx, cc, &transport.Message{ID: "ID:1", Body: []byte(`{"message":"fire"}`)})
		})
		assert.Len(t, h.handled, 1)
	})

	t.Run("reply failures are logged, not raised", func(t *testing.T) {
		_, factory := newTestFactory(t)

		server, err := factory.CreateConsumerContext(ctx, testq, "")
		require.NoError(t, err)

		h := newRecordingHandler()
		h.response = contracts.NewSimpleMessage("pong", nil)
		l := NewRPCListener(h, nil)

		assert.NotPanics(t, func() {
			l.OnDelivery(ctx, server, &transport.Message{
				ID:      "ID:1",
				ReplyTo: fakeDestination{endpoint: contracts.TemporaryQueue},
				Body:    []byte(`{"message":"ping"}`),
			})
		})
		assert.Len(t, h.handled, 1)
	})
}
