package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	t.Run("parses queue scheme", func(t *testing.T) {
		e, err := ParseEndpoint("queue://the-name")
		require.NoError(t, err)
		assert.Equal(t, QueueType, e.Type())
		assert.Equal(t, "the-name", e.Name())
		assert.False(t, e.IsTemporary())
		assert.Equal(t, "queue://the-name", e.String())
	})

	t.Run("parses topic scheme", func(t *testing.T) {
		e, err := ParseEndpoint("topic://another-name")
		require.NoError(t, err)
		assert.Equal(t, TopicType, e.Type())
		assert.Equal(t, "another-name", e.Name())
		assert.Equal(t, "topic://another-name", e.String())
	})

	t.Run("rejects unknown scheme", func(t *testing.T) {
		_, err := ParseEndpoint("foo://name")
		assert.ErrorIs(t, err, ErrInvalidEndpoint)
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := ParseEndpoint("")
		assert.ErrorIs(t, err, ErrInvalidEndpoint)
	})

	t.Run("rejects empty name", func(t *testing.T) {
		_, err := ParseEndpoint("queue://")
		assert.ErrorIs(t, err, ErrInvalidEndpoint)
	})

	t.Run("MustParseEndpoint panics on invalid input", func(t *testing.T) {
		assert.Panics(t, func() { MustParseEndpoint("bogus") })
	})
}

func TestEndpointEquality(t *testing.T) {
	q1, _ := NewEndpoint(QueueType, "foo")
	q1Dup, _ := NewEndpoint(QueueType, "foo")
	t1, _ := NewEndpoint(TopicType, "foo")
	t1Dup, _ := NewEndpoint(TopicType, "foo")
	q2, _ := NewEndpoint(QueueType, "bar")
	t2, _ := NewEndpoint(TopicType, "bar")

	assert.Equal(t, q1, q1Dup)
	assert.Equal(t, t1, t1Dup)
	assert.True(t, q1 == q1Dup)

	assert.NotEqual(t, q1, q2)
	assert.NotEqual(t, q1, t1)
	assert.NotEqual(t, q1, t2)
	assert.NotEqual(t, t1, t2)

	tmp, err := NewTemporaryEndpoint(QueueType, "foo")
	require.NoError(t, err)
	assert.NotEqual(t, q1, tmp, "temporariness is part of identity")
}

func TestTemporaryMarkers(t *testing.T) {
	assert.True(t, TemporaryQueue.IsTemporary())
	assert.Equal(t, QueueType, TemporaryQueue.Type())
	assert.True(t, TemporaryTopic.IsTemporary())
	assert.Equal(t, TopicType, TemporaryTopic.Type())
	assert.False(t, TemporaryQueue.IsZero())
	assert.True(t, Endpoint{}.IsZero())
}

func TestNewEndpointValidation(t *testing.T) {
	_, err := NewEndpoint(EndpointType(7), "x")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	_, err = NewTemporaryEndpoint(TopicType, "")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}
