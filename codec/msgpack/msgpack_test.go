package msgpack

import (
	"testing"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec(t *testing.T) {
	c := New()

	in := contracts.NewSimpleMessage("hello", map[string]string{"a": "b"})
	in.SetHeaders(map[string]string{"h": "v"})

	body, err := c.Encode(in)
	require.NoError(t, err)

	var out contracts.SimpleMessage
	require.NoError(t, c.Decode(body, &out))
	assert.Equal(t, "hello", out.Message)
	assert.Equal(t, map[string]string{"a": "b"}, out.Details)
	assert.Empty(t, out.Headers(), "headers are not part of the payload")

	assert.Error(t, c.Decode([]byte{0xc1}, &out))
	assert.Equal(t, "application/msgpack", c.ContentType())
}
