// Package msgpack provides a MessagePack codec for bus payloads.
// Bodies are binary; use it only when every peer decodes msgpack.
package msgpack

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/glimte/mmate-bus/codec"
)

type Codec struct{}

var _ codec.Codec = &Codec{}

func (c *Codec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *Codec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *Codec) ContentType() string {
	return "application/msgpack"
}

func New() *Codec {
	return &Codec{}
}
