// Package json provides the default JSON codec for bus payloads.
// It uses goccy/go-json, a drop-in replacement for encoding/json.
package json

import (
	json "github.com/goccy/go-json"

	"github.com/glimte/mmate-bus/codec"
)

// Codec implements codec.Codec using JSON serialization.
// The output is UTF-8 text.
type Codec struct{}

var _ codec.Codec = &Codec{}

// Encode serializes v to JSON bytes.
func (c *Codec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes into v.
func (c *Codec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// ContentType returns application/json
func (c *Codec) ContentType() string {
	return "application/json"
}

// New creates a new JSON codec.
func New() *Codec {
	return &Codec{}
}
