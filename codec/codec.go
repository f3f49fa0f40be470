// Package codec defines how message payloads are serialized to wire bodies.
package codec

// Codec serializes payloads to and from wire bodies.
// Implementations must ignore envelope metadata, which travels out of band.
type Codec interface {
	// Encode serializes v into bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes data into v.
	Decode(data []byte, v any) error

	// ContentType names the encoding, e.g. "application/json".
	ContentType() string
}
