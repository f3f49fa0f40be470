package messaging

import (
	"context"

	"github.com/glimte/mmate-bus/codec"
	"github.com/glimte/mmate-bus/contracts"
)

// Decoder turns a wire body into an envelope of a fixed concrete type
type Decoder func(body []byte) (contracts.Envelope, error)

// Handler decodes incoming bodies and processes the resulting envelopes.
// Handle returns the response to send back, or nil when there is none.
type Handler interface {
	Decode(body []byte) (contracts.Envelope, error)
	Handle(ctx context.Context, msg contracts.Envelope) (contracts.Envelope, error)
}

// EnvelopePointer is satisfied by *T when *T implements contracts.Envelope
type EnvelopePointer[T any] interface {
	*T
	contracts.Envelope
}

// DecoderFor returns a Decoder producing *T values with the given codec.
// T names the expected envelope type, e.g. DecoderFor[contracts.SimpleMessage](c).
func DecoderFor[T any, PT EnvelopePointer[T]](c codec.Codec) Decoder {
	return func(body []byte) (contracts.Envelope, error) {
		var v T
		if err := c.Decode(body, &v); err != nil {
			return nil, err
		}
		return PT(&v), nil
	}
}

// HandlerFunc processes a decoded envelope of type *T
type HandlerFunc[T any, PT EnvelopePointer[T]] func(ctx context.Context, msg PT) (contracts.Envelope, error)

type typedHandler[T any, PT EnvelopePointer[T]] struct {
	decode Decoder
	fn     HandlerFunc[T, PT]
}

// NewHandler builds a Handler that decodes bodies into *T and passes them to fn
func NewHandler[T any, PT EnvelopePointer[T]](c codec.Codec, fn HandlerFunc[T, PT]) Handler {
	return &typedHandler[T, PT]{
		decode: DecoderFor[T, PT](c),
		fn:     fn,
	}
}

func (h *typedHandler[T, PT]) Decode(body []byte) (contracts.Envelope, error) {
	return h.decode(body)
}

func (h *typedHandler[T, PT]) Handle(ctx context.Context, msg contracts.Envelope) (contracts.Envelope, error) {
	typed, ok := msg.(PT)
	if !ok {
		return nil, &DecodeError{
			MessageID: msg.MessageID().String(),
			Err:       errUnexpectedType(msg),
		}
	}
	return h.fn(ctx, typed)
}
