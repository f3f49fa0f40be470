package contracts

// Envelope is implemented by every message exchanged through the bus.
// Message id, correlation id and headers are transport metadata; codecs
// serialize only the payload fields of the concrete type.
type Envelope interface {
	MessageID() MessageID
	SetMessageID(id MessageID)
	CorrelationID() MessageID
	SetCorrelationID(id MessageID)
	Headers() map[string]string
	SetHeaders(headers map[string]string)
}
