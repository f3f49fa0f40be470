package contracts

import (
	"fmt"
	"maps"
)

// BasicMessage provides the Envelope metadata for concrete message types.
// Embed it by value and pass the outer message by pointer.
type BasicMessage struct {
	messageID     MessageID
	correlationID MessageID
	headers       map[string]string
}

// MessageID returns the transport-assigned id, if any
func (m *BasicMessage) MessageID() MessageID {
	return m.messageID
}

// SetMessageID sets the message id
func (m *BasicMessage) SetMessageID(id MessageID) {
	m.messageID = id
}

// CorrelationID returns the id of the message this one answers, if any
func (m *BasicMessage) CorrelationID() MessageID {
	return m.correlationID
}

// SetCorrelationID sets the correlation id
func (m *BasicMessage) SetCorrelationID(id MessageID) {
	m.correlationID = id
}

// Headers returns a copy of the message headers
func (m *BasicMessage) Headers() map[string]string {
	if len(m.headers) == 0 {
		return map[string]string{}
	}
	return maps.Clone(m.headers)
}

// SetHeaders replaces the message headers. A nil or empty map clears them.
func (m *BasicMessage) SetHeaders(headers map[string]string) {
	if len(headers) == 0 {
		m.headers = nil
		return
	}
	m.headers = maps.Clone(headers)
}

// String renders the metadata for logging
func (m *BasicMessage) String() string {
	return fmt.Sprintf("message-id=%s, correlation-id=%s, headers=%v", m.messageID, m.correlationID, m.headers)
}

// SimpleMessage carries a text message and optional string details
type SimpleMessage struct {
	BasicMessage `json:"-" msgpack:"-"`
	Message      string            `json:"message" msgpack:"message"`
	Details      map[string]string `json:"details,omitempty" msgpack:"details,omitempty"`
}

// NewSimpleMessage creates a message with its own copy of details
func NewSimpleMessage(message string, details map[string]string) *SimpleMessage {
	msg := &SimpleMessage{Message: message}
	if len(details) > 0 {
		msg.Details = maps.Clone(details)
	}
	return msg
}

// String renders the message for logging
func (m *SimpleMessage) String() string {
	return fmt.Sprintf("SimpleMessage: [%s, message=%q, details=%v]", m.BasicMessage.String(), m.Message, m.Details)
}
