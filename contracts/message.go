package contracts

// MessageID identifies a sent message. Transports assign it after a
// successful send; the zero value means no id has been assigned.
type MessageID struct {
	id string
}

// NewMessageID wraps a transport-assigned id
func NewMessageID(id string) (MessageID, error) {
	if id == "" {
		return MessageID{}, ErrEmptyMessageID
	}
	return MessageID{id: id}, nil
}

// IsZero reports whether no id is set
func (m MessageID) IsZero() bool {
	return m.id == ""
}

// String returns the raw id
func (m MessageID) String() string {
	return m.id
}
