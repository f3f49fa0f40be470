package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

var (
	// Factory errors
	ErrFactoryClosed = errors.New("messaging: context factory is closed")

	// Argument errors
	ErrNilContext  = errors.New("messaging: context must not be nil")
	ErrNilMessage  = errors.New("messaging: message must not be nil")
	ErrNilListener = errors.New("messaging: listener must not be nil")
	ErrNilDecoder  = errors.New("messaging: decoder must not be nil")

	// Future errors
	ErrResponseTimeout = errors.New("messaging: timed out waiting for response")
	ErrFutureCancelled = errors.New("messaging: response future was cancelled")
	ErrCannotCancel    = errors.New("messaging: cannot cancel a pending response without interrupting delivery")
)

// ConnectionError reports a failure creating a connection, session, destination or handle
type ConnectionError struct {
	Op        string             // Operation that failed
	Endpoint  contracts.Endpoint // Endpoint being resolved, if any
	Err       error              // Underlying error
	Timestamp time.Time          // When the error occurred
}

func (e *ConnectionError) Error() string {
	if e.Endpoint.IsZero() {
		return fmt.Sprintf("messaging connection error: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("messaging connection error: %s failed for %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SendError reports a failure encoding or sending a message
type SendError struct {
	Endpoint  contracts.Endpoint // Destination of the send
	Err       error              // Underlying error
	Timestamp time.Time          // When the error occurred
}

func (e *SendError) Error() string {
	return fmt.Sprintf("messaging send error: failed to send to %s: %v", e.Endpoint, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// DecodeError reports a delivered message that could not be turned into an envelope.
// Listeners log it and drop the message.
type DecodeError struct {
	MessageID string // Transport id of the offending message
	Err       error  // Underlying error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("messaging decode error: message %s: %v", e.MessageID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func connectionError(op string, endpoint contracts.Endpoint, err error) error {
	return &ConnectionError{Op: op, Endpoint: endpoint, Err: err, Timestamp: time.Now()}
}
