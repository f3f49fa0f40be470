package contracts

import (
	"errors"
)

var (
	// ErrInvalidEndpoint is returned when an endpoint cannot be built or parsed
	ErrInvalidEndpoint = errors.New("contracts: invalid endpoint")

	// ErrEmptyMessageID is returned when a message id is constructed from an empty string
	ErrEmptyMessageID = errors.New("contracts: message id cannot be empty")
)
