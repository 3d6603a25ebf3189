package queue

import "errors"

// Errors shared by all queue backends.
var (
	// ErrConnection is returned when the backing store cannot be reached
	// or a usable connection cannot be re-established.
	ErrConnection = errors.New("queue connection failed")

	// ErrAuthentication is returned when the backing store rejects the
	// configured credentials.
	ErrAuthentication = errors.New("queue authentication failed")

	// ErrDuplicateIdentifier is returned when a message is submitted with
	// an identifier that is already in use.
	ErrDuplicateIdentifier = errors.New("duplicate message identifier")

	// ErrClosed is returned when operating on a closed queue.
	ErrClosed = errors.New("queue is closed")
)
