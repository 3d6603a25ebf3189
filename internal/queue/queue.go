// Package queue defines the interface for reliable work queues.
// This abstraction allows swapping implementations (Redis, in-memory)
// without changing the code that submits or processes work.
//
// A message moves through the following states:
//
//	submit → ready → reserved → finished
//	                          → released (ready again, release count + 1)
//	                          → aborted  (set aside as failed)
//
// WaitAndTake skips the reserved state entirely: the message is considered
// delivered the moment it is popped and cannot be recovered if the consumer
// dies while processing it.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// State describes where a message was when it was returned to the caller.
type State string

const (
	// StateReady means the message is waiting in the ready list.
	StateReady State = "ready"
	// StateReserved means the message is checked out by a consumer.
	StateReserved State = "reserved"
	// StateDone means the message was taken and is no longer tracked.
	StateDone State = "done"
)

// Message is a unit of work returned by a queue.
type Message struct {
	// ID is the unique identifier assigned on submit.
	ID string `json:"identifier"`

	// Payload is the JSON encoded value that was submitted.
	Payload json.RawMessage `json:"payload"`

	// Releases is the number of times the message was released back
	// to the ready list after a failed processing attempt.
	Releases int `json:"releases"`

	// State reports the message state at the time it was returned.
	State State `json:"state"`
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Queue defines the operations every queue backend provides.
// A Queue instance is bound to a single queue name.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Submit adds a payload to the ready list and returns its identifier.
	// Returns ErrDuplicateIdentifier if the identifier is already in use.
	Submit(ctx context.Context, payload any, opts ...SubmitOption) (string, error)

	// WaitAndTake blocks up to timeout for a ready message and removes it
	// from the queue entirely. Returns nil, nil on timeout.
	// A timeout <= 0 uses the queue's default timeout.
	WaitAndTake(ctx context.Context, timeout time.Duration) (*Message, error)

	// WaitAndReserve blocks up to timeout for a ready message and moves it
	// to the processing list. Returns nil, nil on timeout.
	// A timeout <= 0 uses the queue's default timeout.
	WaitAndReserve(ctx context.Context, timeout time.Duration) (*Message, error)

	// Finish removes a reserved message for good.
	// Returns false if the message was not reserved.
	Finish(ctx context.Context, id string) (bool, error)

	// Release returns a reserved message to the ready list and
	// increments its release count.
	Release(ctx context.Context, id string, opts ...ReleaseOption) error

	// Abort moves a reserved message to the failed list.
	Abort(ctx context.Context, id string) error

	// Peek returns up to limit ready messages without removing them.
	// The first element is the next message to be taken.
	Peek(ctx context.Context, limit int) ([]*Message, error)

	// CountReady returns the number of ready messages.
	CountReady(ctx context.Context) (int, error)

	// CountReserved returns the number of reserved messages.
	CountReserved(ctx context.Context) (int, error)

	// CountFailed returns the number of aborted messages.
	CountFailed(ctx context.Context) (int, error)

	// SetUp prepares the backend for use (e.g. verifies the connection).
	SetUp(ctx context.Context) error

	// Flush removes all queue state. On Redis this clears the whole
	// logical database and must not be used on a shared database.
	Flush(ctx context.Context) error

	// Close releases any resources held by the queue.
	Close() error
}
