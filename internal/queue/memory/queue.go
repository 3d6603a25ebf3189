// Package memory provides an in-memory implementation of the queue interface.
// This is useful for testing and development without external dependencies.
// It follows the same lifecycle rules as the Redis backend, but state lives
// only as long as the process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobqueue-go/internal/queue"
)

// DefaultTimeout is used for blocking waits when no timeout is given.
const DefaultTimeout = 30 * time.Second

// Queue is an in-memory implementation of queue.Queue.
// This implementation is safe for concurrent use.
type Queue struct {
	name           string
	defaultTimeout time.Duration

	ready      list // head is index 0, messages are taken from the tail
	processing list
	failed     list
	ids        map[string]string
	releases   map[string]int

	// notify is closed and replaced whenever a message becomes ready,
	// waking every blocked waiter.
	notify chan struct{}
	closed bool
	mu     sync.Mutex
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue creates a new in-memory queue. A defaultTimeout <= 0
// falls back to DefaultTimeout.
func NewQueue(name string, defaultTimeout time.Duration) *Queue {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Queue{
		name:           name,
		defaultTimeout: defaultTimeout,
		ids:            make(map[string]string),
		releases:       make(map[string]int),
		notify:         make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Submit adds a payload to the ready list.
func (q *Queue) Submit(ctx context.Context, payload any, opts ...queue.SubmitOption) (string, error) {
	o := queue.ApplySubmitOptions(opts...)
	id := o.Identifier
	if id == "" {
		id = uuid.NewString()
	}

	env, err := queue.NewEnvelope(id, payload)
	if err != nil {
		return "", err
	}
	encoded, err := queue.EncodeEnvelope(env)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", queue.ErrClosed
	}
	if _, exists := q.ids[id]; exists {
		return "", queue.ErrDuplicateIdentifier
	}

	q.ids[id] = encoded
	q.ready.pushHead(id)
	q.broadcast()
	return id, nil
}

// WaitAndTake blocks until a message is ready and removes it entirely.
func (q *Queue) WaitAndTake(ctx context.Context, timeout time.Duration) (*queue.Message, error) {
	return q.wait(ctx, timeout, func(id string) *queue.Message {
		msg := q.message(id, queue.StateDone)
		delete(q.ids, id)
		delete(q.releases, id)
		return msg
	})
}

// WaitAndReserve blocks until a message is ready and moves it to processing.
func (q *Queue) WaitAndReserve(ctx context.Context, timeout time.Duration) (*queue.Message, error) {
	return q.wait(ctx, timeout, func(id string) *queue.Message {
		q.processing.pushHead(id)
		return q.message(id, queue.StateReserved)
	})
}

// wait pops the tail of the ready list, blocking up to timeout.
// onPop runs with the lock held.
func (q *Queue) wait(ctx context.Context, timeout time.Duration, onPop func(id string) *queue.Message) (*queue.Message, error) {
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queue.ErrClosed
		}
		if id, ok := q.ready.popTail(); ok {
			msg := onPop(id)
			q.mu.Unlock()
			return msg, nil
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Finish removes a reserved message.
func (q *Queue) Finish(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, queue.ErrClosed
	}

	removed := q.processing.remove(id)
	delete(q.ids, id)
	delete(q.releases, id)
	return removed > 0, nil
}

// Release returns a reserved message to the ready list.
func (q *Queue) Release(ctx context.Context, id string, opts ...queue.ReleaseOption) error {
	o := queue.ApplyReleaseOptions(opts...)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}
	if q.processing.remove(id) == 0 {
		return nil
	}

	q.releases[id]++
	if o.ToBack {
		q.ready.pushHead(id)
	} else {
		q.ready.pushTail(id)
	}
	q.broadcast()
	return nil
}

// Abort moves a reserved message to the failed list.
func (q *Queue) Abort(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}
	if q.processing.remove(id) == 1 {
		q.failed.pushHead(id)
	}
	return nil
}

// Peek returns up to limit ready messages, next to be taken first.
func (q *Queue) Peek(ctx context.Context, limit int) ([]*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.ErrClosed
	}

	messages := make([]*queue.Message, 0)
	for i := len(q.ready) - 1; i >= 0 && len(messages) < limit; i-- {
		messages = append(messages, q.message(q.ready[i], queue.StateReady))
	}
	return messages, nil
}

// CountReady returns the number of ready messages.
func (q *Queue) CountReady(ctx context.Context) (int, error) {
	return q.count(&q.ready)
}

// CountReserved returns the number of reserved messages.
func (q *Queue) CountReserved(ctx context.Context) (int, error) {
	return q.count(&q.processing)
}

// CountFailed returns the number of aborted messages.
func (q *Queue) CountFailed(ctx context.Context) (int, error) {
	return q.count(&q.failed)
}

func (q *Queue) count(l *list) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, queue.ErrClosed
	}
	return len(*l), nil
}

// SetUp is a no-op for the in-memory queue.
func (q *Queue) SetUp(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}
	return nil
}

// Flush removes all messages.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrClosed
	}
	q.ready = nil
	q.processing = nil
	q.failed = nil
	q.ids = make(map[string]string)
	q.releases = make(map[string]int)
	return nil
}

// Close shuts down the queue and wakes any blocked waiters.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.notify)
	return nil
}

// message builds a Message for id. Must be called with the lock held.
func (q *Queue) message(id string, state queue.State) *queue.Message {
	msg := &queue.Message{
		ID:       id,
		Releases: q.releases[id],
		State:    state,
	}
	if encoded, ok := q.ids[id]; ok {
		if env, err := queue.DecodeEnvelope(encoded); err == nil {
			msg.Payload = env.Payload
		}
	}
	return msg
}

// broadcast wakes all waiters. Must be called with the lock held.
func (q *Queue) broadcast() {
	close(q.notify)
	q.notify = make(chan struct{})
}
