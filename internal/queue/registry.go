package queue

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Factory creates a queue bound to the given name.
type Factory func(name string) (Queue, error)

// ErrInvalidName is returned for empty or malformed queue names.
var ErrInvalidName = errors.New("invalid queue name")

// Registry lazily creates and caches one Queue per name.
// It is safe for concurrent use. The factory runs without holding the
// registry lock, and concurrent requests for the same new name share one
// factory call.
type Registry struct {
	factory  Factory
	queues   map[string]Queue
	closed   bool
	inflight singleflight.Group
	mu       sync.Mutex
}

// NewRegistry creates a registry that builds queues with factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		queues:  make(map[string]Queue),
	}
}

// ValidateName checks that name can be embedded in backend keys.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("%w: name must not contain line breaks", ErrInvalidName)
	}
	return nil
}

// Get returns the queue for name, creating it on first use.
func (r *Registry) Get(name string) (Queue, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	if q, ok, err := r.cached(name); ok || err != nil {
		return q, err
	}

	v, err, _ := r.inflight.Do(name, func() (any, error) {
		if q, ok, err := r.cached(name); ok || err != nil {
			return q, err
		}

		q, err := r.factory(name)
		if err != nil {
			return nil, fmt.Errorf("failed to create queue %q: %w", name, err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = q.Close()
			return nil, ErrClosed
		}
		r.queues[name] = q
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Queue), nil
}

func (r *Registry) cached(name string) (Queue, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, ErrClosed
	}
	q, ok := r.queues[name]
	return q, ok, nil
}

// Names returns the names of all queues created so far.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	return names
}

// Close closes every queue created by the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for name, q := range r.queues {
		if err := q.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close queue %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
