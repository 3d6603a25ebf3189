// Package worker runs the reserve, handle and acknowledge loop on top of a
// queue.
//
// Every message is reserved before the handler sees it. A handler that
// returns nil finishes the message. A handler that fails releases it for
// another attempt until the message has been released MaxReleases times,
// after which it is aborted and set aside in the failed list.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"jobqueue-go/internal/config"
	"jobqueue-go/internal/metrics"
	"jobqueue-go/internal/queue"
)

// Job outcome label values.
const (
	resultFinished = "finished"
	resultReleased = "released"
	resultAborted  = "aborted"
)

// ErrHandlerPanic is reported for a handler that panicked.
var ErrHandlerPanic = errors.New("handler panicked")

// Handler processes one reserved message.
type Handler func(ctx context.Context, msg *queue.Message) error

// Options tune the worker loop.
type Options struct {
	// Concurrency is the number of messages processed in parallel.
	Concurrency int

	// MaxReleases is how many times a failed message is released before it
	// is aborted. Zero aborts on the first failure.
	MaxReleases int

	// Timeout bounds each blocking reserve call.
	Timeout time.Duration

	// ReleaseToBack queues failed messages behind pending work instead of
	// retrying them immediately.
	ReleaseToBack bool

	// ErrorDelay is the pause after a failed reserve.
	ErrorDelay time.Duration

	// AckTimeout bounds finish, release and abort calls, which still run
	// after the loop context is canceled.
	AckTimeout time.Duration
}

// OptionsFromConfig builds worker options from the shared queue settings.
func OptionsFromConfig(cfg *config.QueueConfig) Options {
	return Options{
		MaxReleases: cfg.MaxReleases,
		Timeout:     cfg.DefaultTimeout,
	}
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxReleases < 0 {
		o.MaxReleases = 0
	}
	if o.ErrorDelay <= 0 {
		o.ErrorDelay = time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
}

// Service consumes one queue with a handler.
type Service struct {
	queue   queue.Queue
	handler Handler
	opts    Options
	logger  *slog.Logger
}

// NewService creates a worker service.
func NewService(q queue.Queue, handler Handler, opts Options, logger *slog.Logger) *Service {
	opts.applyDefaults()
	return &Service{
		queue:   q,
		handler: handler,
		opts:    opts,
		logger:  logger.With("queue", q.Name()),
	}
}

// Start processes messages until ctx is canceled. It returns nil after a
// cancellation and an error when the queue can no longer be used, such as
// after an authentication failure or when the queue was closed.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting worker", "concurrency", s.opts.Concurrency, "max_releases", s.opts.MaxReleases)

	g, ctx := errgroup.WithContext(ctx)
	for range s.opts.Concurrency {
		g.Go(func() error {
			return s.loop(ctx)
		})
	}

	err := g.Wait()
	s.logger.Info("worker stopped")
	return err
}

func (s *Service) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		msg, err := s.queue.WaitAndReserve(ctx, s.opts.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrAuthentication) || errors.Is(err, queue.ErrClosed) {
				s.logger.Error("worker cannot continue", "error", err)
				return err
			}
			s.logger.Error("failed to reserve message", "error", err)
			if !pause(ctx, s.opts.ErrorDelay) {
				return nil
			}
			continue
		}
		if msg == nil {
			continue
		}

		s.handleMessage(ctx, msg)
	}
}

// handleMessage runs the handler and acknowledges the outcome.
func (s *Service) handleMessage(ctx context.Context, msg *queue.Message) {
	err := s.run(ctx, msg)

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.AckTimeout)
	defer cancel()

	if err == nil {
		finished, ferr := s.queue.Finish(ackCtx, msg.ID)
		if ferr != nil {
			s.logger.Error("failed to finish message", "id", msg.ID, "error", ferr)
			return
		}
		if !finished {
			s.logger.Warn("message was no longer reserved", "id", msg.ID)
		}
		metrics.JobsTotal.WithLabelValues(s.queue.Name(), resultFinished).Inc()
		return
	}

	if msg.Releases < s.opts.MaxReleases {
		s.logger.Warn("handler failed, releasing message",
			"id", msg.ID,
			"releases", msg.Releases,
			"error", err,
		)
		var opts []queue.ReleaseOption
		if s.opts.ReleaseToBack {
			opts = append(opts, queue.ReleaseToBack())
		}
		if rerr := s.queue.Release(ackCtx, msg.ID, opts...); rerr != nil {
			s.logger.Error("failed to release message", "id", msg.ID, "error", rerr)
			return
		}
		metrics.JobsTotal.WithLabelValues(s.queue.Name(), resultReleased).Inc()
		return
	}

	s.logger.Error("handler failed too often, aborting message",
		"id", msg.ID,
		"releases", msg.Releases,
		"error", err,
	)
	if aerr := s.queue.Abort(ackCtx, msg.ID); aerr != nil {
		s.logger.Error("failed to abort message", "id", msg.ID, "error", aerr)
		return
	}
	metrics.JobsTotal.WithLabelValues(s.queue.Name(), resultAborted).Inc()
}

// run calls the handler and turns a panic into an error.
func (s *Service) run(ctx context.Context, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "id", msg.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return s.handler(ctx, msg)
}

// pause waits for d and reports false if ctx ended first.
func pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
