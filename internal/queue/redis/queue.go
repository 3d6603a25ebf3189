// Package redis provides a Redis backed implementation of the queue interface.
//
// Ready messages are kept in a list of identifiers while the encoded
// payloads live in a hash, so a message can move between lists by
// identifier alone. Reserving a message moves its identifier from the ready
// list to the processing list in one BRPOPLPUSH, which means a consumer
// that dies right after receiving it leaves the identifier behind in the
// processing list where it can be recovered.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"jobqueue-go/internal/config"
	"jobqueue-go/internal/metrics"
	"jobqueue-go/internal/queue"
)

const backendName = "redis"

// DefaultTimeout is used for blocking waits when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Queue implements queue.Queue on top of Redis lists and hashes.
type Queue struct {
	name           string
	keys           Keys
	conn           *Conn
	defaultTimeout time.Duration
	logger         *slog.Logger
}

var _ queue.Queue = (*Queue)(nil)

// New creates a queue using conn and verifies that Redis is reachable.
// A defaultTimeout <= 0 falls back to DefaultTimeout. If New fails, conn is
// left open so a later attempt continues its backoff.
func New(ctx context.Context, name string, conn *Conn, defaultTimeout time.Duration, logger *slog.Logger) (*Queue, error) {
	if err := queue.ValidateName(name); err != nil {
		return nil, err
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}

	q := &Queue{
		name:           name,
		keys:           KeysFor(name),
		conn:           conn,
		defaultTimeout: defaultTimeout,
		logger:         logger.With("queue", name),
	}

	if err := q.SetUp(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return q, nil
}

// NewFactory returns a queue.Factory that gives every queue its own
// connection to the configured Redis server. A queue that cannot connect
// keeps its connection for the next attempt, so repeated attempts back off
// instead of starting over at the initial delay.
func NewFactory(cfg *config.RedisConfig, defaultTimeout time.Duration, logger *slog.Logger) queue.Factory {
	var (
		mu      sync.Mutex
		pending = make(map[string]*Conn)
	)

	return func(name string) (queue.Queue, error) {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()

		mu.Lock()
		conn, ok := pending[name]
		if !ok {
			conn = NewConn(OptionsFromConfig(cfg), logger)
			pending[name] = conn
		}
		mu.Unlock()

		q, err := New(ctx, name, conn, defaultTimeout, logger)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		delete(pending, name)
		mu.Unlock()
		return q, nil
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Keys returns the Redis keys used by the queue.
func (q *Queue) Keys() Keys {
	return q.keys
}

// Submit stores the payload under a new identifier and makes it ready.
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

	// A repeated attempt may follow a submit whose reply was lost. It then
	// counts as submitted if the stored envelope is the one sent.
	var (
		added    int64
		attempts int
	)
	err = q.do(ctx, "submit", func(c *redis.Client) error {
		attempts++
		replay := "0"
		if attempts > 1 {
			replay = "1"
		}
		res, err := submitScript.Run(ctx, c, []string{q.keys.IDs, q.keys.Messages}, id, encoded, replay).Int64()
		if err != nil {
			return err
		}
		added = res
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit message: %w", err)
	}
	if added == 0 {
		return "", fmt.Errorf("%w: %q", queue.ErrDuplicateIdentifier, id)
	}

	q.logger.Debug("message submitted", "id", id)
	return id, nil
}

// WaitAndTake pops the next ready message and forgets it. There is no
// processing record, so the message is lost if the caller crashes before
// handling it.
func (q *Queue) WaitAndTake(ctx context.Context, timeout time.Duration) (*queue.Message, error) {
	timeout = q.timeout(timeout)

	var id string
	err := q.do(ctx, "take", func(c *redis.Client) error {
		res, err := c.BRPop(ctx, timeout, q.keys.Messages).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		id = res[1]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to take message: %w", err)
	}
	if id == "" {
		return nil, nil
	}

	var encoded *redis.StringCmd
	err = q.do(ctx, "take.resolve", func(c *redis.Client) error {
		_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			encoded = pipe.HGet(ctx, q.keys.IDs, id)
			pipe.HDel(ctx, q.keys.IDs, id)
			pipe.HDel(ctx, q.keys.Releases, id)
			return nil
		})
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve taken message %q: %w", id, err)
	}

	return q.message(id, stringResult(encoded), 0, queue.StateDone), nil
}

// WaitAndReserve atomically moves the next ready message to the
// processing list and returns it.
func (q *Queue) WaitAndReserve(ctx context.Context, timeout time.Duration) (*queue.Message, error) {
	timeout = q.timeout(timeout)

	var id string
	err := q.do(ctx, "reserve", func(c *redis.Client) error {
		res, err := c.BRPopLPush(ctx, q.keys.Messages, q.keys.Processing, timeout).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		id = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reserve message: %w", err)
	}
	if id == "" {
		return nil, nil
	}

	var encoded, releases *redis.StringCmd
	err = q.do(ctx, "reserve.resolve", func(c *redis.Client) error {
		_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			encoded = pipe.HGet(ctx, q.keys.IDs, id)
			releases = pipe.HGet(ctx, q.keys.Releases, id)
			return nil
		})
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve reserved message %q: %w", id, err)
	}

	return q.message(id, stringResult(encoded), releaseCount(stringResult(releases)), queue.StateReserved), nil
}

// Finish removes a reserved message and its payload. It returns false if
// the message was not in the processing list, which callers should treat
// as a harmless double finish. This includes a finish whose reply was lost
// and which was then repeated: the message is gone, but the repeated
// attempt finds nothing to remove.
func (q *Queue) Finish(ctx context.Context, id string) (bool, error) {
	var removed *redis.IntCmd
	err := q.do(ctx, "finish", func(c *redis.Client) error {
		_, err := c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			removed = pipe.LRem(ctx, q.keys.Processing, 0, id)
			pipe.HDel(ctx, q.keys.IDs, id)
			pipe.HDel(ctx, q.keys.Releases, id)
			return nil
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to finish message %q: %w", id, err)
	}
	return removed.Val() > 0, nil
}

// Release returns a reserved message to the ready list and increments its
// release count. By default the message becomes the next one to be taken;
// pass queue.ReleaseToBack to queue it behind all pending work instead.
func (q *Queue) Release(ctx context.Context, id string, opts ...queue.ReleaseOption) error {
	o := queue.ApplyReleaseOptions(opts...)
	position := "next"
	if o.ToBack {
		position = "back"
	}

	var removed int64
	err := q.do(ctx, "release", func(c *redis.Client) error {
		keys := []string{q.keys.Processing, q.keys.Releases, q.keys.Messages}
		res, err := releaseScript.Run(ctx, c, keys, id, position).Int64()
		if err != nil {
			return err
		}
		removed = res
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release message %q: %w", id, err)
	}
	if removed == 0 {
		q.logger.Debug("release ignored, message not reserved", "id", id)
	}
	return nil
}

// Abort moves a reserved message to the failed list.
func (q *Queue) Abort(ctx context.Context, id string) error {
	var removed int64
	err := q.do(ctx, "abort", func(c *redis.Client) error {
		res, err := abortScript.Run(ctx, c, []string{q.keys.Processing, q.keys.Failed}, id).Int64()
		if err != nil {
			return err
		}
		removed = res
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to abort message %q: %w", id, err)
	}
	if removed != 1 {
		q.logger.Debug("abort ignored, message not reserved exactly once", "id", id, "removed", removed)
	}
	return nil
}

// Peek returns up to limit ready messages without changing the queue.
// The first element is the next message to be taken.
func (q *Queue) Peek(ctx context.Context, limit int) ([]*queue.Message, error) {
	messages := make([]*queue.Message, 0)
	if limit <= 0 {
		return messages, nil
	}

	var values []interface{}
	err := q.do(ctx, "peek", func(c *redis.Client) error {
		keys := []string{q.keys.Messages, q.keys.IDs, q.keys.Releases}
		res, err := peekScript.Run(ctx, c, keys, limit).Slice()
		if err != nil {
			return err
		}
		values = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to peek messages: %w", err)
	}

	// The script returns list order, oldest (next to be taken) last.
	for i := len(values) - 3; i >= 0; i -= 3 {
		id, _ := values[i].(string)
		encoded, _ := values[i+1].(string)
		releases, _ := values[i+2].(string)
		messages = append(messages, q.message(id, encoded, releaseCount(releases), queue.StateReady))
	}
	return messages, nil
}

// CountReady returns the length of the ready list.
func (q *Queue) CountReady(ctx context.Context) (int, error) {
	return q.length(ctx, "count_ready", q.keys.Messages)
}

// CountReserved returns the length of the processing list.
func (q *Queue) CountReserved(ctx context.Context) (int, error) {
	return q.length(ctx, "count_reserved", q.keys.Processing)
}

// CountFailed returns the length of the failed list.
func (q *Queue) CountFailed(ctx context.Context) (int, error) {
	return q.length(ctx, "count_failed", q.keys.Failed)
}

func (q *Queue) length(ctx context.Context, op, key string) (int, error) {
	var n int64
	err := q.do(ctx, op, func(c *redis.Client) error {
		res, err := c.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", key, err)
	}
	return int(n), nil
}

// SetUp verifies that Redis is reachable.
func (q *Queue) SetUp(ctx context.Context) error {
	_, err := q.conn.Ensure(ctx)
	return err
}

// Flush clears the whole Redis database selected for this queue,
// including keys of other queues and applications sharing it.
func (q *Queue) Flush(ctx context.Context) error {
	err := q.do(ctx, "flush", func(c *redis.Client) error {
		return c.FlushDB(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to flush database: %w", err)
	}
	q.logger.Warn("redis database flushed", "db", q.conn.opts.DB)
	return nil
}

// Close closes the underlying connection.
func (q *Queue) Close() error {
	return q.conn.Close()
}

// do runs fn against a live client. If fn fails for any reason other than
// cancellation, the connection is re-established and fn runs once more.
// fn must be safe to repeat.
func (q *Queue) do(ctx context.Context, op string, fn func(c *redis.Client) error) (err error) {
	start := time.Now()
	defer func() {
		metrics.ObserveOperation(backendName, q.name, op, start, err)
	}()

	client, err := q.conn.Ensure(ctx)
	if err != nil {
		return err
	}

	err = fn(client)
	if err == nil || !shouldRetry(ctx, err) {
		return err
	}

	q.logger.Warn("redis command failed, reconnecting", "operation", op, "error", err)

	client, err = q.conn.Reconnect(ctx, client)
	if err != nil {
		return err
	}

	err = fn(client)
	if err != nil && shouldRetry(ctx, err) {
		return fmt.Errorf("%w: %s: %v", queue.ErrConnection, op, err)
	}
	return err
}

// shouldRetry reports whether err may be caused by a broken connection.
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, queue.ErrClosed) {
		return false
	}
	return true
}

func (q *Queue) timeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return q.defaultTimeout
	}
	return timeout
}

// message assembles a Message from stored values. A missing or corrupt
// envelope yields a message without payload so that a reserved
// identifier is never dropped.
func (q *Queue) message(id, encoded string, releases int, state queue.State) *queue.Message {
	msg := &queue.Message{
		ID:       id,
		Releases: releases,
		State:    state,
	}
	if encoded == "" {
		q.logger.Warn("message has no stored payload", "id", id)
		return msg
	}

	env, err := queue.DecodeEnvelope(encoded)
	if err != nil {
		q.logger.Error("failed to decode stored message", "id", id, "error", err)
		return msg
	}
	msg.Payload = env.Payload
	return msg
}

// stringResult returns the value of cmd, or "" if it is unset or nil.
func stringResult(cmd *redis.StringCmd) string {
	if cmd == nil {
		return ""
	}
	return cmd.Val()
}

func releaseCount(value string) int {
	if value == "" {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}
