package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"jobqueue-go/internal/config"
	"jobqueue-go/internal/metrics"
	"jobqueue-go/internal/queue"
)

// Reconnect backoff: the delay starts at one second, grows by half after
// every failed attempt and never exceeds thirty seconds.
const (
	reconnectInitialDelay = time.Second
	reconnectMultiplier   = 1.5
	reconnectMaxDelay     = 30 * time.Second
)

// dialFunc opens a new client. Replaced in tests.
type dialFunc func(opts *redis.Options) *redis.Client

// sleepFunc waits for d or until ctx is done. Replaced in tests.
type sleepFunc func(ctx context.Context, d time.Duration) error

// Conn owns the client used by one queue and re-establishes it when Redis
// goes away. Every queue operation asks Conn for a client first.
//
// A failed reconnect sleeps for the current backoff delay and then reports
// ErrConnection to the caller instead of retrying in a loop. Callers that
// reserve messages in a tight loop are thereby slowed down while Redis is
// unreachable. A successful reconnect resets the delay.
type Conn struct {
	opts    *redis.Options
	dial    dialFunc
	sleep   sleepFunc
	backoff *backoff.ExponentialBackOff
	client  *redis.Client
	closed  bool
	logger  *slog.Logger
	mu      sync.Mutex
}

// OptionsFromConfig builds client options from the Redis configuration.
// AUTH and SELECT are sent by the client whenever it opens a connection.
func OptionsFromConfig(cfg *config.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		PoolSize:     cfg.PoolSize,
		// Conn applies its own backoff; client level retries would hide
		// outages behind several silent attempts.
		MaxRetries: -1,
	}
}

// NewConn creates a connection manager. No connection is opened until
// the first call to Ensure.
func NewConn(opts *redis.Options, logger *slog.Logger) *Conn {
	return &Conn{
		opts:    opts,
		dial:    dial,
		sleep:   sleepContext,
		backoff: newReconnectBackoff(),
		logger:  logger,
	}
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialDelay
	b.Multiplier = reconnectMultiplier
	b.MaxInterval = reconnectMaxDelay
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

func dial(opts *redis.Options) *redis.Client {
	o := *opts
	return redis.NewClient(&o)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ensure returns a client that has just answered a liveness probe,
// reconnecting first if the probe fails.
func (c *Conn) Ensure(ctx context.Context) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, queue.ErrClosed
	}

	if c.client != nil {
		err := probe(ctx, c.client)
		if err == nil {
			return c.client, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("redis liveness probe failed", "addr", c.opts.Addr, "error", err)
	}

	return c.reconnectLocked(ctx)
}

// Reconnect replaces failed, a client on which a command has just failed.
// If another caller already replaced it, the current client is returned
// without reconnecting again.
func (c *Conn) Reconnect(ctx context.Context, failed *redis.Client) (*redis.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, queue.ErrClosed
	}
	if c.client != nil && c.client != failed {
		return c.client, nil
	}
	return c.reconnectLocked(ctx)
}

func (c *Conn) reconnectLocked(ctx context.Context) (*redis.Client, error) {
	client, err := reconnect(ctx, c.opts, c.dial)
	if err != nil {
		metrics.ReconnectsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		if c.client != nil {
			_ = c.client.Close()
			c.client = nil
		}

		// Retrying with the same credentials cannot succeed.
		if errors.Is(err, queue.ErrAuthentication) {
			c.logger.Error("redis rejected credentials", "addr", c.opts.Addr, "db", c.opts.DB, "error", err)
			return nil, err
		}

		delay := c.backoff.NextBackOff()
		metrics.ReconnectDelay.Set(delay.Seconds())
		c.logger.Warn("redis reconnect failed, backing off",
			"addr", c.opts.Addr,
			"delay", delay,
			"error", err,
		)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return nil, fmt.Errorf("%w: %w", err, sleepErr)
		}
		return nil, err
	}

	if c.client != nil {
		_ = c.client.Close()
	}
	c.client = client
	c.backoff.Reset()

	metrics.ReconnectsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.ReconnectDelay.Set(0)
	c.logger.Info("connected to redis", "addr", c.opts.Addr, "db", c.opts.DB)
	return client, nil
}

// Close closes the current client. Ensure fails with ErrClosed afterwards.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

// reconnect opens a fresh client and verifies it. The handshake
// authenticates and selects the database, so credential problems surface
// here as ErrAuthentication.
func reconnect(ctx context.Context, opts *redis.Options, dial dialFunc) (*redis.Client, error) {
	client := dial(opts)
	if err := probe(ctx, client); err != nil {
		_ = client.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %v", queue.ErrAuthentication, err)
		}
		return nil, fmt.Errorf("%w: %v", queue.ErrConnection, err)
	}
	return client, nil
}

// probe pings the server and expects PONG.
func probe(ctx context.Context, client *redis.Client) error {
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return err
	}
	if pong != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", pong)
	}
	return nil
}

func isAuthError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"WRONGPASS", "NOAUTH", "invalid password", "invalid username-password"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
