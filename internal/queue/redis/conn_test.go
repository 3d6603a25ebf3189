package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"jobqueue-go/internal/config"
	"jobqueue-go/internal/queue"
)

func redisConfig(mr *miniredis.Miniredis) *config.RedisConfig {
	port, err := strconv.Atoi(mr.Port())
	Expect(err).NotTo(HaveOccurred())
	return &config.RedisConfig{
		Host:     mr.Host(),
		Port:     port,
		Timeout:  2 * time.Second,
		PoolSize: 4,
	}
}

var _ = Describe("Conn", func() {
	var (
		ctx  context.Context
		mr   *miniredis.Miniredis
		conn *Conn
		rec  *sleepRecorder
	)

	BeforeEach(func() {
		ctx = context.Background()
		mr = startServer()
		rec = &sleepRecorder{}
		conn = NewConn(testOptions(mr), testLogger())
		conn.sleep = rec.sleep
		DeferCleanup(conn.Close)
	})

	It("connects lazily and reuses a healthy client", func() {
		first, err := conn.Ensure(ctx)
		Expect(err).NotTo(HaveOccurred())

		second, err := conn.Ensure(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(BeIdenticalTo(first))
		Expect(rec.delays).To(BeEmpty())
	})

	It("backs off by half again after every failed reconnect", func() {
		_, err := conn.Ensure(ctx)
		Expect(err).NotTo(HaveOccurred())
		mr.Close()

		for range 3 {
			_, err = conn.Ensure(ctx)
			Expect(err).To(MatchError(queue.ErrConnection))
		}
		Expect(rec.delays).To(Equal([]time.Duration{
			time.Second,
			1500 * time.Millisecond,
			2250 * time.Millisecond,
		}))
	})

	It("resets the delay after a successful reconnect", func() {
		mr.Close()
		for range 2 {
			_, err := conn.Ensure(ctx)
			Expect(err).To(MatchError(queue.ErrConnection))
		}

		Expect(mr.Restart()).To(Succeed())
		_, err := conn.Ensure(ctx)
		Expect(err).NotTo(HaveOccurred())

		mr.Close()
		_, err = conn.Ensure(ctx)
		Expect(err).To(MatchError(queue.ErrConnection))

		Expect(rec.delays).To(Equal([]time.Duration{
			time.Second,
			1500 * time.Millisecond,
			time.Second,
		}))
	})

	It("stops sleeping when the context ends", func() {
		conn.sleep = sleepContext
		mr.Close()

		ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := conn.Ensure(ctx)
		Expect(err).To(MatchError(queue.ErrConnection))
		Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
	})

	It("fails without backing off when the password is rejected", func() {
		mr.RequireAuth("secret")

		_, err := conn.Ensure(ctx)
		Expect(err).To(MatchError(queue.ErrAuthentication))
		Expect(errors.Is(err, queue.ErrConnection)).To(BeFalse())
		Expect(rec.delays).To(BeEmpty())
	})

	It("authenticates with the configured password", func() {
		mr.RequireAuth("secret")
		opts := testOptions(mr)
		opts.Password = "secret"
		conn = NewConn(opts, testLogger())
		DeferCleanup(conn.Close)

		client, err := conn.Ensure(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Ping(ctx).Val()).To(Equal("PONG"))
	})

	It("selects the configured database", func() {
		opts := testOptions(mr)
		opts.DB = 3
		conn = NewConn(opts, testLogger())
		DeferCleanup(conn.Close)

		client, err := conn.Ensure(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.Set(ctx, "k", "v", 0).Err()).To(Succeed())
		Expect(mr.DB(3).Exists("k")).To(BeTrue())
		Expect(mr.Exists("k")).To(BeFalse())
	})

	It("reconnects only once for clients that failed together", func() {
		failed, err := conn.Ensure(ctx)
		Expect(err).NotTo(HaveOccurred())

		replaced, err := conn.Reconnect(ctx, failed)
		Expect(err).NotTo(HaveOccurred())
		Expect(replaced).NotTo(BeIdenticalTo(failed))

		again, err := conn.Reconnect(ctx, failed)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(BeIdenticalTo(replaced))
	})

	It("refuses to hand out clients after Close", func() {
		_, err := conn.Ensure(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(conn.Close()).To(Succeed())
		Expect(conn.Close()).To(Succeed())

		_, err = conn.Ensure(ctx)
		Expect(err).To(MatchError(queue.ErrClosed))
		_, err = conn.Reconnect(ctx, nil)
		Expect(err).To(MatchError(queue.ErrClosed))
	})
})

var _ = Describe("reconnect backoff", func() {
	It("never waits longer than thirty seconds", func() {
		b := newReconnectBackoff()

		var last time.Duration
		for range 20 {
			last = b.NextBackOff()
			Expect(last).To(BeNumerically("<=", 30*time.Second))
		}
		Expect(last).To(Equal(30 * time.Second))

		b.Reset()
		Expect(b.NextBackOff()).To(Equal(time.Second))
	})
})

var _ = Describe("OptionsFromConfig", func() {
	It("carries address, credentials and database", func() {
		cfg := &config.RedisConfig{
			Host:     "redis.internal",
			Port:     6380,
			Password: "pw",
			DB:       2,
			Timeout:  8 * time.Second,
			PoolSize: 5,
		}

		opts := OptionsFromConfig(cfg)
		Expect(opts.Addr).To(Equal("redis.internal:6380"))
		Expect(opts.Password).To(Equal("pw"))
		Expect(opts.DB).To(Equal(2))
		Expect(opts.ReadTimeout).To(Equal(8 * time.Second))
		Expect(opts.PoolSize).To(Equal(5))
		Expect(opts.MaxRetries).To(Equal(-1))
	})
})

var _ = Describe("isAuthError", func() {
	It("recognizes authentication replies", func() {
		Expect(isAuthError(errors.New("WRONGPASS invalid username-password pair"))).To(BeTrue())
		Expect(isAuthError(errors.New("NOAUTH Authentication required."))).To(BeTrue())
		Expect(isAuthError(errors.New("dial tcp: connection refused"))).To(BeFalse())
	})
})
