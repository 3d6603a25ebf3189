package integration

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"jobqueue-go/internal/queue"
	redisqueue "jobqueue-go/internal/queue/redis"
)

func redisOptions() *redis.Options {
	return &redis.Options{
		Addr:         os.Getenv("REDIS_ADDR"),
		Password:     os.Getenv("REDIS_PASSWORD"),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		MaxRetries:   -1,
	}
}

func openQueue(ctx context.Context, name string) *redisqueue.Queue {
	logger := slog.New(slog.NewTextHandler(GinkgoWriter, &slog.HandlerOptions{Level: slog.LevelWarn}))
	q, err := redisqueue.New(ctx, name, redisqueue.NewConn(redisOptions(), logger), 2*time.Second, logger)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(q.Close)
	return q
}

var _ = Describe("Redis Queue Lifecycle", func() {
	var (
		ctx    context.Context
		name   string
		client *redis.Client
	)

	BeforeEach(func() {
		if os.Getenv("REDIS_ADDR") == "" {
			Skip("REDIS_ADDR not set")
		}
		ctx = context.Background()

		// A fresh queue name per test keeps other data in the database intact.
		name = "it-" + uuid.NewString()
		client = redis.NewClient(redisOptions())
		DeferCleanup(func() {
			keys := redisqueue.KeysFor(name)
			client.Del(ctx, keys.Messages, keys.Processing, keys.Failed, keys.IDs, keys.Releases)
			_ = client.Close()
		})
	})

	It("reserves, finishes and counts like the reference scenario", func() {
		q := openQueue(ctx, name)

		_, err := q.Submit(ctx, "A", queue.WithIdentifier("x1"))
		Expect(err).NotTo(HaveOccurred())
		_, err = q.Submit(ctx, "B", queue.WithIdentifier("x2"))
		Expect(err).NotTo(HaveOccurred())
		Expect(q.CountReady(ctx)).To(Equal(2))

		msg, err := q.WaitAndReserve(ctx, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.ID).To(Equal("x1"))
		Expect(msg.Payload).To(MatchJSON(`"A"`))
		Expect(q.CountReady(ctx)).To(Equal(1))
		Expect(q.CountReserved(ctx)).To(Equal(1))

		Expect(q.Finish(ctx, "x1")).To(BeTrue())
		Expect(q.CountReserved(ctx)).To(Equal(0))
	})

	It("shares state between independent connections", func() {
		producer := openQueue(ctx, name)
		consumer := openQueue(ctx, name)

		id, err := producer.Submit(ctx, map[string]any{"n": 1})
		Expect(err).NotTo(HaveOccurred())

		Expect(client.LRange(ctx, "queue:"+name+":messages", 0, -1).Val()).To(Equal([]string{id}))
		Expect(client.HGet(ctx, "queue:"+name+":ids", id).Val()).To(MatchJSON(`{"identifier":"` + id + `","payload":{"n":1}}`))

		msg, err := consumer.WaitAndReserve(ctx, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.ID).To(Equal(id))

		Expect(consumer.Release(ctx, id)).To(Succeed())
		msg, err = producer.WaitAndReserve(ctx, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg.ID).To(Equal(id))
		Expect(msg.Releases).To(Equal(1))

		Expect(producer.Abort(ctx, id)).To(Succeed())
		Expect(consumer.CountFailed(ctx)).To(Equal(1))
	})

	It("rejects duplicate identifiers across connections", func() {
		a := openQueue(ctx, name)
		b := openQueue(ctx, name)

		_, err := a.Submit(ctx, 1, queue.WithIdentifier("dup"))
		Expect(err).NotTo(HaveOccurred())
		_, err = b.Submit(ctx, 2, queue.WithIdentifier("dup"))
		Expect(err).To(MatchError(queue.ErrDuplicateIdentifier))
		Expect(a.CountReady(ctx)).To(Equal(1))
	})

	It("times out on an empty queue", func() {
		q := openQueue(ctx, name)

		start := time.Now()
		msg, err := q.WaitAndTake(ctx, time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(msg).To(BeNil())
		Expect(time.Since(start)).To(BeNumerically("~", time.Second, 500*time.Millisecond))
	})
})
