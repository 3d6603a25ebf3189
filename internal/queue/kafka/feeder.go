// Package kafka feeds records from a Kafka topic into a queue.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"jobqueue-go/internal/config"
	"jobqueue-go/internal/metrics"
	"jobqueue-go/internal/queue"
)

// Feeder result label values.
const (
	resultSubmitted = "submitted"
	resultDuplicate = "duplicate"
	resultFailure   = "failure"
)

const defaultRetryDelay = time.Second

// fetcher is the part of kafka.Reader used by the feeder.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Feeder consumes a topic and submits every record to a queue.
//
// A record is committed only after it was submitted. A non-empty record key
// becomes the message identifier, so a record delivered twice after a
// rebalance is rejected as a duplicate and committed without queueing it
// again.
type Feeder struct {
	reader     fetcher
	queue      queue.Queue
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewFeeder creates a feeder reading the configured topic.
func NewFeeder(cfg *config.KafkaConfig, q queue.Queue, logger *slog.Logger) *Feeder {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	f := newFeeder(reader, q, logger)
	f.logger = f.logger.With("topic", cfg.Topic, "group", cfg.ConsumerGroup)
	return f
}

func newFeeder(reader fetcher, q queue.Queue, logger *slog.Logger) *Feeder {
	return &Feeder{
		reader:     reader,
		queue:      q,
		retryDelay: defaultRetryDelay,
		logger:     logger.With("queue", q.Name()),
	}
}

// Start feeds records until ctx is canceled or the reader is closed.
func (f *Feeder) Start(ctx context.Context) error {
	f.logger.Info("starting kafka feeder")

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("kafka feeder stopping due to context cancellation")
			return ctx.Err()
		default:
		}

		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				f.logger.Info("kafka reader closed, stopping feeder")
				return nil
			}
			f.logger.Error("failed to fetch record", "error", err)
			if err := f.wait(ctx); err != nil {
				return err
			}
			continue
		}

		if err := f.feed(ctx, msg); err != nil {
			return err
		}

		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Error("failed to commit record",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return fmt.Errorf("failed to commit record: %w", err)
		}
	}
}

// feed submits one record, retrying until it is queued. Skipping a record
// would lose it once a later offset is committed.
func (f *Feeder) feed(ctx context.Context, msg kafka.Message) error {
	var opts []queue.SubmitOption
	if len(msg.Key) > 0 {
		opts = append(opts, queue.WithIdentifier(string(msg.Key)))
	}
	payload := recordPayload(msg.Value)

	for {
		id, err := f.queue.Submit(ctx, payload, opts...)
		switch {
		case err == nil:
			metrics.FeederRecordsTotal.WithLabelValues(f.queue.Name(), resultSubmitted).Inc()
			f.logger.Debug("record submitted", "id", id, "partition", msg.Partition, "offset", msg.Offset)
			return nil
		case errors.Is(err, queue.ErrDuplicateIdentifier):
			metrics.FeederRecordsTotal.WithLabelValues(f.queue.Name(), resultDuplicate).Inc()
			f.logger.Info("record already queued", "key", string(msg.Key), "offset", msg.Offset)
			return nil
		case errors.Is(err, queue.ErrInvalidEnvelope):
			// A record that can never be encoded must not block the partition.
			metrics.FeederRecordsTotal.WithLabelValues(f.queue.Name(), resultFailure).Inc()
			f.logger.Error("dropping record that cannot be encoded", "offset", msg.Offset, "error", err)
			return nil
		case errors.Is(err, queue.ErrAuthentication), errors.Is(err, queue.ErrClosed):
			metrics.FeederRecordsTotal.WithLabelValues(f.queue.Name(), resultFailure).Inc()
			return fmt.Errorf("failed to submit record: %w", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.FeederRecordsTotal.WithLabelValues(f.queue.Name(), resultFailure).Inc()
		f.logger.Error("failed to submit record, retrying",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)

		if err := f.wait(ctx); err != nil {
			return err
		}
	}
}

// wait pauses for the retry delay.
func (f *Feeder) wait(ctx context.Context) error {
	timer := time.NewTimer(f.retryDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordPayload uses a JSON record value as is and wraps anything else in a
// JSON string.
func recordPayload(value []byte) any {
	if len(value) > 0 && json.Valid(value) {
		return json.RawMessage(value)
	}
	return string(value)
}

// Close closes the Kafka reader.
func (f *Feeder) Close() error {
	if f.reader != nil {
		return f.reader.Close()
	}
	return nil
}
