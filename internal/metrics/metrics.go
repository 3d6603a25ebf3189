// Package metrics provides Prometheus metrics for jobqueue.
// It tracks queue operations, connection health and message throughput
// so that stalled consumers and store outages show up on dashboards.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "jobqueue"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Queue operation metrics.
var (
	// OperationsTotal counts queue operations by backend and outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of queue operations",
		},
		[]string{"backend", "queue", "operation", "result"},
	)

	// OperationLatency measures how long queue operations take,
	// including time spent blocked waiting for messages.
	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of queue operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 30},
		},
		[]string{"backend", "operation"},
	)

	// QueueDepth tracks the number of messages per queue and state.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of messages in the queue by state",
		},
		[]string{"queue", "state"}, // state: ready, reserved, failed
	)
)

// Connection metrics track the link to the backing store.
var (
	// ReconnectsTotal counts reconnect attempts by outcome.
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts to the backing store",
		},
		[]string{"result"},
	)

	// ReconnectDelay is the backoff slept after the last failed reconnect.
	ReconnectDelay = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Backoff delay applied after the last failed reconnect",
		},
	)
)

// Consumer metrics.
var (
	// JobsTotal counts messages handled by workers, labeled by outcome.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_jobs_total",
			Help:      "Total number of messages handled by workers",
		},
		[]string{"queue", "result"}, // result: finished, released, aborted
	)

	// FeederRecordsTotal counts Kafka records fed into queues.
	FeederRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feeder_records_total",
			Help:      "Total number of Kafka records submitted to queues",
		},
		[]string{"queue", "result"}, // result: submitted, duplicate, failure
	)
)

// ObserveOperation records the outcome and latency of one queue operation.
func ObserveOperation(backend, queue, operation string, start time.Time, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	OperationsTotal.WithLabelValues(backend, queue, operation, result).Inc()
	OperationLatency.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
