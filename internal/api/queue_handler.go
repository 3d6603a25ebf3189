package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"jobqueue-go/internal/metrics"
	"jobqueue-go/internal/queue"
)

const defaultPeekLimit = 10

// QueueHandler handles HTTP requests for queue operations.
type QueueHandler struct {
	registry   *queue.Registry
	maxWait    time.Duration
	allowFlush bool
	logger     *slog.Logger
}

// QueueHandlerConfig tunes the queue handler.
type QueueHandlerConfig struct {
	// MaxWait caps the timeout of take and reserve requests. Requests
	// without a timeout wait this long.
	MaxWait time.Duration

	// AllowFlush enables DELETE /v1/queues/:name.
	AllowFlush bool
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(registry *queue.Registry, cfg QueueHandlerConfig, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{
		registry:   registry,
		maxWait:    cfg.MaxWait,
		allowFlush: cfg.AllowFlush,
		logger:     logger,
	}
}

// SubmitRequest is the body of a submit request.
type SubmitRequest struct {
	Identifier string          `json:"identifier"`
	Payload    json.RawMessage `json:"payload"`
}

// SubmitResponse is returned for a submitted message.
type SubmitResponse struct {
	Identifier string `json:"identifier"`
}

// FinishResponse reports whether a finish removed a reserved message.
type FinishResponse struct {
	Finished bool `json:"finished"`
}

// StatsResponse holds the message counts of a queue.
type StatsResponse struct {
	Ready    int `json:"ready"`
	Reserved int `json:"reserved"`
	Failed   int `json:"failed"`
}

// List handles GET /v1/queues
func (h *QueueHandler) List(c *fiber.Ctx) error {
	names := h.registry.Names()
	sort.Strings(names)
	return Success(c, names)
}

// Submit handles POST /v1/queues/:name/messages
func (h *QueueHandler) Submit(c *fiber.Ctx) error {
	q, err := h.queue(c)
	if err != nil {
		return h.queueError(c, err, "failed to open queue")
	}

	var req SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Debug("failed to parse submit body", "error", err)
		return Fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	if len(req.Payload) == 0 {
		return ValidationError(c, "payload is required")
	}

	var opts []queue.SubmitOption
	if req.Identifier != "" {
		opts = append(opts, queue.WithIdentifier(req.Identifier))
	}

	id, err := q.Submit(c.Context(), req.Payload, opts...)
	if err != nil {
		return h.queueError(c, err, "failed to submit message")
	}

	h.logger.Debug("message submitted", "queue", q.Name(), "id", id)
	return Created(c, SubmitResponse{Identifier: id})
}

// Peek handles GET /v1/queues/:name/messages
func (h *QueueHandler) Peek(c *fiber.Ctx) error {
	q, err := h.queue(c)
	if err != nil {
		return h.queueError(c, err, "failed to open queue")
	}

	limit := c.QueryInt("limit", defaultPeekLimit)
	if limit < 0 {
		return ValidationError(c, "limit must not be negative")
	}

	msgs, err := q.Peek(c.Context(), limit)
	if err != nil {
		return h.queueError(c, err, "failed to peek messages")
	}
	return Success(c, msgs)
}

// Take handles POST /v1/queues/:name/take
// The message is removed for good; a client that fails to process it
// cannot give it back.
func (h *QueueHandler) Take(c *fiber.Ctx) error {
	q, err := h.queue(c)
	if err != nil {
		return h.queueError(c, err, "failed to open queue")
	}
	timeout, err := h.timeout(c)
	if err != nil {
		return ValidationError(c, err.Error())
	}

	msg, err := q.WaitAndTake(c.Context(), timeout)
	if err != nil {
		return h.queueError(c, err, "failed to take message")
	}
	if msg == nil {
		return NoContent(c)
	}
	return Success(c, msg)
}

// Reserve handles POST /v1/queues/:name/reserve
// The client must finish, release or abort the returned message.
func (h *QueueHandler) Reserve(c *fiber.Ctx) error {
	q, err := h.queue(c)
	if err != nil {
		return h.queueError(c, err, "failed to open queue")
	}
	timeout, err := h.timeout(c)
	if err != nil {
		return ValidationError(c, err.Error())
	}

	msg, err := q.WaitAndReserve(c.Context(), timeout)
	if err != nil {
		return h.queueError(c, err, "failed to reserve message")
	}
	if msg == nil {
		return NoContent(c)
	}
	return Success(c, msg)
}

// Finish handles POST /v1/queues/:name/messages/:id/finish
func (h *QueueHandler) Finish(c *fiber.Ctx) error {
	q, err := h.queue(c)
	if err != nil {
		return h.queueError(c, err, "failed to open queue")
	}

	finished, err := q.Finish(c.Context(), messageID(c))
	if err != nil {
		return h.queueError(c, err, "failed to finish message")
	}
	return Success(c, FinishResponse{Finished: finished})
}

// Release handles POST /v1/queues/:name/messages/:id/release
// With ?to=back the message is queued behind all pending work.
func (h *QueueHandler) Release(c *fiber.Ctx) error {
	q, err := h.queue(c)
	if err != nil {
		return h.queueError(c, err, "failed to open queue")
	}

	var opts []queue.ReleaseOption
	switch c.Query("to") {
	case "", "next":
	case "back":
		opts = append(opts, queue.ReleaseToBack())
	default:
		return ValidationError(c, "to must be next or back")
	}

	if err := q.Release(c.Context(), messageID(c), opts...); err != nil {
		return h.queueError(c, err, "failed to release message")
	}
	return NoContent(c)
}

// Abort handles POST /v1/queues/:name/messages/:id/abort
func (h *QueueHandler) Abort(c *fiber.Ctx) error {
	q, err := h.queue(c)
	if err != nil {
		return h.queueError(c, err, "failed to open queue")
	}

	if err := q.Abort(c.Context(), messageID(c)); err != nil {
		return h.queueError(c, err, "failed to abort message")
	}
	return NoContent(c)
}

// Stats handles GET /v1/queues/:name/stats
func (h *QueueHandler) Stats(c *fiber.Ctx) error {
	q, err := h.queue(c)
	if err != nil {
		return h.queueError(c, err, "failed to open queue")
	}

	var stats StatsResponse
	if stats.Ready, err = q.CountReady(c.Context()); err != nil {
		return h.queueError(c, err, "failed to count messages")
	}
	if stats.Reserved, err = q.CountReserved(c.Context()); err != nil {
		return h.queueError(c, err, "failed to count messages")
	}
	if stats.Failed, err = q.CountFailed(c.Context()); err != nil {
		return h.queueError(c, err, "failed to count messages")
	}

	metrics.QueueDepth.WithLabelValues(q.Name(), string(queue.StateReady)).Set(float64(stats.Ready))
	metrics.QueueDepth.WithLabelValues(q.Name(), string(queue.StateReserved)).Set(float64(stats.Reserved))
	metrics.QueueDepth.WithLabelValues(q.Name(), "failed").Set(float64(stats.Failed))

	return Success(c, stats)
}

// Flush handles DELETE /v1/queues/:name
// For Redis this clears the whole database, not just the named queue.
func (h *QueueHandler) Flush(c *fiber.Ctx) error {
	if !h.allowFlush {
		return Fail(c, fiber.StatusForbidden, "flush is disabled")
	}

	q, err := h.queue(c)
	if err != nil {
		return h.queueError(c, err, "failed to open queue")
	}

	if err := q.Flush(c.Context()); err != nil {
		return h.queueError(c, err, "failed to flush queue")
	}

	h.logger.Warn("queue storage flushed", "queue", q.Name())
	return NoContent(c)
}

// queue resolves the :name parameter. The name is copied because the
// registry keeps it beyond the request.
func (h *QueueHandler) queue(c *fiber.Ctx) (queue.Queue, error) {
	return h.registry.Get(strings.Clone(c.Params("name")))
}

// messageID returns a copy of the :id parameter, which backends may keep.
func messageID(c *fiber.Ctx) string {
	return strings.Clone(c.Params("id"))
}

// timeout reads the timeout query parameter as a duration ("500ms") or a
// number of seconds ("2"). Missing or oversized values become maxWait.
func (h *QueueHandler) timeout(c *fiber.Ctx) (time.Duration, error) {
	raw := c.Query("timeout")
	if raw == "" {
		return h.maxWait, nil
	}

	var timeout time.Duration
	if secs, err := strconv.Atoi(raw); err == nil {
		timeout = time.Duration(secs) * time.Second
	} else {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, errors.New("timeout must be a duration or a number of seconds")
		}
		timeout = d
	}

	if timeout <= 0 {
		return 0, errors.New("timeout must be positive")
	}
	if h.maxWait > 0 && timeout > h.maxWait {
		timeout = h.maxWait
	}
	return timeout, nil
}

// queueError maps queue errors to responses.
func (h *QueueHandler) queueError(c *fiber.Ctx, err error, message string) error {
	switch {
	case errors.Is(err, queue.ErrInvalidName), errors.Is(err, queue.ErrInvalidEnvelope):
		return ValidationError(c, err.Error())
	case errors.Is(err, queue.ErrDuplicateIdentifier):
		return Fail(c, fiber.StatusConflict, "identifier already exists")
	case errors.Is(err, queue.ErrConnection), errors.Is(err, queue.ErrAuthentication):
		h.logger.Error(message, "error", err, "queue", c.Params("name"))
		return Fail(c, fiber.StatusServiceUnavailable, "queue storage unavailable")
	default:
		h.logger.Error(message, "error", err, "queue", c.Params("name"))
		return Fail(c, fiber.StatusInternalServerError, message)
	}
}
