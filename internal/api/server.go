package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobqueue-go/internal/config"
)

// Server represents the HTTP server with all configured routes and middleware.
type Server struct {
	app    *fiber.App
	config *config.ServerConfig
	logger *slog.Logger

	queueHandler *QueueHandler
}

// ServerDeps contains all dependencies required to create a new Server.
type ServerDeps struct {
	Config       *config.ServerConfig
	Logger       *slog.Logger
	QueueHandler *QueueHandler

	// AccessLog enables per request logging.
	AccessLog bool
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           deps.Config.ReadTimeout,
		// Must exceed the longest take or reserve wait.
		WriteTimeout: deps.Config.WriteTimeout,
		IdleTimeout:  deps.Config.IdleTimeout,
		ErrorHandler: customErrorHandler,
	})

	s := &Server{
		app:          app,
		config:       deps.Config,
		logger:       deps.Logger,
		queueHandler: deps.QueueHandler,
	}

	s.registerMiddleware(deps.AccessLog)
	s.registerRoutes()

	return s
}

// registerMiddleware sets up all middleware for the server.
func (s *Server) registerMiddleware(accessLog bool) {
	// Recovery middleware to handle panics
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware for tracing
	s.app.Use(requestid.New())

	if accessLog {
		s.app.Use(logger.New(logger.Config{
			Format:     "${time} | ${status} | ${latency} | ${method} | ${path} | ${error}\n",
			TimeFormat: "2006-01-02 15:04:05",
		}))
	}
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	// Health check endpoint (outside versioned API)
	s.app.Get("/healthz", s.healthCheck)

	// Prometheus metrics endpoint
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1")

	v1.Get("/queues", s.queueHandler.List)
	v1.Delete("/queues/:name", s.queueHandler.Flush)
	v1.Get("/queues/:name/stats", s.queueHandler.Stats)

	// Producing and inspecting
	v1.Post("/queues/:name/messages", s.queueHandler.Submit)
	v1.Get("/queues/:name/messages", s.queueHandler.Peek)

	// Consuming
	v1.Post("/queues/:name/take", s.queueHandler.Take)
	v1.Post("/queues/:name/reserve", s.queueHandler.Reserve)

	// Acknowledging reserved messages
	v1.Post("/queues/:name/messages/:id/finish", s.queueHandler.Finish)
	v1.Post("/queues/:name/messages/:id/release", s.queueHandler.Release)
	v1.Post("/queues/:name/messages/:id/abort", s.queueHandler.Abort)
}

// healthCheck returns the health status of the service.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return Success(c, map[string]string{
		"status": "healthy",
	})
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.logger.Info("starting HTTP server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// customErrorHandler handles errors returned from handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	var e *fiber.Error
	if errors.As(err, &e) {
		return Fail(c, e.Code, e.Message)
	}
	return Fail(c, fiber.StatusInternalServerError, fmt.Sprintf("unexpected error: %v", err))
}
