// Package main is the entry point for the jobqueue service.
// It exposes named work queues over HTTP and optionally feeds a Kafka topic
// into one of them.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"jobqueue-go/internal/api"
	"jobqueue-go/internal/banner"
	"jobqueue-go/internal/config"
	"jobqueue-go/internal/queue"
	kafkaqueue "jobqueue-go/internal/queue/kafka"
	memoryqueue "jobqueue-go/internal/queue/memory"
	redisqueue "jobqueue-go/internal/queue/redis"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logger := initLogger(&cfg.Logger)
	banner.Print(os.Stdout)

	logger.Info("configuration loaded",
		"path", *configPath,
		"storage_mode", cfg.Storage.Mode,
	)

	deps, cleanup, err := initDependencies(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if deps.feeder != nil {
		go func() {
			if err := deps.feeder.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("feeder error", "error", err)
				cancel()
			}
		}()
	}

	// Start HTTP server
	go func() {
		if err := deps.server.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("jobqueue started",
		"address", cfg.Server.Address(),
		"storage_mode", cfg.Storage.Mode,
		"kafka_feeder", cfg.Kafka.Enabled,
	)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := deps.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("jobqueue stopped")
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	server *api.Server
	feeder *kafkaqueue.Feeder
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and a cleanup function.
func initDependencies(cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var (
		factory      queue.Factory
		cleanupFuncs []func()
	)

	if cfg.Storage.UseMemory() {
		logger.Info("initializing in-memory queues")
		factory = func(name string) (queue.Queue, error) {
			return memoryqueue.NewQueue(name, cfg.Queue.DefaultTimeout), nil
		}
	} else {
		logger.Info("initializing redis queues",
			"addr", cfg.Redis.RedisAddr(),
			"db", cfg.Redis.DB,
		)
		factory = redisqueue.NewFactory(&cfg.Redis, cfg.Queue.DefaultTimeout, logger)
	}

	registry := queue.NewRegistry(factory)
	cleanupFuncs = append(cleanupFuncs, func() {
		if err := registry.Close(); err != nil {
			logger.Error("failed to close queues", "error", err)
		}
	})

	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	deps := &dependencies{}

	if cfg.Kafka.Enabled {
		// Opening the queue up front surfaces connection problems at startup.
		q, err := registry.Get(cfg.Kafka.Queue)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		feeder := kafkaqueue.NewFeeder(&cfg.Kafka, q, logger)
		cleanupFuncs = append(cleanupFuncs, func() { _ = feeder.Close() })
		deps.feeder = feeder
	}

	queueHandler := api.NewQueueHandler(registry, api.QueueHandlerConfig{
		MaxWait:    cfg.Queue.DefaultTimeout,
		AllowFlush: cfg.Queue.AllowFlush,
	}, logger)

	deps.server = api.NewServer(api.ServerDeps{
		Config:       &cfg.Server,
		Logger:       logger,
		QueueHandler: queueHandler,
		AccessLog:    strings.EqualFold(cfg.Logger.Level, "debug"),
	})

	return deps, cleanup, nil
}

// initLogger creates and configures the application logger.
func initLogger(cfg *config.LoggerConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
