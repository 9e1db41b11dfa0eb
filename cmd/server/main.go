// Command server starts the crewline messaging service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"crewline/internal/auth"
	"crewline/internal/chat"
	"crewline/internal/observability/logging"
	"crewline/internal/observability/metrics"
	"crewline/internal/server"
	"crewline/internal/storage"
	"crewline/internal/tenant"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	recorder := metrics.Default()

	registry := tenant.NewRegistry(buildOpener(cfg), logging.WithComponent(logger, "tenants"))
	defer registry.Close()

	verifier := buildVerifier(cfg, logger)

	queue, err := buildQueue(cfg, logging.WithComponent(logger, "chat-queue"))
	if err != nil {
		return fmt.Errorf("configure chat queue: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := chat.NewDispatcher(chat.Config{
		Tenants:           registry,
		Verifier:          verifier,
		Queue:             queue,
		Logger:            logging.WithComponent(logger, "chat"),
		Metrics:           recorder,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Retry:             buildRetryPolicy(cfg),
		SendBuffer:        cfg.SendBuffer,
		TenantFailure: func(err error) {
			// A tenant whose store cannot initialise must not be served
			// silently; shut the process down and let the supervisor
			// restart it against healthy configuration.
			logger.Error("tenant storage initialisation failed, shutting down", "error", err)
			cancel()
		},
	})

	go chat.NewArchiveWorker(queue, chat.LoggerSink(logging.WithComponent(logger, "archive")), logging.WithComponent(logger, "archive")).Run(ctx)

	healthStop := startStoreHealthWorker(ctx, logging.WithComponent(logger, "store-health"), registry, recorder, cfg.HealthInterval)
	defer healthStop()

	srv, err := server.New(dispatcher, server.Config{
		Addr: cfg.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:       cfg.RateGlobalRPS,
			GlobalBurst:     cfg.RateGlobalBurst,
			HandshakeLimit:  cfg.RateHandshakeLimit,
			HandshakeWindow: cfg.RateHandshakeWindow,
			RedisAddr:       cfg.RateRedisAddr,
			RedisPassword:   cfg.RateRedisPassword,
			RedisTimeout:    cfg.RateRedisTimeout,
		},
		CORS:    server.CORSConfig{AllowedOrigins: cfg.allowedOrigins()},
		Logger:  logger,
		Metrics: recorder,
		Ready:   registry.Ping,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	logger.Info("crewline listening", "addr", cfg.Addr, "storage_driver", cfg.StorageDriver, "queue_driver", cfg.QueueDriver)
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		logger.Info("TLS enabled", "cert_file", cfg.TLSCert)
	}

	if err := srv.Run(ctx, cfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func buildOpener(cfg config) tenant.Opener {
	if strings.EqualFold(strings.TrimSpace(cfg.StorageDriver), "postgres") {
		return tenant.PostgresOpener(cfg.TenantDSNTemplate, storage.PostgresConfig{
			MaxConnections:  int32(cfg.PostgresMaxConns),
			MinConnections:  int32(cfg.PostgresMinConns),
			MaxConnLifetime: cfg.PostgresLifetime,
			MaxConnIdleTime: cfg.PostgresIdleTime,
			ConnectTimeout:  cfg.PostgresTimeout,
			ApplicationName: cfg.PostgresAppName,
		})
	}
	return tenant.MemoryOpener()
}

func buildVerifier(cfg config, logger *slog.Logger) auth.Verifier {
	path := strings.TrimSpace(cfg.TenantTokens)
	if path == "" {
		logger.Warn("no tenant token file configured, accepting tokens verbatim as user IDs")
		return auth.InsecureVerifier{}
	}
	credentials, err := auth.LoadCredentials(path)
	if err != nil {
		logger.Error("failed to load tenant credentials, falling back to rejecting all tokens", "path", path, "error", err)
		return auth.NewStaticVerifier(nil)
	}
	logger.Info("tenant credentials loaded", "path", path, "count", len(credentials))
	return auth.NewStaticVerifier(credentials)
}

func buildQueue(cfg config, logger *slog.Logger) (chat.Queue, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.QueueDriver), "redis") {
		return chat.NewRedisQueue(chat.RedisQueueConfig{
			Addr:         cfg.QueueRedisAddr,
			Addrs:        splitAndTrim(cfg.QueueRedisAddrs),
			Username:     cfg.QueueRedisUsername,
			Password:     cfg.QueueRedisPassword,
			Stream:       cfg.QueueRedisStream,
			Group:        cfg.QueueRedisGroup,
			MasterName:   cfg.QueueRedisMaster,
			PoolSize:     cfg.QueueRedisPoolSize,
			Logger:       logger,
			DialTimeout:  cfg.QueueRedisTimeout,
			ReadTimeout:  cfg.QueueRedisTimeout,
			WriteTimeout: cfg.QueueRedisTimeout,
			Buffer:       cfg.QueueBuffer,
			TLS: chat.RedisTLSConfig{
				CAFile:   cfg.QueueRedisTLSCA,
				CertFile: cfg.QueueRedisTLSCert,
				KeyFile:  cfg.QueueRedisTLSKey,
			},
		})
	}
	return chat.NewMemoryQueue(cfg.QueueBuffer), nil
}

func buildRetryPolicy(cfg config) chat.RetryPolicy {
	if cfg.RetryAttempts <= 0 {
		return chat.NoRetry{}
	}
	return chat.Backoff{
		Base:     cfg.RetryBase,
		Max:      cfg.RetryMax,
		Attempts: cfg.RetryAttempts,
	}
}
