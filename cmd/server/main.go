package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"go-chat-delivery/internal/broadcast"
	"go-chat-delivery/internal/chat"
	"go-chat-delivery/internal/config"
	"go-chat-delivery/internal/db"
	"go-chat-delivery/internal/httpapi"
	"go-chat-delivery/internal/logging"
	"go-chat-delivery/internal/membership"
	myMiddleware "go-chat-delivery/internal/middleware"
	"go-chat-delivery/internal/offline"
	"go-chat-delivery/internal/realtime"
	"go-chat-delivery/internal/receipt"
	"go-chat-delivery/internal/tracing"
)

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:    cfg.TracingEnabled,
		UseStdout:  cfg.TracingStdout,
		Endpoint:   cfg.TracingEndpoint,
		SampleRate: cfg.TracingSampleRate,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up tracing")
	}

	// 2. Postgres
	database, err := db.NewDatabase(cfg.DBDSN)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to PostgreSQL")
	}
	defer database.Close()
	logger.Info("Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
	logger.Info("Database schema initialized")

	// 3. Redis
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()
	logger.WithField("addr", cfg.RedisAddr).Info("Connected to Redis")

	// 4. Broadcast bus
	bus, err := newBus(ctx, cfg, redisClient, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to start broadcast bus")
	}

	// 5. Engine
	members := membership.NewRepository(database.Conn)
	messages := chat.NewService(
		chat.NewRepository(database.Conn),
		chat.NewIdempotencyCache(redisClient, cfg.IdempotencyTTL),
		members,
		membership.NewBlockListAuthorizer(database.Conn),
		logger,
	)
	receipts := receipt.NewRouter(receipt.NewDirectStore(database.Conn), receipt.NewGroupStore(database.Conn))
	queue := offline.NewQueue(redisClient, cfg.OfflineMaxMessages, cfg.OfflineTTL)
	orch := realtime.NewOrchestrator(messages, members, receipts, queue, bus, logger, cfg.FanoutConcurrency)

	hub := realtime.NewHub(bus, realtime.NewPresence(redisClient, cfg.PresenceTTL, logger), orch, logger)
	go hub.Run(ctx)

	wsHandler := realtime.NewHandler(hub, nil)
	apiHandler := httpapi.NewHandler(messages, orch, hub, logger)
	authMiddleware := myMiddleware.NewAuthMiddleware(myMiddleware.NewJWTValidator(cfg.JWTSecret))

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", httpapi.Health(map[string]httpapi.Check{
		"postgres": database.Conn.PingContext,
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}, hub.Connections))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/ws", wsHandler.ServeWs)
		r.Route("/api", apiHandler.Routes)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Addr).Info("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown did not complete")
	}
	if err := bus.Close(); err != nil {
		logger.WithError(err).Warn("Broadcast bus close failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Tracer shutdown failed")
	}
}

func newBus(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *logrus.Logger) (broadcast.Bus, error) {
	switch strings.ToLower(cfg.BusDriver) {
	case "nats":
		nc, err := nats.Connect(cfg.NatsURL,
			nats.Name("go-chat-delivery"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				logger.WithError(err).Warn("NATS disconnected")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
			}),
		)
		if err != nil {
			return nil, err
		}
		logger.WithField("url", cfg.NatsURL).Info("Using NATS broadcast bus")
		return broadcast.NewNATSBus(nc, logger), nil
	default:
		logger.Info("Using Redis broadcast bus")
		return broadcast.NewRedisBus(ctx, redisClient, logger), nil
	}
}
