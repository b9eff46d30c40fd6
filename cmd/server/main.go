package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go-social/internal/chat"
	"go-social/internal/config"
	"go-social/internal/db"
	"go-social/internal/logger"
	myMiddleware "go-social/internal/middleware"
	"go-social/internal/presence"
	"go-social/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDatabase(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := chat.NewMetrics(reg)

	// Lives for the whole process; cleared on shutdown.
	registry := presence.NewRegistry()

	relayOpts := chat.RelayOptions{ErrorEvents: cfg.ErrorEvents}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		log.Info("connected to redis", "channel", cfg.RedisChannel)

		broker := chat.NewRedisBroker(redisClient, cfg.RedisChannel, uuid.NewString(), registry, metrics, log)
		relayOpts.Peers = broker
		go func() {
			if err := broker.Run(ctx); err != nil {
				log.Error("peer broker stopped", "error", err)
			}
		}()
	}

	userService := user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret)
	userHandler := user.NewHandler(userService, log)

	chatRepo := chat.NewRepository(database.Conn)
	relay := chat.NewRelay(chatRepo, registry, metrics, log, relayOpts)
	chatHandler := chat.NewHandler(relay, registry, chatRepo, userService, metrics, log, chat.HandlerConfig{
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
		RequireToken:   cfg.RequireToken,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	})

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/ws", chatHandler.ServeWs)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/messages", chatHandler.GetChatHistory)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)

	// Hijacked websockets are not drained by srv.Shutdown; wait for them before the
	// deferred database close.
	if werr := chatHandler.Shutdown(shutdownCtx); werr != nil {
		log.Warn("websocket sessions did not drain", "error", werr)
	}
	for _, conn := range registry.Clear() {
		conn.Close()
	}
	return err
}
