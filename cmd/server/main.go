package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-chat-realtime/internal/auth"
	"go-chat-realtime/internal/chat"
	"go-chat-realtime/internal/config"
	"go-chat-realtime/internal/connection"
	"go-chat-realtime/internal/db"
	"go-chat-realtime/internal/events"
	"go-chat-realtime/internal/kvs"
	"go-chat-realtime/internal/logger"
	"go-chat-realtime/internal/metrics"
	myMiddleware "go-chat-realtime/internal/middleware"
	"go-chat-realtime/internal/notify"
	"go-chat-realtime/internal/presence"
	"go-chat-realtime/internal/ratelimit"
	"go-chat-realtime/internal/room"
)

func main() {
	addr := flag.String("addr", "", "http service address (defaults to :$PORT)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *addr == "" {
		*addr = cfg.Addr()
	}

	logg, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		Level:       cfg.LogLevel,
		Service:     "websocket-service",
		Instance:    cfg.InstanceID,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *addr, logg); err != nil {
		logg.Fatal("server stopped", zap.Error(err))
	}
	logg.Info("server stopped cleanly")
}

func run(ctx context.Context, cfg *config.Config, addr string, logg *zap.Logger) error {
	// Platform layer
	database, err := db.NewDatabase(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	logg.Info("connected to PostgreSQL")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	store := kvs.New(rdb, logg)
	if err := store.Ping(ctx); err != nil {
		return err
	}
	logg.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

	// Realtime core
	hub := room.NewHub()
	tracker := presence.NewTracker(store, logg)
	router := room.NewRouter(hub, store, tracker, cfg.InstanceID, cfg.TypingTTL, logg)
	tracker.SetPublisher(router)
	recorder := metrics.NewRecorder(store, logg)
	registry := connection.NewRegistry(store, tracker, router, recorder, logg)

	// Broker
	publisher := events.NewPublisher(cfg.RabbitMQURL, logg)
	defer publisher.Close()
	dispatcher := events.NewDispatcher(events.Config{
		URL:            cfg.RabbitMQURL,
		Exchange:       cfg.BrokerExchange,
		Queue:          cfg.BrokerQueue,
		ReconnectDelay: cfg.BrokerReconnectDelay,
	}, events.NewHandler(router, tracker, notify.NewClient(cfg.PushWebhookURL, logg), logg), logg)

	// Gateway
	tokens := auth.NewService(cfg.JWTSecret, cfg.JWTExpiry)
	chatHandler := chat.NewHandler(chat.Options{
		Registry:       registry,
		Router:         router,
		Presence:       tracker,
		Limiter:        ratelimit.New(rdb, cfg.RateLimitMax, cfg.RateLimitWindow),
		Metrics:        recorder,
		Validator:      tokens,
		Participants:   chat.NewRepository(database.Conn),
		Publisher:      publisher,
		AllowedOrigins: cfg.AllowedOrigins,
		Log:            logg,
	})
	authMiddleware := myMiddleware.NewAuthMiddleware(tokens)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.With(authMiddleware.Optional).Get("/ws", chatHandler.ServeWs)
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := registry.StatsSnapshot(r.Context())
		if err != nil {
			logg.Warn("cluster stats unavailable", zap.Error(err))
		}
		writeJSON(w, http.StatusOK, stats)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		redisOK := store.Ping(r.Context()) == nil
		dbOK := database.Ping(r.Context()) == nil
		if !redisOK || !dbOK {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":    status,
			"instance":  cfg.InstanceID,
			"redis":     redisOK,
			"database":  dbOK,
			"broker":    dispatcher.Connected(),
			"timestamp": time.Now(),
		})
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sub, err := router.Subscribe(ctx)
	if err != nil {
		return err
	}

	// The hub outlives ctx: closing sockets still need it to release their state.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(hubCtx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return sub.Close()
	})
	g.Go(func() error {
		return registry.RunMaintenance(ctx, connection.Maintenance{
			Interval:          cfg.HeartbeatInterval,
			StaleAfter:        cfg.StaleAfter,
			PresenceRetention: cfg.PresenceRetention,
		})
	})
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	g.Go(func() error {
		logg.Info("server starting", zap.String("addr", addr), zap.String("instance", cfg.InstanceID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logg.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		defer stopHub()

		err := srv.Shutdown(shutdownCtx)
		// Hijacked websockets are not covered by srv.Shutdown. Redis is closed
		// only after g.Wait, so every socket can still release its state.
		if derr := chatHandler.Shutdown(shutdownCtx); derr != nil {
			logg.Warn("sockets not drained", zap.Error(derr))
		}
		return err
	})

	return g.Wait()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
