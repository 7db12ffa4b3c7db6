package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quantrush/invest-engine/internal/balance"
	"github.com/quantrush/invest-engine/internal/channel"
	"github.com/quantrush/invest-engine/internal/config"
	"github.com/quantrush/invest-engine/internal/feed"
	"github.com/quantrush/invest-engine/internal/metrics"
	"github.com/quantrush/invest-engine/internal/store"
	"github.com/quantrush/invest-engine/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var channels store.ChannelStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis ping failed", "addr", cfg.Redis.Addr, "err", err)
			os.Exit(1)
		}
		channels = store.NewRedisStore(rdb)
		slog.Info("using redis channel store", "addr", cfg.Redis.Addr)
	} else {
		channels = store.NewMemoryStore()
		slog.Warn("no redis configured, channel state will not survive restarts")
	}

	var archive store.ResultArchive
	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			slog.Error("postgres pool setup failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			slog.Error("postgres ping failed", "err", err)
			os.Exit(1)
		}
		archive = store.NewPostgresArchive(pool)
		slog.Info("result archive enabled")
	}

	gateway := balance.NewHTTPGateway(cfg.Balance.BaseURL, cfg.Balance.Timeout)
	hub := ws.NewHub()

	registry := channel.NewRegistry(channels, gateway, hub, archive, nil, cfg.Game.RoundDuration)
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := feed.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, registry)
		registry.SetPriceSource(consumer)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				slog.Error("feed consumer stopped", "err", err)
			}
		}()
		slog.Info("price feed enabled", "topic", cfg.Kafka.Topic)
	} else {
		slog.Warn("no kafka brokers configured, rounds settle without live prices")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		channel.NewHandler(registry, archive).RegisterRoutes(r)
		r.Handle("/ws", ws.NewServer(hub, registry))
	})

	srv := &http.Server{
		Addr:    cfg.App.Addr,
		Handler: r,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.App.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "err", err)
	}
}
