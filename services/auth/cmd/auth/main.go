package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/antonespo/papernote-sub000/libs/events"
	"github.com/antonespo/papernote-sub000/libs/health"
	"github.com/antonespo/papernote-sub000/libs/httpmiddleware"
	"github.com/antonespo/papernote-sub000/libs/logging"
	"github.com/antonespo/papernote-sub000/libs/metrics"
	"github.com/antonespo/papernote-sub000/libs/trace"
	"github.com/antonespo/papernote-sub000/services/auth/internal/config"
	"github.com/antonespo/papernote-sub000/services/auth/internal/handlers"
	"github.com/antonespo/papernote-sub000/services/auth/internal/rate"
	"github.com/antonespo/papernote-sub000/services/auth/internal/service"
	"github.com/antonespo/papernote-sub000/services/auth/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.App.ServiceName, cfg.App.Env, cfg.App.LogLevel)
	shutdownTracer, err := trace.Init(context.Background(), cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	ready := health.NewManager(true)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	limiter, limiterClose, err := buildLimiter(cfg, logger)
	if err != nil {
		logger.Error("rate limiter init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = limiterClose()
	}()

	publisher, err := buildPublisher(cfg, logger, registry)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = publisher.Close()
	}()

	store := storage.New(pool)
	svc := service.New(store, logger, publisher, service.Config{
		JWTSecret:       []byte(cfg.JWTSecret),
		JWTIssuer:       cfg.JWTIssuer,
		JWTAudience:     cfg.JWTAudience,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		Argon2:          cfg.Argon2,
		Policy:          cfg.Policy,
		EventTopic:      cfg.Kafka.Topic,
	})
	authHandler := handlers.NewAuthHandler(svc, logger, limiter, []byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience)

	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", ready.Liveness)
	router.GET("/readyz", ready.Readiness)
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	authHandler.RegisterRoutes(router)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepExpiredTokens(sweepCtx, store, cfg.SweepInterval, logger)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("auth service starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(server, ready, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

func buildLimiter(cfg *config.Config, logger *slog.Logger) (rate.Limiter, func() error, error) {
	if cfg.RateLimit.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if cfg.App.Env == "dev" || cfg.App.Env == "test" {
				logger.Warn("redis rate limiter unavailable, falling back to memory", "error", err)
				return rate.NewFailOpen(rate.NewMemory(cfg.RateLimit.MaxAttempts, cfg.RateLimit.Window), logger), func() error { return nil }, nil
			}
			return nil, nil, err
		}

		limiter := rate.NewRedisLimiter(client, cfg.RateLimit.MaxAttempts, cfg.RateLimit.Window, cfg.RateLimit.Redis.Prefix)
		return rate.NewFailOpen(limiter, logger), client.Close, nil
	}

	if cfg.App.Env == "dev" || cfg.App.Env == "test" {
		return rate.NewFailOpen(rate.NewMemory(cfg.RateLimit.MaxAttempts, cfg.RateLimit.Window), logger), func() error { return nil }, nil
	}

	return nil, nil, fmt.Errorf("rate limiter redis not configured")
}

func buildPublisher(cfg *config.Config, logger *slog.Logger, registry *prometheus.Registry) (events.Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		logger.Info("kafka brokers not configured, auth events disabled")
		return events.NopPublisher{}, nil
	}
	return events.NewSyncProducer(cfg.Kafka.Brokers, logger, events.NewProducerMetrics(registry))
}

func sweepExpiredTokens(ctx context.Context, store *storage.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := store.DeleteExpiredTokens(ctx, time.Now().UTC())
			if err != nil {
				logger.Error("expired token sweep failed", "error", err)
				continue
			}
			if reaped > 0 {
				logger.Info("expired tokens reaped", "count", reaped)
			}
		}
	}
}

func waitForShutdown(server *http.Server, ready *health.Manager, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ready.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutdown started")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		return
	}
	logger.Info("shutdown complete")
}
