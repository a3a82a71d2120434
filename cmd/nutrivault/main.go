package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/nutrivault/nutrivault/api"
	"github.com/nutrivault/nutrivault/internal/auth"
	"github.com/nutrivault/nutrivault/internal/cache"
	"github.com/nutrivault/nutrivault/internal/config"
	"github.com/nutrivault/nutrivault/internal/database"
	"github.com/nutrivault/nutrivault/internal/foods"
	"github.com/nutrivault/nutrivault/internal/policy"
	"github.com/nutrivault/nutrivault/internal/ratelimit"
	redisclient "github.com/nutrivault/nutrivault/internal/redis"
	"github.com/nutrivault/nutrivault/pkg/logger"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	db, err := database.NewPostgresDB(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close(db)

	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	redisCfg := redisclient.DefaultConfig()
	redisCfg.Addr = cfg.Redis.Addr
	redisCfg.Password = cfg.Redis.Password
	redisCfg.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		redisCfg.PoolSize = cfg.Redis.PoolSize
	}
	rdb := redisclient.NewClient(redisCfg, log)
	defer rdb.Close()

	// Degraded cache is tolerated at runtime; a dead one at boot is worth
	// knowing about.
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := rdb.HealthCheck(pingCtx); err != nil {
		log.Warn("Redis unreachable at startup, continuing without cache", zap.Error(err))
	}
	cancel()

	cacheSvc := cache.NewService(rdb.Universal(), log)
	policies := policy.NewResolver(db, cacheSvc, log, cfg.RateLimit.PolicyCacheTTL)
	limiter := ratelimit.NewLimiter(db, policies, log)
	keys := auth.NewService(db, log)
	foodsSvc := foods.NewService(db, log)

	limiter.StartRetentionSweep(ctx, cfg.RateLimit.SweepInterval, cfg.RateLimit.CounterRetention)
	keys.StartExpirySweep(ctx, cfg.RateLimit.SweepInterval)

	server := api.NewServer(log, keys, limiter, policies, foodsSvc, cacheSvc, cfg.Admin.JWTSecret)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting API server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func initTracing(log *zap.Logger) (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(0.01)),
	)
	otel.SetTracerProvider(provider)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			log.Warn("Trace provider shutdown failed", zap.Error(err))
		}
	}, nil
}
