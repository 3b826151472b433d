package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"taskrelay/internal/api"
	"taskrelay/internal/config"
	"taskrelay/internal/idempotency"
	"taskrelay/internal/limiter"
	"taskrelay/internal/metrics"
	"taskrelay/internal/observability"
	"taskrelay/internal/page"
	"taskrelay/internal/relay"
	"taskrelay/internal/store"
	"taskrelay/internal/webhook"
	"taskrelay/migrations"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "serve" || args[0] == "migrate") {
		cmd, args = args[0], args[1:]
	}

	flags := pflag.NewFlagSet("taskrelay", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to a YAML config file (env vars override it)")
	_ = flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	switch cmd {
	case "migrate":
		runMigrations(cfg)
		return
	default:
		// serve
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.Setup(ctx, observability.Options{
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: cfg.OtelServiceName,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	kv, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("store open failed", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer kv.Close()

	tracker := idempotency.New(kv, cfg.StoreName, cfg.ClaimTTL)
	svc := relay.New(tracker, webhook.New(), relay.Options{
		WebhookURL: cfg.WebhookURL,
		Secret:     cfg.WebhookSecret,
		Title:      cfg.NotifyTitle,
	}, logger)
	metrics.Register()

	srv := &api.Server{Relay: svc, Page: page.New(), Logger: logger}
	handler := srv.Routes(cfg.AllowedOrigins, newLimiter(ctx, cfg, kv, logger))

	addr := ":" + cfg.Port
	httpServer := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("server starting",
		zap.String("addr", addr),
		zap.String("store", cfg.StoreBackend),
		zap.String("webhook_host", webhook.Host(cfg.WebhookURL)),
		zap.Bool("signed", cfg.Signed()),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newLimiter shares the store's redis connection when there is one. Rate
// limiting needs redis; without it the limiter is disabled.
func newLimiter(ctx context.Context, cfg config.Config, kv store.KV, logger *zap.Logger) *limiter.Limiter {
	if cfg.RateLimitQPS <= 0 {
		return nil
	}
	if r, ok := kv.(*store.Redis); ok {
		return limiter.New(r.Client, cfg.RateLimitQPS)
	}
	if cfg.RedisURL == "" {
		logger.Warn("rate limit configured without redis; disabled")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("rate limit disabled: bad redis url", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("rate limit disabled: redis unreachable", zap.Error(err))
		return nil
	}
	return limiter.New(client, cfg.RateLimitQPS)
}

func runMigrations(cfg config.Config) {
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "migrate: DATABASE_URL is not set")
		os.Exit(1)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate: connect:", err)
		os.Exit(1)
	}
	defer pool.Close()
	applied, err := store.Migrate(ctx, pool, migrations.FS)
	if err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	if len(applied) == 0 {
		fmt.Println("migrate: schema up to date")
		return
	}
	for _, name := range applied {
		fmt.Println("migrate: applied", name)
	}
}
