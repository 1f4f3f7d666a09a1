package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"grompt/internal/api"
	"grompt/internal/config"
	"grompt/internal/history"
	"grompt/internal/kv"
	"grompt/internal/metrics"
	"grompt/internal/ratelimit"
	"grompt/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("listen_addr", cfg.Server.ListenAddr).
		Msg("starting gromptd")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()
	kvs := kv.NewRedis(rdb)

	m := metrics.Global()

	v := vault.New(kvs, vault.Options{
		StorageKey: cfg.Vault.StorageKey,
		Iterations: cfg.Vault.KDFIterations,
	})

	store, err := history.Open(ctx, history.Config{
		Driver:        cfg.DB.Driver,
		DSN:           cfg.DB.DSN,
		AutoMigrate:   cfg.DB.AutoMigrate,
		MigrationsDir: cfg.DB.MigrationsDir,
		StorageKey:    cfg.History.StorageKey,
		KV:            kvs,
		Limits: history.Limits{
			RequestInline:  cfg.History.RequestInline,
			ResponseInline: cfg.History.ResponseInline,
			Preview:        cfg.History.PreviewLimit,
		},
		Metrics: m,
		Logger:  log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open history store")
	}
	defer store.Close()

	migrated, err := history.MigrateLegacy(ctx, store, kvs, history.LegacyKeys{
		Ideas:  cfg.History.LegacyIdeasKey,
		Result: cfg.History.LegacyResultKey,
		Marker: cfg.History.MigratedKey,
	}, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("legacy history migration failed, continuing with current data")
	} else if migrated {
		log.Info().Msg("legacy history keys migrated")
	}

	var limiter *ratelimit.Limiter
	if cfg.Rate.PerHour > 0 {
		limiter = ratelimit.New(rdb, cfg.Rate.PerHour)
	}

	apiServer := api.New(api.Config{
		Vault:       v,
		History:     store,
		Metrics:     m,
		Logger:      log.Logger,
		HTTPClient:  &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
		RateLimiter: limiter,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	apiServer.Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
