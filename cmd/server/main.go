package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaddinnagiyev/connectify/internal/api"
	"github.com/mahaddinnagiyev/connectify/internal/api/middleware"
	"github.com/mahaddinnagiyev/connectify/internal/chat"
	"github.com/mahaddinnagiyev/connectify/internal/config"
	"github.com/mahaddinnagiyev/connectify/internal/crypto"
	"github.com/mahaddinnagiyev/connectify/internal/handlers"
	"github.com/mahaddinnagiyev/connectify/internal/media"
	"github.com/mahaddinnagiyev/connectify/internal/notify"
	"github.com/mahaddinnagiyev/connectify/internal/realtime"
	"github.com/mahaddinnagiyev/connectify/internal/store"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	verifier, err := crypto.NewTokenVerifier(cfg.IdentityPublicKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("IDENTITY_PUBLIC_KEY is missing or invalid (generate one with cmd/genkey)")
	}

	ds := openStore(ctx, cfg, logger)
	defer ds.Close()

	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	chatOpts := chat.Options{
		DefaultLimit: cfg.HistoryDefaultLimit,
		MaxLimit:     cfg.HistoryMaxLimit,
		Logger:       logger,
	}
	engineCfg := realtime.EngineConfig{Logger: logger}
	if redisStore != nil {
		chatOpts.Unread = redisStore
		engineCfg.Presence = redisStore
	}

	switch cfg.Broker {
	case "":
	case "redis":
		if redisStore == nil {
			logger.Fatal().Msg("BROKER=redis requires REDIS_URL")
		}
		engineCfg.Broker = realtime.NewRedisBroker(redisStore.Client(), logger)
	case "nats":
		broker, err := realtime.NewNATSBroker(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connection failed")
		}
		engineCfg.Broker = broker
		logger.Info().Str("url", cfg.NATSURL).Msg("connected to NATS")
	default:
		logger.Fatal().Str("broker", cfg.Broker).Msg("unknown BROKER (want redis or nats)")
	}
	if engineCfg.Broker != nil {
		defer engineCfg.Broker.Close()
	}

	if len(cfg.KafkaBrokers) > 0 {
		notifier := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaNotifyTopic, logger)
		defer notifier.Close()
		engineCfg.Notifier = notifier
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaNotifyTopic).Msg("push notifications enabled")
	}

	var uploader handlers.Uploader
	if cfg.S3Bucket != "" {
		presigner, err := media.NewS3Presigner(ctx, cfg.S3Region, cfg.S3Bucket)
		if err != nil {
			logger.Fatal().Err(err).Msg("s3 configuration failed")
		}
		uploader = presigner
		logger.Info().Str("bucket", cfg.S3Bucket).Msg("media uploads enabled")
	}

	engine := realtime.NewEngine(chat.NewService(ds, chatOpts), engineCfg)
	if err := engine.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("broker subscription failed")
	}

	router := api.NewRouter(api.RouterConfig{
		Logger: logger,
		Handler: handlers.NewHandler(handlers.Deps{
			Engine: engine,
			Store:  ds,
			Redis:  redisStore,
			Media:  uploader,
			Logger: logger,
		}),
		Realtime:    realtime.NewHandler(engine, verifier, logger),
		Verifier:    verifier,
		Redis:       redisStore,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("broker", cfg.Broker).
			Msg("starting connectify server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	// Shutdown does not track hijacked connections.
	engine.Hub().CloseAll()
	stop()

	logger.Info().Msg("server stopped")
}

// openStore connects to PostgreSQL when DATABASE_URL is set and falls back to SQLite.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) store.DataStore {
	if cfg.DatabaseURL != "" {
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
		logger.Info().Msg("migrations completed")

		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		logger.Info().Msg("connected to PostgreSQL")
		return pg
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		logger.Fatal().Err(err).Msg("sqlite directory")
	}
	sqlite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("sqlite open failed")
	}
	logger.Warn().Str("path", cfg.SQLitePath).Msg("using embedded SQLite store")
	return sqlite
}
