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

	"github.com/iago/leave-bot/internal/cache"
	"github.com/iago/leave-bot/internal/config"
	"github.com/iago/leave-bot/internal/extract"
	httpserver "github.com/iago/leave-bot/internal/http"
	"github.com/iago/leave-bot/internal/http/handlers"
	"github.com/iago/leave-bot/internal/logging"
	"github.com/iago/leave-bot/internal/notify"
	"github.com/iago/leave-bot/internal/reconciler"
	"github.com/iago/leave-bot/internal/repository"
	"github.com/iago/leave-bot/internal/scheduler"
	"github.com/iago/leave-bot/internal/service"
	"github.com/iago/leave-bot/internal/sheets"
	"github.com/iago/leave-bot/internal/task"
	"github.com/iago/leave-bot/internal/transport"
	"github.com/iago/leave-bot/internal/worker"
	"go.uber.org/zap"
)

func main() {
	dotenvErr := config.LoadDotEnv(".env", ".env.local")
	cfg := config.Load()

	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	if dotenvErr != nil {
		logger.Warn("failed loading .env files", zap.Error(dotenvErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	cacheStore, cacheCloser := setupCache(ctx, cfg, logger)
	defer cacheCloser()

	location := cfg.Location()
	pool := worker.NewPool(worker.PoolConfig{
		Workers:   cfg.BackgroundWorkers,
		QueueSize: cfg.BackgroundQueueSize,
	}, logger)

	dispatcher := notify.NewDispatcher(store, setupSender(cfg, logger), pool, notify.Config{
		SendConcurrency: cfg.FanOutConcurrency,
		CheckDelay:      cfg.DeliveryCheckDelay,
	}, logger)
	rec := reconciler.New(store, cacheStore, dispatcher, reconciler.Config{
		ParkTTL: cfg.DeliveryParkTTL,
	}, logger)
	dispatcher.SetTracker(rec)

	executor := task.NewExecutor(&task.Env{
		Store:    store,
		Cache:    cacheStore,
		Notifier: dispatcher,
		Syncer:   setupSyncer(cfg, location, logger),
		Extractor: extract.NewRegex(extract.RegexConfig{
			Location: location,
			MaxDays:  cfg.MaxLeaveDays,
		}),
		Pool:      pool,
		Completer: rec,
		Location:  location,
		TaskTTL:   cfg.TaskCacheTTL,
		Logger:    logger,
	})

	conversations := service.NewConversations(store, dispatcher, executor, logger)
	queue := scheduler.New(conversations.Process, cacheStore, scheduler.Config{
		IdleTimeout: cfg.SchedulerIdleTimeout,
		MaxWorkers:  cfg.SchedulerMaxWorkers,
		FlagTTL:     cfg.ProcessingFlagTTL,
		OnDrop:      conversations.Dropped,
	}, logger)
	conversations.SetQueue(queue)

	retention := service.NewRetention(store, service.RetentionConfig{
		Interval: cfg.RetentionInterval,
		MaxAge:   cfg.RetentionMaxAge,
	}, logger)
	go retention.Run(ctx)

	api := handlers.NewAPI(conversations, rec, service.NewJobsService(store), cacheStore, handlers.Options{}, logger)
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("port", cfg.Port))
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	queue.Close()
	pool.Close()
}

func setupStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (repository.Store, func()) {
	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not configured, using in-memory store")
		return repository.NewMemoryStore(), func() {}
	}

	pgStore, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("failed to initialize postgres store, fallback to memory", zap.Error(err))
		return repository.NewMemoryStore(), func() {}
	}
	if err := pgStore.RunMigrations(ctx); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}
	logger.Info("postgres store initialized")
	return pgStore, pgStore.Close
}

func setupCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (cache.Cache, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not configured, using in-memory cache")
		return cache.NewMemoryCache(cache.MemoryConfig{}), func() {}
	}

	redisCache, err := cache.NewRedisCache(ctx, cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   "leavebot:",
	})
	if err != nil {
		logger.Warn("failed to initialize redis cache, fallback to memory", zap.Error(err))
		return cache.NewMemoryCache(cache.MemoryConfig{}), func() {}
	}
	logger.Info("redis cache initialized")
	return redisCache, func() {
		_ = redisCache.Close()
	}
}

func setupSender(cfg config.Config, logger *zap.Logger) transport.Sender {
	if cfg.WhatsAppBaseURL == "" {
		logger.Info("WHATSAPP_BASE_URL not configured, messages are only logged")
		return transport.NewLogSender(logger)
	}
	return transport.NewClient(transport.ClientConfig{
		BaseURL:    cfg.WhatsAppBaseURL,
		Token:      cfg.WhatsAppToken,
		Sender:     cfg.WhatsAppSender,
		Timeout:    cfg.WhatsAppTimeout,
		MaxRetries: cfg.WhatsAppMaxRetries,
		RPS:        cfg.WhatsAppRPS,
	})
}

func setupSyncer(cfg config.Config, location *time.Location, logger *zap.Logger) sheets.Syncer {
	if cfg.SheetsBaseURL == "" {
		logger.Info("SHEETS_BASE_URL not configured, spreadsheet sync disabled")
		return sheets.Noop{}
	}
	return sheets.NewClient(sheets.ClientConfig{
		BaseURL:    cfg.SheetsBaseURL,
		Token:      cfg.SheetsToken,
		Timeout:    cfg.SheetsTimeout,
		MaxRetries: cfg.SheetsMaxRetries,
		Location:   location,
	})
}
