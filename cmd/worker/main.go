package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/corebridge/internal/app"
	"github.com/meridian-erp/corebridge/internal/companies"
	"github.com/meridian-erp/corebridge/internal/platform/cache"
	"github.com/meridian-erp/corebridge/internal/platform/db"
	"github.com/meridian-erp/corebridge/internal/remote"
	"github.com/meridian-erp/corebridge/internal/syncrun"
	"github.com/meridian-erp/corebridge/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	repo := companies.NewRepository(pool)
	journal := syncrun.NewJournal(pool)
	lock := syncrun.NewRunLock(redisClient, cfg.SyncLockTTL)

	factory := func(token string) *syncrun.Service {
		return syncrun.NewService(syncrun.ServiceConfig{
			Source: remote.NewClient(remote.ClientConfig{
				BaseURL:   cfg.APIBaseURL,
				Token:     token,
				Timeout:   cfg.APITimeout,
				PageDelay: cfg.APIPageDelay,
				Logger:    logger,
			}),
			Companies: repo,
			Journal:   journal,
			Lock:      lock,
			PageSize:  cfg.APIPageSize,
			Logger:    logger,
		})
	}

	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskTypeSyncRun, Handler: jobs.NewSyncRunHandler(factory, logger)},
		{Type: jobs.TaskTypeSyncRollback, Handler: jobs.NewSyncRollbackHandler(factory, logger)},
	}

	var cron []jobs.CronRegistration
	if cfg.SyncCron != "" {
		if cfg.APIStaticToken == "" {
			logger.Error("SYNC_CRON requires API_STATIC_TOKEN, scheduled runs cannot open a browser")
			os.Exit(1)
		}
		task, err := jobs.NewSyncRunTask(jobs.SyncRunPayload{
			Namespace:   string(companies.NamespaceCore),
			AccessToken: cfg.APIStaticToken,
		})
		if err != nil {
			logger.Error("build cron task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.SyncCron, Task: task})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  handlers,
		Cron:      cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
