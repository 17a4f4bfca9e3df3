package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"tokokas/backend/internal/config"
	"tokokas/backend/internal/jobs"
	"tokokas/backend/internal/service"
	pgstore "tokokas/backend/internal/store/postgres"
	"tokokas/backend/internal/telemetry"
)

func main() {
	enqueueOnly := flag.Bool("enqueue", false, "enqueue one snapshot task and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := telemetry.NewLogger(cfg.AppEnv)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR is empty; snapshot worker disabled")
		return
	}
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *enqueueOnly {
		client := jobs.NewClient(redisOpts)
		defer func() { _ = client.Close() }()
		info, err := client.EnqueueSnapshot(ctx, cfg.SnapshotDaysBack)
		if err != nil {
			logger.Fatal("enqueue snapshot task", zap.Error(err))
		}
		logger.Info("snapshot task enqueued", zap.String("id", info.ID), zap.String("queue", info.Queue))
		return
	}

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL is required; snapshots of an in-memory store would be lost with the process")
	}
	if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal("postgres migration failed", zap.Error(err))
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	repo, err := pgstore.New(connectCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer func() { _ = repo.Close() }()

	dispatcher := telemetry.NewDispatcher(logger, telemetry.NewLogSink(logger))
	defer dispatcher.Wait()

	svc := service.New(repo, service.Options{
		Location:  cfg.Location(),
		Telemetry: dispatcher,
		Logger:    logger,
	})

	task, err := jobs.NewSnapshotTask(cfg.SnapshotDaysBack, time.Time{})
	if err != nil {
		logger.Fatal("build snapshot task", zap.Error(err))
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Location:  cfg.Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDebtSnapshot, Handler: jobs.NewSnapshotJob(svc, logger).Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SnapshotCron, Task: task},
		},
	})
	if err != nil {
		logger.Fatal("init worker", zap.Error(err))
	}

	logger.Info("snapshot worker scheduled",
		zap.String("cron", cfg.SnapshotCron),
		zap.Int("days_back", cfg.SnapshotDaysBack),
		zap.String("timezone", cfg.Location().String()))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", zap.Error(err))
	}
}
