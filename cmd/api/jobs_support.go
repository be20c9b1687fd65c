package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yourusername/file-forge/internal/cleanup"
	"github.com/yourusername/file-forge/internal/config"
	"github.com/yourusername/file-forge/internal/imaging"
	"github.com/yourusername/file-forge/internal/jobs"
	"github.com/yourusername/file-forge/internal/pdf"
	"github.com/yourusername/file-forge/internal/storage"
	"github.com/yourusername/file-forge/internal/tools"
)

// jobStack は API サーバーが使うジョブ関連の部品一式です。
type jobStack struct {
	store     jobs.Store
	storage   *storage.Local
	runner    *jobs.Runner
	queue     *jobs.QueueDispatcher // JOB_RUNNER=asynq のときだけ設定される
	service   *tools.Service
	scheduler *cleanup.Scheduler
}

func setupJobs(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*jobStack, error) {
	store, err := jobs.OpenStore(ctx, jobs.StoreConfig{
		Kind:     cfg.JobStore,
		DBPath:   cfg.DBPath,
		RedisURL: cfg.QueueRedisURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	// 前回の停止で processing のまま残ったジョブは、このプロセスでは再開できない
	if n, err := jobs.RecoverInterrupted(ctx, store, logger); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to recover interrupted jobs: %w", err)
	} else if n > 0 {
		logger.Warn("recovered interrupted jobs", "count", n)
	}

	st, err := storage.NewLocal(cfg.StorageRoot)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to prepare storage root: %w", err)
	}

	gs := tools.NewGhostscript(cfg.GhostscriptPath)
	if !gs.Available() {
		logger.Warn("ghostscript not found; pdf-to-images and compress-pdf will reject jobs", "path", cfg.GhostscriptPath)
	}
	env := tools.Env{
		Storage: st,
		Limits: tools.Limits{
			MaxFileSize: cfg.MaxFileSize,
			MaxPages:    cfg.MaxPages,
			MaxFiles:    cfg.MaxFiles,
		},
		Ghostscript: gs,
		Logger:      logger,
	}
	registry := tools.NewRegistry(st, append(pdf.Tools(env), imaging.Tools(env)...)...)

	runner := jobs.NewRunner(store,
		jobs.WithConcurrency(cfg.WorkerConcurrency),
		jobs.WithRunnerLogger(logger),
	)

	stack := &jobStack{store: store, storage: st, runner: runner}
	var dispatcher jobs.Dispatcher
	switch cfg.JobRunner {
	case config.RunnerAsynq:
		queue, err := jobs.NewQueueDispatcher(cfg.QueueRedisURL, cfg.WorkerConcurrency, store, runner, registry, logger)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to set up job queue: %w", err)
		}
		queue.StartWorkers()
		stack.queue = queue
		dispatcher = queue
	default:
		dispatcher = jobs.NewLocalDispatcher(runner, registry)
	}

	stack.service = tools.NewService(store, st, dispatcher, registry, tools.ServiceConfig{
		JobTTL:            cfg.JobTTL(),
		InteractiveJobTTL: cfg.InteractiveJobTTL(),
		Logger:            logger,
	})
	stack.scheduler = cleanup.New(store, st,
		cleanup.WithInterval(cfg.CleanupInterval()),
		cleanup.WithOrphanGrace(cfg.OrphanGrace()),
		cleanup.WithLogger(logger),
	)

	logger.Info("job stack ready",
		"store", cfg.JobStore,
		"runner", cfg.JobRunner,
		"concurrency", cfg.WorkerConcurrency,
		"storage_root", st.Root(),
		"tools", len(registry.Tools()),
	)
	return stack, nil
}

// shutdown は掃除、キュー、実行中ジョブ、ストアの順に停止します。
func (s *jobStack) shutdown(ctx context.Context) error {
	var errs []error
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cleanup scheduler: %w", err))
	}
	if s.queue != nil {
		if err := s.queue.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("job queue: %w", err))
		}
	}
	if err := s.runner.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("job runner: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("job store: %w", err))
	}
	return errors.Join(errs...)
}
