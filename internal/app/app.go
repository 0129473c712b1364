package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ForumScanner/internal/config"
	"ForumScanner/internal/domain"
	"ForumScanner/internal/infrastructure/forumapi"
	"ForumScanner/internal/infrastructure/scheduler"
	"ForumScanner/internal/infrastructure/storage"
	"ForumScanner/internal/infrastructure/telegram"
	"ForumScanner/internal/logging"
	"ForumScanner/internal/ports"
	"ForumScanner/internal/progress"
	"ForumScanner/internal/resolve"
	"ForumScanner/internal/usecase"
)

const stopTimeout = 30 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	repo      *storage.Repository
	pipeline  *usecase.Pipeline
	trees     *usecase.TreeBuilder
	scheduler *usecase.Scheduler
}

// New opens storage and builds every component. Storage failures are the
// only fatal startup error.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	repo, err := storage.Open(ctx, cfg.Database, baseLogger.With("component", "storage"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	source := forumapi.NewClient(cfg.Forum, nil, baseLogger.With("component", "forumapi"))
	tracker := progress.NewTracker(repo, storage.IsDuplicate, baseLogger.With("component", "progress"))

	var notifier ports.Notifier
	if n := telegram.NewNotifier(cfg.Notifications.Telegram); n != nil {
		notifier = n
	}

	pipeline := usecase.NewPipeline(usecase.PipelineDeps{
		Source:   source,
		Threads:  repo,
		Posts:    repo,
		Progress: tracker,
		Notifier: notifier,
		Config:   cfg.Pipeline,
		Logger:   baseLogger.With("component", "pipeline"),
	})

	treeLogger := baseLogger.With("component", "replytree")
	trees := usecase.NewTreeBuilder(usecase.TreeBuilderDeps{
		Threads: repo,
		Posts:   repo,
		Trees:   repo,
		Resolver: resolve.New(resolve.Options{
			Threshold:      cfg.Resolver.SimilarityThreshold(),
			SubstringFirst: cfg.Resolver.UseSubstring(),
		}, treeLogger),
		Workers: cfg.Tree.Workers,
		Logger:  treeLogger,
	})

	var scheduledTrees *usecase.TreeBuilder
	if cfg.Scheduler.WithTrees() {
		scheduledTrees = trees
	}
	driver := scheduler.NewCronScheduler(cfg.Scheduler.CronExpression, cfg.Scheduler.Location(), baseLogger.With("component", "cron"))
	sched := usecase.NewScheduler(driver, pipeline, scheduledTrees, baseLogger.With("component", "scheduler"))

	return &Application{
		cfg:       cfg,
		logger:    baseLogger,
		repo:      repo,
		pipeline:  pipeline,
		trees:     trees,
		scheduler: sched,
	}, nil
}

// Crawl runs the fetch pipeline once and optionally rebuilds trees of every
// stored thread afterwards.
func (a *Application) Crawl(ctx context.Context, withTrees bool) (domain.RunSummary, error) {
	summary, err := a.pipeline.Run(ctx)
	if err != nil {
		return summary, err
	}
	if withTrees {
		if err := a.trees.RebuildAll(ctx); err != nil {
			return summary, fmt.Errorf("rebuild trees: %w", err)
		}
	}
	return summary, nil
}

// BuildTrees rebuilds the given threads, or all stored threads when ids is empty.
func (a *Application) BuildTrees(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return a.trees.RebuildAll(ctx)
	}
	return a.trees.Rebuild(ctx, ids)
}

// ReplyTree returns the stored export for one thread.
func (a *Application) ReplyTree(ctx context.Context, threadID int64) (domain.ReplyTree, error) {
	return a.repo.GetReplyTree(ctx, threadID)
}

// Schedule blocks running the cron driver until ctx is cancelled.
func (a *Application) Schedule(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("waiting for scheduled runs", "cron", a.cfg.Scheduler.CronExpression, "timezone", a.cfg.Scheduler.Location().String())

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return a.scheduler.Stop(stopCtx)
}

// Close releases storage.
func (a *Application) Close() error {
	if a.repo == nil {
		return nil
	}
	return a.repo.Close()
}
