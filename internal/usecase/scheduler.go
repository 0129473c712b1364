package usecase

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"ForumScanner/internal/ports"
)

// Scheduler wires the cron-like driver with the crawl and, optionally, the
// reply-tree pass.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
	trees    *TreeBuilder
	logger   *slog.Logger
	running  atomic.Bool
}

// NewScheduler returns a helper to start/stop recurring jobs. A nil trees
// builder limits scheduled runs to the crawl.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline, trees *TreeBuilder, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, pipeline: pipeline, trees: trees, logger: logger}
}

// Start registers the pipeline with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}

	job := func(trigger time.Time) {
		s.RunOnce(ctx, trigger)
	}

	return s.driver.Start(ctx, job)
}

// RunOnce resumes the crawl and rebuilds trees. It returns false when a
// previous run is still in progress.
func (s *Scheduler) RunOnce(ctx context.Context, trigger time.Time) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still active, skipping trigger", "trigger", trigger)
		return false
	}
	defer s.running.Store(false)

	s.logger.Info("scheduled run", "trigger", trigger)
	if _, err := s.pipeline.Run(ctx); err != nil {
		s.logger.Error("scheduled crawl interrupted", "err", err)
		return true
	}

	if s.trees != nil {
		if err := s.trees.RebuildAll(ctx); err != nil {
			s.logger.Error("scheduled tree pass finished with errors", "err", err)
		}
	}
	return true
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
