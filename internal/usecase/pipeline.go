package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"ForumScanner/internal/config"
	"ForumScanner/internal/domain"
	"ForumScanner/internal/ports"
)

// PipelineDeps wires all driven adapters into the fetch pipeline.
type PipelineDeps struct {
	Source   ports.ForumSource
	Threads  ports.ThreadRepository
	Posts    ports.PostRepository
	Progress ports.ProgressTracker
	Notifier ports.Notifier
	Config   config.PipelineConfig
	Logger   *slog.Logger

	// Sleep waits between requests and retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

// Pipeline discovers threads and ingests their posts with a fixed worker pool.
type Pipeline struct {
	source   ports.ForumSource
	threads  ports.ThreadRepository
	posts    ports.PostRepository
	progress ports.ProgressTracker
	notifier ports.Notifier
	cfg      config.PipelineConfig
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

type runCounters struct {
	discovered   atomic.Int64
	skipped      atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	posts        atomic.Int64
	threadErrors atomic.Int64
	postErrors   atomic.Int64
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) *Pipeline {
	cfg := deps.Config
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.StalePageLimit < 1 {
		cfg.StalePageLimit = 2
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Pipeline{
		source:   deps.Source,
		threads:  deps.Threads,
		posts:    deps.Posts,
		progress: deps.Progress,
		notifier: deps.Notifier,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleep,
		now:      now,
	}
}

// Run performs one full crawl: discovery feeds a bounded queue drained by
// the workers. Only cancellation of ctx is reported as an error.
func (p *Pipeline) Run(ctx context.Context) (domain.RunSummary, error) {
	if p.source == nil {
		return domain.RunSummary{}, errors.New("pipeline has no forum source")
	}

	start := p.now()
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID)
	logger.Info("run started", "workers", p.cfg.Workers, "queue", p.cfg.QueueSize)

	var counters runCounters
	queue := make(chan domain.Thread, p.cfg.QueueSize)

	var wg conc.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workerLogger := logger.With("worker", i)
		wg.Go(func() {
			for thread := range queue {
				p.fetchThread(ctx, workerLogger, thread, &counters)
			}
		})
	}

	p.discover(ctx, logger, queue, &counters)
	close(queue)
	wg.Wait()

	summary := domain.RunSummary{
		RunID:             runID,
		ThreadsDiscovered: int(counters.discovered.Load()),
		ThreadsSkipped:    int(counters.skipped.Load()),
		ThreadsCompleted:  int(counters.completed.Load()),
		ThreadsFailed:     int(counters.failed.Load()),
		PostsUpserted:     int(counters.posts.Load()),
		ThreadErrors:      int(counters.threadErrors.Load()),
		PostErrors:        int(counters.postErrors.Load()),
		Elapsed:           p.now().Sub(start),
	}

	logger.Info("run finished",
		"discovered", summary.ThreadsDiscovered,
		"skipped", summary.ThreadsSkipped,
		"completed", summary.ThreadsCompleted,
		"failed", summary.ThreadsFailed,
		"posts", summary.PostsUpserted,
		"elapsed", summary.Elapsed,
	)

	if p.notifier != nil {
		if err := p.notifier.PublishSummary(ctx, summary.String()); err != nil {
			logger.Warn("publish summary failed", "err", err)
		}
	}

	return summary, ctx.Err()
}

// discover pages the listing with a strictly decreasing fetch_before cursor.
func (p *Pipeline) discover(ctx context.Context, logger *slog.Logger, queue chan<- domain.Thread, counters *runCounters) {
	cursor := p.now()
	seen := make(map[int64]struct{})

	for pageNum := 1; ; pageNum++ {
		page, err := withRetry(ctx, p, logger, "fetch threads", func(ctx context.Context) (domain.ThreadPage, error) {
			return p.source.FetchThreads(ctx, cursor)
		})
		if err != nil {
			logger.Error("discovery stopped", "page", pageNum, "err", err)
			return
		}
		if page.Raw == 0 {
			logger.Info("discovery finished", "pages", pageNum-1)
			return
		}

		oldest := page.Oldest
		for _, thread := range page.Threads {
			if !thread.LastPostTime.IsZero() && (oldest.IsZero() || thread.LastPostTime.Before(oldest)) {
				oldest = thread.LastPostTime
			}

			if err := p.threads.UpsertThread(ctx, thread); err != nil {
				counters.threadErrors.Add(1)
				logger.Warn("thread upsert failed", "thread_id", thread.ID, "err", err)
			}

			if _, ok := seen[thread.ID]; ok {
				continue
			}
			seen[thread.ID] = struct{}{}
			counters.discovered.Add(1)

			done, err := p.progress.IsDone(ctx, thread.ID)
			if err != nil {
				logger.Warn("progress lookup failed, fetching anyway", "thread_id", thread.ID, "err", err)
			}
			if done {
				counters.skipped.Add(1)
				continue
			}

			logger.Debug("thread state", "thread_id", thread.ID, "state", domain.StateDiscovered)
			select {
			case queue <- thread:
			case <-ctx.Done():
				return
			}
		}

		if oldest.IsZero() {
			logger.Warn("discovery stopped: page carries no activity timestamps", "page", pageNum)
			return
		}
		next := oldest.Add(-time.Second)
		if !next.Before(cursor) {
			logger.Warn("discovery stopped: cursor did not advance", "page", pageNum, "cursor", cursor.Unix())
			return
		}
		cursor = next
		logger.Debug("threads page done", "page", pageNum, "raw", page.Raw, "count", len(page.Threads), "next_before", cursor.Unix())

		if err := p.pause(ctx); err != nil {
			return
		}
	}
}

// fetchThread pages through one thread's posts and marks it done unless the
// retry budget ran out.
func (p *Pipeline) fetchThread(ctx context.Context, logger *slog.Logger, thread domain.Thread, counters *runCounters) {
	logger = logger.With("thread_id", thread.ID)
	logger.Debug("thread state", "state", domain.StateFetchingPosts)

	seen := make(map[int64]struct{})
	offset := 1
	stale := 0

	for {
		page, err := withRetry(ctx, p, logger, "fetch posts", func(ctx context.Context) (domain.PostPage, error) {
			return p.source.FetchPosts(ctx, thread.ID, offset)
		})
		if errors.Is(err, domain.ErrMalformedResponse) {
			logger.Warn("malformed posts page, treating as end of thread", "offset", offset, "err", err)
			break
		}
		if err != nil {
			counters.failed.Add(1)
			logger.Error("thread abandoned for this run", "state", domain.StateFailed, "offset", offset, "err", err)
			return
		}
		if page.Raw == 0 {
			break
		}
		if page.Rejected > 0 {
			counters.postErrors.Add(int64(page.Rejected))
			logger.Warn("undecodable posts skipped", "offset", offset, "rejected", page.Rejected)
		}

		fresh := 0
		for _, post := range page.Posts {
			if _, ok := seen[post.ID]; ok {
				continue
			}
			seen[post.ID] = struct{}{}
			fresh++

			if post.ThreadID == 0 {
				post.ThreadID = thread.ID
			}
			if err := p.posts.UpsertPost(ctx, post); err != nil {
				counters.postErrors.Add(1)
				logger.Warn("post upsert failed", "post_id", post.ID, "err", err)
				continue
			}
			counters.posts.Add(1)
		}

		if fresh == 0 {
			stale++
			if stale >= p.cfg.StalePageLimit {
				logger.Debug("no new posts on consecutive pages, stopping", "pages", stale)
				break
			}
		} else {
			stale = 0
		}

		offset += page.Raw
		if err := p.pause(ctx); err != nil {
			counters.failed.Add(1)
			return
		}
	}

	if err := p.progress.MarkDone(ctx, thread.ID); err != nil {
		counters.failed.Add(1)
		logger.Error("mark done failed", "err", err)
		return
	}

	counters.completed.Add(1)
	logger.Info("thread complete", "state", domain.StateComplete, "posts", len(seen))
}

// withRetry retries transient failures with a fixed backoff. Malformed
// responses are returned at once.
func withRetry[T any](ctx context.Context, p *Pipeline, logger *slog.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, domain.ErrMalformedResponse) {
			return zero, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		lastErr = err
		logger.Warn("request failed", "op", op, "attempt", attempt, "max_attempts", p.cfg.MaxAttempts, "err", err)

		if attempt < p.cfg.MaxAttempts {
			if err := p.sleep(ctx, p.cfg.RetryBackoff); err != nil {
				return zero, err
			}
		}
	}

	return zero, fmt.Errorf("%s: %w: %v", op, domain.ErrRetriesExhausted, lastErr)
}

// pause inserts the polite random delay between requests.
func (p *Pipeline) pause(ctx context.Context) error {
	d := p.cfg.DelayMin
	if spread := p.cfg.DelayMax - p.cfg.DelayMin; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread)))
	}
	return p.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
