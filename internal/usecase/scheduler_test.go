package usecase

import (
	"context"
	"testing"
	"time"

	"ForumScanner/internal/domain"
	"ForumScanner/internal/logging"
)

func TestSchedulerRunsCrawlThenTrees(t *testing.T) {
	t.Parallel()

	src := newFakeSource(10)
	src.threadPages = [][]domain.Thread{{thread(1, 1000)}}
	src.posts[1] = []domain.Post{
		storedPost(11, 1, "bob", 100, "hello"),
		storedPost(12, 1, "alice", 200, "[quote=bob]hello[/quote]hi"),
	}

	store := newMemoryStore()
	driver := &fakeDriver{}
	s := NewScheduler(driver, newTestPipeline(src, store, nil), newTestTreeBuilder(store), logging.Discard())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if driver.started != 1 || driver.job == nil {
		t.Fatalf("job not registered with driver")
	}

	driver.job(time.Now())

	if !store.isDone(1) {
		t.Fatalf("scheduled crawl did not complete thread")
	}
	tree, ok := store.trees[1]
	if !ok {
		t.Fatalf("scheduled run did not rebuild trees")
	}
	if len(tree.Graph.Edges) != 1 || tree.Graph.Edges[0].To != 1 {
		t.Fatalf("unexpected tree: %+v", tree.Graph.Edges)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if driver.stopped != 1 {
		t.Fatalf("driver not stopped")
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	t.Parallel()

	s := NewScheduler(&fakeDriver{}, newTestPipeline(newFakeSource(10), newMemoryStore(), nil), nil, logging.Discard())
	s.running.Store(true)

	if s.RunOnce(context.Background(), time.Now()) {
		t.Fatalf("overlapping trigger must be skipped")
	}

	s.running.Store(false)
	if !s.RunOnce(context.Background(), time.Now()) {
		t.Fatalf("idle scheduler must run")
	}
}
