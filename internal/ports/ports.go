package ports

import (
	"context"
	"time"

	"ForumScanner/internal/domain"
)

// ForumSource pages through the remote thread and post listings.
type ForumSource interface {
	// FetchThreads returns the listing page of threads last active before the cursor.
	FetchThreads(ctx context.Context, before time.Time) (domain.ThreadPage, error)
	// FetchPosts returns the page of posts starting at the 1-based offset.
	FetchPosts(ctx context.Context, threadID int64, offset int) (domain.PostPage, error)
}

// ThreadRepository persists thread records.
type ThreadRepository interface {
	UpsertThread(ctx context.Context, thread domain.Thread) error
	GetThread(ctx context.Context, threadID int64) (domain.Thread, error)
	// ListThreadIDs returns every thread that has at least one stored post.
	ListThreadIDs(ctx context.Context) ([]int64, error)
}

// PostRepository persists posts and serves the per-thread read view.
type PostRepository interface {
	UpsertPost(ctx context.Context, post domain.Post) error
	// ListPosts returns every stored post of the thread in thread order.
	ListPosts(ctx context.Context, threadID int64) ([]domain.Post, error)
}

// ProgressStore is the durable set of fully ingested threads.
type ProgressStore interface {
	// InsertProgress fails with a duplicate error if the mark already exists.
	InsertProgress(ctx context.Context, threadID int64) error
	ListProgress(ctx context.Context) ([]int64, error)
}

// ReplyTreeRepository stores derived reply graphs.
type ReplyTreeRepository interface {
	UpsertReplyTree(ctx context.Context, tree domain.ReplyTree) error
	// ReplaceReferences swaps the thread's reference edges in one step.
	ReplaceReferences(ctx context.Context, threadID int64, edges []domain.ReferenceEdge) error
}

// ProgressTracker answers and records "thread fully ingested".
type ProgressTracker interface {
	IsDone(ctx context.Context, threadID int64) (bool, error)
	MarkDone(ctx context.Context, threadID int64) error
}

// Notifier delivers the run summary to an operator channel.
type Notifier interface {
	PublishSummary(ctx context.Context, summary string) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
