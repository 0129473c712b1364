package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedResponse marks a remote payload that could not be decoded.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrRetriesExhausted marks a request abandoned after the retry budget.
	ErrRetriesExhausted = errors.New("retry budget exhausted")
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
)

// ThreadState tracks a thread through the fetch pipeline.
type ThreadState string

const (
	StateDiscovered    ThreadState = "discovered"
	StateFetchingPosts ThreadState = "fetching_posts"
	StateComplete      ThreadState = "complete"
	StateFailed        ThreadState = "failed"
)

// RunSummary is the user-visible outcome of one pipeline run.
type RunSummary struct {
	RunID             string
	ThreadsDiscovered int
	ThreadsSkipped    int
	ThreadsCompleted  int
	ThreadsFailed     int
	PostsUpserted     int
	ThreadErrors      int
	PostErrors        int
	Elapsed           time.Duration
}

// String renders the summary as a short multi-line report.
func (s RunSummary) String() string {
	return fmt.Sprintf("Run %s finished in %s\nThreads discovered: %d (skipped as done: %d)\nThreads completed: %d, failed: %d\nPosts upserted: %d\nRow errors: threads %d, posts %d",
		s.RunID,
		s.Elapsed.Round(time.Second),
		s.ThreadsDiscovered,
		s.ThreadsSkipped,
		s.ThreadsCompleted,
		s.ThreadsFailed,
		s.PostsUpserted,
		s.ThreadErrors,
		s.PostErrors,
	)
}
