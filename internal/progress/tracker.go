// Package progress records which threads have been fully ingested.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ForumScanner/internal/ports"
)

// Tracker caches the durable progress set and writes new marks through.
// A mark is never removed; a duplicate insert counts as success.
type Tracker struct {
	store       ports.ProgressStore
	isDuplicate func(error) bool
	logger      *slog.Logger

	mu     sync.RWMutex
	done   map[int64]struct{}
	loaded bool
}

var _ ports.ProgressTracker = (*Tracker)(nil)

// NewTracker wires the store; isDuplicate recognises the store's
// uniqueness violation.
func NewTracker(store ports.ProgressStore, isDuplicate func(error) bool, logger *slog.Logger) *Tracker {
	if isDuplicate == nil {
		isDuplicate = func(error) bool { return false }
	}
	return &Tracker{
		store:       store,
		isDuplicate: isDuplicate,
		logger:      logger,
		done:        map[int64]struct{}{},
	}
}

// Load reads the progress set from the store.
func (t *Tracker) Load(ctx context.Context) error {
	ids, err := t.store.ListProgress(ctx)
	if err != nil {
		return fmt.Errorf("list progress: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		t.done[id] = struct{}{}
	}
	t.loaded = true

	if t.logger != nil {
		t.logger.Info("progress loaded", "done_threads", len(ids))
	}
	return nil
}

// IsDone reports whether the thread already carries a progress mark.
func (t *Tracker) IsDone(ctx context.Context, threadID int64) (bool, error) {
	t.mu.RLock()
	loaded := t.loaded
	t.mu.RUnlock()

	if !loaded {
		if err := t.Load(ctx); err != nil {
			return false, err
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.done[threadID]
	return ok, nil
}

// MarkDone records the thread as fully ingested. Marking twice is a no-op.
func (t *Tracker) MarkDone(ctx context.Context, threadID int64) error {
	t.mu.RLock()
	_, ok := t.done[threadID]
	t.mu.RUnlock()
	if ok {
		return nil
	}

	if err := t.store.InsertProgress(ctx, threadID); err != nil && !t.isDuplicate(err) {
		return fmt.Errorf("mark thread %d done: %w", threadID, err)
	}

	t.mu.Lock()
	t.done[threadID] = struct{}{}
	t.mu.Unlock()
	return nil
}

// Done returns a snapshot of the progress set.
func (t *Tracker) Done() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]int64, 0, len(t.done))
	for id := range t.done {
		ids = append(ids, id)
	}
	return ids
}
