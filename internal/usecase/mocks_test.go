package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ForumScanner/internal/domain"
	"ForumScanner/internal/ports"
)

var errDuplicate = errors.New("duplicate")

func isDuplicate(err error) bool { return errors.Is(err, errDuplicate) }

// fakeSource serves listing pages in order and post pages by offset.
// Threads in unusable and posts in broken are reported like rows the forum
// client could not decode: counted in the raw page, missing from the result.
type fakeSource struct {
	mu sync.Mutex

	threadPages   [][]domain.Thread
	unusable      map[int64]bool
	repeatThreads bool
	threadErr     error
	threadCalls   int
	cursors       []time.Time

	posts     map[int64][]domain.Post
	pageSize  int
	broken    map[int64]bool
	repeat    map[int64]bool
	postErr   map[int64]error
	postCalls map[int64]int
	offsets   map[int64][]int
}

func newFakeSource(pageSize int) *fakeSource {
	return &fakeSource{
		posts:     map[int64][]domain.Post{},
		pageSize:  pageSize,
		unusable:  map[int64]bool{},
		broken:    map[int64]bool{},
		repeat:    map[int64]bool{},
		postErr:   map[int64]error{},
		postCalls: map[int64]int{},
		offsets:   map[int64][]int{},
	}
}

func (s *fakeSource) FetchThreads(_ context.Context, before time.Time) (domain.ThreadPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cursors = append(s.cursors, before)
	s.threadCalls++
	if s.threadErr != nil {
		return domain.ThreadPage{}, s.threadErr
	}
	idx := s.threadCalls - 1
	if s.repeatThreads {
		idx = 0
	}
	if idx >= len(s.threadPages) {
		return domain.ThreadPage{}, nil
	}

	raw := s.threadPages[idx]
	page := domain.ThreadPage{Raw: len(raw)}
	for _, th := range raw {
		if !th.LastPostTime.IsZero() && (page.Oldest.IsZero() || th.LastPostTime.Before(page.Oldest)) {
			page.Oldest = th.LastPostTime
		}
		if s.unusable[th.ID] {
			continue
		}
		page.Threads = append(page.Threads, th)
	}
	return page, nil
}

func (s *fakeSource) FetchPosts(_ context.Context, threadID int64, offset int) (domain.PostPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.postCalls[threadID]++
	s.offsets[threadID] = append(s.offsets[threadID], offset)
	if err := s.postErr[threadID]; err != nil {
		return domain.PostPage{}, err
	}

	all := s.posts[threadID]
	start := offset - 1
	if s.repeat[threadID] {
		start = 0
	}
	if start >= len(all) {
		return domain.PostPage{}, nil
	}
	end := min(start+s.pageSize, len(all))

	page := domain.PostPage{Raw: end - start}
	for _, post := range all[start:end] {
		if s.broken[post.ID] {
			page.Rejected++
			continue
		}
		page.Posts = append(page.Posts, post)
	}
	return page, nil
}

func (s *fakeSource) calls(threadID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postCalls[threadID]
}

// memoryStore implements every repository port in memory.
type memoryStore struct {
	mu sync.Mutex

	threads       map[int64]domain.Thread
	posts         map[int64]domain.Post
	progress      map[int64]struct{}
	trees         map[int64]domain.ReplyTree
	references    map[int64][]domain.ReferenceEdge
	failPost      map[int64]bool
	postUpserts   int
	progressCalls int
}

var (
	_ ports.ThreadRepository    = (*memoryStore)(nil)
	_ ports.PostRepository      = (*memoryStore)(nil)
	_ ports.ProgressStore       = (*memoryStore)(nil)
	_ ports.ReplyTreeRepository = (*memoryStore)(nil)
)

func newMemoryStore() *memoryStore {
	return &memoryStore{
		threads:    map[int64]domain.Thread{},
		posts:      map[int64]domain.Post{},
		progress:   map[int64]struct{}{},
		trees:      map[int64]domain.ReplyTree{},
		references: map[int64][]domain.ReferenceEdge{},
		failPost:   map[int64]bool{},
	}
}

func (m *memoryStore) UpsertThread(_ context.Context, thread domain.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[thread.ID] = thread
	return nil
}

func (m *memoryStore) GetThread(_ context.Context, threadID int64) (domain.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	thread, ok := m.threads[threadID]
	if !ok {
		return domain.Thread{}, fmt.Errorf("thread %d: %w", threadID, domain.ErrNotFound)
	}
	return thread, nil
}

func (m *memoryStore) ListThreadIDs(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := map[int64]struct{}{}
	for _, p := range m.posts {
		set[p.ThreadID] = struct{}{}
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memoryStore) UpsertPost(_ context.Context, post domain.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPost[post.ID] {
		return errors.New("disk full")
	}
	m.postUpserts++
	m.posts[post.ID] = post
	return nil
}

func (m *memoryStore) ListPosts(_ context.Context, threadID int64) ([]domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Post
	for _, p := range m.posts {
		if p.ThreadID == threadID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Precedes(out[j]) })
	return out, nil
}

func (m *memoryStore) InsertProgress(_ context.Context, threadID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressCalls++
	if _, ok := m.progress[threadID]; ok {
		return errDuplicate
	}
	m.progress[threadID] = struct{}{}
	return nil
}

func (m *memoryStore) ListProgress(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.progress))
	for id := range m.progress {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memoryStore) UpsertReplyTree(_ context.Context, tree domain.ReplyTree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trees[tree.ThreadID] = tree
	return nil
}

func (m *memoryStore) ReplaceReferences(_ context.Context, threadID int64, edges []domain.ReferenceEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.references[threadID] = append([]domain.ReferenceEdge(nil), edges...)
	return nil
}

func (m *memoryStore) isDone(threadID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.progress[threadID]
	return ok
}

func (m *memoryStore) postCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) PublishSummary(_ context.Context, summary string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, summary)
	return nil
}

type fakeDriver struct {
	mu      sync.Mutex
	job     func(time.Time)
	started int
	stopped int
}

func (d *fakeDriver) Start(_ context.Context, job func(time.Time)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.job = job
	d.started++
	return nil
}

func (d *fakeDriver) Stop(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	return nil
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }
