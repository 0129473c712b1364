package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ForumScanner/internal/domain"
	"ForumScanner/internal/logging"
	"ForumScanner/internal/quote"
	"ForumScanner/internal/resolve"
)

func storedPost(id, threadID int64, author string, at int64, raw string) domain.Post {
	quotes, clean := quote.Parse(raw)
	return domain.Post{
		ID:        id,
		ThreadID:  threadID,
		Number:    id,
		Author:    author,
		PostTime:  time.Unix(at, 0).UTC(),
		RawText:   raw,
		CleanText: clean,
		Quotes:    quotes,
	}
}

func newTestTreeBuilder(store *memoryStore) *TreeBuilder {
	logger := logging.Discard()
	return NewTreeBuilder(TreeBuilderDeps{
		Threads:  store,
		Posts:    store,
		Trees:    store,
		Resolver: resolve.New(resolve.Options{Threshold: resolve.DefaultThreshold, SubstringFirst: true}, logger),
		Workers:  2,
		Logger:   logger,
	})
}

func seed(store *memoryStore, posts ...domain.Post) {
	for _, p := range posts {
		_ = store.UpsertPost(context.Background(), p)
	}
}

func TestBuildThreeObjectScenario(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	store.threads[1] = domain.Thread{ID: 1, Title: "greetings", PostCount: 5}
	seed(store,
		storedPost(11, 1, "bob", 100, "hello"),
		storedPost(12, 1, "alice", 200, "[quote=bob]hello[/quote]reply"),
		storedPost(13, 1, "carol", 300, "no quotes here"),
	)

	tree, err := newTestTreeBuilder(store).Build(context.Background(), 1)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	want := []domain.ReplyEdge{{From: 2, To: 1}, {From: 3, To: 2}}
	if len(tree.Graph.Edges) != len(want) {
		t.Fatalf("unexpected edges: %+v", tree.Graph.Edges)
	}
	for i, e := range tree.Graph.Edges {
		if e.From != want[i].From || e.To != want[i].To {
			t.Fatalf("edge %d = (%d,%d), want (%d,%d)", i, e.From, e.To, want[i].From, want[i].To)
		}
	}
	if tree.Graph.Edges[0].Source != domain.EdgeSubstring || tree.Graph.Edges[1].Source != domain.EdgeFallback {
		t.Fatalf("unexpected edge sources: %+v", tree.Graph.Edges)
	}
	if tree.OutDegree(1) != 0 {
		t.Fatalf("first post must have out-degree 0")
	}
	if tree.Title != "greetings" || tree.PostsNum != 5 || tree.PostsGet != 3 {
		t.Fatalf("unexpected tree header: %+v", tree)
	}

	refs := store.references[1]
	if len(refs) != 1 || refs[0] != (domain.ReferenceEdge{ReferencingPostID: 12, ReferencedPostID: 11}) {
		t.Fatalf("unexpected references: %+v", refs)
	}
	if _, ok := store.trees[1]; !ok {
		t.Fatalf("tree not stored")
	}
}

func TestBuildResolvesParaphrasedQuoteBySimilarity(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	seed(store,
		storedPost(31, 3, "bob", 100, "the integral converges because the integrand decays exponentially fast"),
		storedPost(32, 3, "bob", 150, "I prefer geometry problems"),
		storedPost(33, 3, "alice", 200, "[quote=bob]integral converges since integrand decays fast[/quote]right"),
		storedPost(34, 3, "carol", 300, "[quote=bob]decays slowly here honestly wrong maybe[/quote]no"),
	)

	tree, err := newTestTreeBuilder(store).Build(context.Background(), 3)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	// 0.2 is a calibrated heuristic: five shared tokens of seven on average
	// clear it easily, one of seven (about 0.14) does not.
	want := []domain.ReplyEdge{
		{From: 2, To: 1, Source: domain.EdgeFallback},
		{From: 3, To: 1, Source: domain.EdgeSimilarity},
		{From: 4, To: domain.Unresolved, Source: domain.EdgeUnresolved},
	}
	if len(tree.Graph.Edges) != len(want) {
		t.Fatalf("unexpected edges: %+v", tree.Graph.Edges)
	}
	for i, e := range tree.Graph.Edges {
		if e != want[i] {
			t.Fatalf("edge %d = %+v, want %+v", i, e, want[i])
		}
	}

	refs := store.references[3]
	wantRefs := []domain.ReferenceEdge{
		{ReferencingPostID: 33, ReferencedPostID: 31},
		{ReferencingPostID: 34, ReferencedPostID: domain.Unresolved},
	}
	if len(refs) != len(wantRefs) || refs[0] != wantRefs[0] || refs[1] != wantRefs[1] {
		t.Fatalf("unexpected references: %+v", refs)
	}
}

func TestBuildQuotedPostNeverFallsBack(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	seed(store,
		storedPost(21, 2, "bob", 100, "something"),
		storedPost(22, 2, "alice", 200, "[quote=ghost]never posted[/quote][quote]anonymous[/quote]hm"),
	)

	tree, err := newTestTreeBuilder(store).Build(context.Background(), 2)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	if tree.OutDegree(2) != 2 {
		t.Fatalf("expected one edge per quote, got %+v", tree.Graph.Edges)
	}
	for _, e := range tree.Graph.Edges {
		if e.To != domain.Unresolved {
			t.Fatalf("unresolved quotes must point at the sink, got %+v", e)
		}
	}
	if tree.Title != "" || tree.PostsNum != 2 {
		t.Fatalf("missing thread record must fall back to stored post count: %+v", tree)
	}
	if refs := store.references[2]; len(refs) != 2 || refs[0].ReferencedPostID != domain.Unresolved {
		t.Fatalf("unexpected references: %+v", refs)
	}
}

func TestBuildNestedQuotesInPreOrder(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	seed(store,
		storedPost(31, 3, "bob", 100, "the base claim"),
		storedPost(32, 3, "carol", 200, "[quote=bob]the base claim[/quote]a refinement of it"),
		storedPost(33, 3, "dave", 300, "[quote=carol][quote=bob]the base claim[/quote]a refinement of it[/quote]both wrong"),
	)

	tree, err := newTestTreeBuilder(store).Build(context.Background(), 3)
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}

	var fromThree []int
	for _, e := range tree.Graph.Edges {
		if e.From == 3 {
			fromThree = append(fromThree, e.To)
		}
	}
	if len(fromThree) != 2 || fromThree[0] != 2 || fromThree[1] != 1 {
		t.Fatalf("expected outer quote then inner quote (2 then 1), got %v", fromThree)
	}
}

func TestBuildIsRepeatable(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	seed(store,
		storedPost(41, 4, "bob", 100, "x"),
		storedPost(42, 4, "alice", 200, "[quote=bob]x[/quote]y"),
	)
	builder := newTestTreeBuilder(store)

	first, err := builder.Build(context.Background(), 4)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := builder.Build(context.Background(), 4)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("rebuild changed the export:\n%s\n%s", a, b)
	}
	if len(store.references[4]) != 1 {
		t.Fatalf("references must be replaced, not appended: %+v", store.references[4])
	}
}

func TestBuildEmptyThread(t *testing.T) {
	t.Parallel()

	_, err := newTestTreeBuilder(newMemoryStore()).Build(context.Background(), 99)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRebuildAllCollectsFailures(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	seed(store,
		storedPost(51, 5, "bob", 100, "a"),
		storedPost(61, 6, "bob", 100, "b"),
		storedPost(62, 6, "eve", 200, "c"),
	)
	builder := newTestTreeBuilder(store)

	if err := builder.RebuildAll(context.Background()); err != nil {
		t.Fatalf("RebuildAll error: %v", err)
	}
	if len(store.trees) != 2 {
		t.Fatalf("expected 2 trees, got %d", len(store.trees))
	}

	err := builder.Rebuild(context.Background(), []int64{5, 5, 404})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected missing thread to surface ErrNotFound, got %v", err)
	}
	if len(store.trees) != 2 {
		t.Fatalf("failed thread must not store a tree")
	}
}

func TestReplyTreeExportShape(t *testing.T) {
	t.Parallel()

	tree := domain.ReplyTree{
		ThreadID: 1,
		Title:    "t",
		PostsNum: 2,
		PostsGet: 2,
		Graph: domain.ReplyGraph{
			Nodes: []domain.ReplyNode{{Seq: 1, PostID: 9, Author: "a", PostTime: time.Unix(0, 0)}},
			Edges: []domain.ReplyEdge{{From: 2, To: 0, Source: domain.EdgeUnresolved}},
		},
	}

	raw, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"thread_id":1,"topic_title":"t","posts_num":2,"posts_get":2,"tree_json":{"nodes":[{"seq":1,"post_id":9,"author":"a","post_time":"1970-01-01 00:00:00"}],"edges":[{"from":2,"to":0}]}}`
	if string(raw) != want {
		t.Fatalf("unexpected export:\n got %s\nwant %s", raw, want)
	}
}
