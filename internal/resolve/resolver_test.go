package resolve

import (
	"math"
	"testing"
	"time"

	"ForumScanner/internal/domain"
)

func post(id int64, author string, unix int64, text string) domain.Post {
	return domain.Post{
		ID:        id,
		ThreadID:  7,
		Number:    id,
		Author:    author,
		PostTime:  time.Unix(unix, 0).UTC(),
		RawText:   text,
		CleanText: text,
	}
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "the quick fox", "The Quick fox", 1},
		{"disjoint", "alpha beta", "gamma delta", 0},
		{"half overlap", "a b", "b c", 0.5},
		{"duplicates collapse", "a a a b", "a b", 1},
		{"empty side", "", "anything", 0},
		{"both empty", "", "", 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Similarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("Similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			if rev := Similarity(tt.b, tt.a); math.Abs(rev-got) > 1e-9 {
				t.Fatalf("similarity is not symmetric: %v vs %v", got, rev)
			}
		})
	}
}

func TestResolvePrefersLatestEarlierCandidate(t *testing.T) {
	t.Parallel()

	posts := []domain.Post{
		post(1, "bob", 100, "same words here"),
		post(2, "bob", 200, "same words here"),
		post(3, "alice", 300, "reply"),
	}
	node := domain.QuoteNode{Author: "bob", Content: "same words here"}

	for _, substringFirst := range []bool{false, true} {
		r := New(Options{Threshold: DefaultThreshold, SubstringFirst: substringFirst}, nil)
		got := r.Resolve(posts, posts[2], []domain.QuoteNode{node})
		if len(got) != 1 {
			t.Fatalf("expected one match, got %d", len(got))
		}
		if got[0].PostID != 2 {
			t.Fatalf("substringFirst=%v: expected post 2, got %d", substringFirst, got[0].PostID)
		}
		if got[0].Source != domain.EdgeSimilarity {
			t.Fatalf("substringFirst=%v: ambiguous substring should fall back to scoring, got %s", substringFirst, got[0].Source)
		}
	}
}

func TestResolveNeverPicksLaterOrConcurrentPost(t *testing.T) {
	t.Parallel()

	referencing := post(2, "alice", 200, "reply")
	posts := []domain.Post{
		post(1, "bob", 50, "unrelated chatter only"),
		referencing,
		post(3, "bob", 200, "exact quoted text"),
		post(4, "bob", 300, "exact quoted text"),
	}
	node := domain.QuoteNode{Author: "bob", Content: "exact quoted text"}

	r := New(Options{Threshold: DefaultThreshold, SubstringFirst: true}, nil)
	got := r.Resolve(posts, referencing, []domain.QuoteNode{node})
	if got[0].Resolved() {
		t.Fatalf("expected unresolved, got post %d", got[0].PostID)
	}
}

func TestResolveBelowThresholdIsUnresolved(t *testing.T) {
	t.Parallel()

	// Calibrated heuristic, not a correctness law: one shared token out of
	// nine on average scores ~0.11, under the 0.2 default.
	posts := []domain.Post{
		post(1, "bob", 100, "one two three four five six seven eight nine ten"),
		post(2, "alice", 200, "reply"),
	}
	node := domain.QuoteNode{Author: "bob", Content: "one eleven twelve thirteen fourteen fifteen sixteen seventeen"}

	r := New(Options{Threshold: DefaultThreshold}, nil)
	got := r.Resolve(posts, posts[1], []domain.QuoteNode{node})
	if got[0].Resolved() {
		t.Fatalf("expected unresolved, got post %d with score %v", got[0].PostID, got[0].Score)
	}
	if got[0].Score >= DefaultThreshold {
		t.Fatalf("expected score below threshold, got %v", got[0].Score)
	}
}

func TestResolveZeroThresholdAcceptsAnyOverlap(t *testing.T) {
	t.Parallel()

	posts := []domain.Post{
		post(1, "bob", 100, "one two three four five six seven eight nine ten"),
		post(2, "bob", 150, "nothing in common"),
		post(3, "alice", 200, "reply"),
	}
	node := domain.QuoteNode{Author: "bob", Content: "one eleven twelve thirteen fourteen fifteen sixteen seventeen"}

	got := New(Options{Threshold: 0}, nil).Resolve(posts, posts[2], []domain.QuoteNode{node})
	if got[0].PostID != 1 || got[0].Source != domain.EdgeSimilarity {
		t.Fatalf("expected weak similarity match on post 1, got %+v", got[0])
	}

	disjoint := domain.QuoteNode{Author: "bob", Content: "zebra"}
	got = New(Options{Threshold: 0}, nil).Resolve(posts, posts[2], []domain.QuoteNode{disjoint})
	if got[0].Resolved() {
		t.Fatalf("no shared token must stay unresolved, got post %d", got[0].PostID)
	}
}

func TestResolveAuthorRules(t *testing.T) {
	t.Parallel()

	posts := []domain.Post{
		post(1, "Bob", 100, "hello there"),
		post(2, "alice", 200, "reply"),
	}

	r := New(Options{Threshold: DefaultThreshold, SubstringFirst: true}, nil)
	nodes := []domain.QuoteNode{
		{Author: "", Content: "hello there"},
		{Author: "bob", Content: "hello there"},
		{Author: "Bob", Content: "hello there"},
	}
	got := r.Resolve(posts, posts[1], nodes)

	if got[0].Resolved() {
		t.Fatalf("empty author must stay unresolved")
	}
	if got[1].Resolved() {
		t.Fatalf("author match is case-sensitive")
	}
	if got[2].PostID != 1 || got[2].Source != domain.EdgeSubstring {
		t.Fatalf("expected substring match on post 1, got %+v", got[2])
	}
}

func TestResolveSubstringDominatesScoring(t *testing.T) {
	t.Parallel()

	posts := []domain.Post{
		post(1, "bob", 100, "a long post that mentions the key sentence somewhere in the middle of it all"),
		post(2, "bob", 150, "key sentence"),
		post(3, "alice", 200, "reply"),
	}
	node := domain.QuoteNode{Author: "bob", Content: "mentions the key   sentence somewhere"}

	got := New(Options{Threshold: DefaultThreshold, SubstringFirst: true}, nil).Resolve(posts, posts[2], []domain.QuoteNode{node})
	if got[0].PostID != 1 || got[0].Source != domain.EdgeSubstring {
		t.Fatalf("expected substring match on post 1, got %+v", got[0])
	}
}
