// Package resolve attributes quote blocks to the earlier posts they quote.
package resolve

import (
	"log/slog"
	"strings"

	"ForumScanner/internal/domain"
	"ForumScanner/internal/quote"
)

// DefaultThreshold is the calibrated minimum similarity for a heuristic match.
const DefaultThreshold = 0.2

// Options tunes the resolver.
type Options struct {
	// Threshold is the minimum similarity, used as given. Posts sharing no
	// token with the quote never match, even at zero.
	Threshold float64
	// SubstringFirst accepts a candidate outright when the quoted text
	// appears verbatim in exactly one candidate.
	SubstringFirst bool
}

// Match is the outcome for a single quote node.
type Match struct {
	Node   domain.QuoteNode
	PostID int64
	Score  float64
	Source domain.EdgeSource
}

// Resolved reports whether the node was attributed to a post.
func (m Match) Resolved() bool {
	return m.PostID != domain.Unresolved
}

// Resolver finds antecedent posts for quote nodes.
type Resolver struct {
	threshold      float64
	substringFirst bool
	logger         *slog.Logger
}

// New builds a resolver. Negative thresholds are treated as zero.
func New(opts Options, logger *slog.Logger) *Resolver {
	threshold := max(opts.Threshold, 0)
	return &Resolver{
		threshold:      threshold,
		substringFirst: opts.SubstringFirst,
		logger:         logger,
	}
}

// Resolve returns one Match per node, in the order given. Only posts of the
// referencing post's thread that were posted strictly earlier are candidates.
func (r *Resolver) Resolve(threadPosts []domain.Post, referencing domain.Post, nodes []domain.QuoteNode) []Match {
	matches := make([]Match, 0, len(nodes))
	for _, node := range nodes {
		matches = append(matches, r.resolveNode(threadPosts, referencing, node))
	}
	return matches
}

func (r *Resolver) resolveNode(threadPosts []domain.Post, referencing domain.Post, node domain.QuoteNode) Match {
	unresolved := Match{Node: node, PostID: domain.Unresolved, Source: domain.EdgeUnresolved}

	author := node.Author
	if author == "" {
		r.debug("quote without author", "post_id", referencing.ID)
		return unresolved
	}

	candidates := make([]domain.Post, 0)
	for _, p := range threadPosts {
		if p.ThreadID != referencing.ThreadID || p.ID == referencing.ID {
			continue
		}
		if p.Author != author || !p.PostTime.Before(referencing.PostTime) {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		r.debug("no candidates", "post_id", referencing.ID, "quoted_author", author)
		return unresolved
	}

	quoted := strings.TrimSpace(node.Content)

	if r.substringFirst {
		if post, ok := uniqueSubstringMatch(candidates, quoted); ok {
			r.debug("substring match", "post_id", referencing.ID, "referenced_post_id", post.ID)
			return Match{Node: node, PostID: post.ID, Score: 1, Source: domain.EdgeSubstring}
		}
	}

	var (
		best      domain.Post
		bestScore = -1.0
	)
	for _, c := range candidates {
		score := Similarity(quoted, candidateText(c))
		if score > bestScore || (score == bestScore && best.Precedes(c)) {
			best, bestScore = c, score
		}
	}

	if bestScore <= 0 || bestScore < r.threshold {
		r.debug("best candidate below threshold", "post_id", referencing.ID, "candidate_post_id", best.ID, "score", bestScore)
		return Match{Node: node, PostID: domain.Unresolved, Score: bestScore, Source: domain.EdgeUnresolved}
	}

	r.debug("similarity match", "post_id", referencing.ID, "referenced_post_id", best.ID, "score", bestScore)
	return Match{Node: node, PostID: best.ID, Score: bestScore, Source: domain.EdgeSimilarity}
}

func uniqueSubstringMatch(candidates []domain.Post, quoted string) (domain.Post, bool) {
	needle := collapseSpaces(quoted)
	if needle == "" {
		return domain.Post{}, false
	}

	var (
		found domain.Post
		hits  int
	)
	for _, c := range candidates {
		if strings.Contains(collapseSpaces(candidateText(c)), needle) {
			found = c
			hits++
		}
	}
	return found, hits == 1
}

// Similarity is the symmetric token-set overlap
// |A ∩ B| / ((|A| + |B|) / 2) over lower-cased whitespace tokens.
// It returns 0 when either side is empty.
func Similarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	common := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			common++
		}
	}
	avg := float64(len(setA)+len(setB)) / 2
	return float64(common) / avg
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func candidateText(p domain.Post) string {
	if p.CleanText != "" || p.RawText == "" {
		return p.CleanText
	}
	_, clean := quote.Parse(p.RawText)
	return clean
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (r *Resolver) debug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}
