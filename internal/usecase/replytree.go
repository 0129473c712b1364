package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"

	"ForumScanner/internal/domain"
	"ForumScanner/internal/ports"
	"ForumScanner/internal/quote"
	"ForumScanner/internal/resolve"
)

// TreeBuilderDeps wires storage and the resolver into the tree pass.
type TreeBuilderDeps struct {
	Threads  ports.ThreadRepository
	Posts    ports.PostRepository
	Trees    ports.ReplyTreeRepository
	Resolver *resolve.Resolver
	Workers  int
	Logger   *slog.Logger
}

// TreeBuilder rebuilds per-thread reply graphs from stored posts.
type TreeBuilder struct {
	threads  ports.ThreadRepository
	posts    ports.PostRepository
	trees    ports.ReplyTreeRepository
	resolver *resolve.Resolver
	workers  int
	logger   *slog.Logger
}

// NewTreeBuilder constructs the reply-graph pass.
func NewTreeBuilder(deps TreeBuilderDeps) *TreeBuilder {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = resolve.New(resolve.Options{Threshold: resolve.DefaultThreshold, SubstringFirst: true}, logger)
	}
	workers := deps.Workers
	if workers < 1 {
		workers = 1
	}
	return &TreeBuilder{
		threads:  deps.Threads,
		posts:    deps.Posts,
		trees:    deps.Trees,
		resolver: resolver,
		workers:  workers,
		logger:   logger,
	}
}

// Build recomputes and stores the thread's reply tree. The stored tree and
// reference edges are replaced wholesale.
func (b *TreeBuilder) Build(ctx context.Context, threadID int64) (domain.ReplyTree, error) {
	posts, err := b.posts.ListPosts(ctx, threadID)
	if err != nil {
		return domain.ReplyTree{}, fmt.Errorf("load posts of thread %d: %w", threadID, err)
	}
	if len(posts) == 0 {
		return domain.ReplyTree{}, fmt.Errorf("thread %d has no posts: %w", threadID, domain.ErrNotFound)
	}
	sort.SliceStable(posts, func(i, j int) bool { return posts[i].Precedes(posts[j]) })

	tree := domain.ReplyTree{
		ThreadID: threadID,
		PostsNum: len(posts),
		PostsGet: len(posts),
	}
	thread, err := b.threads.GetThread(ctx, threadID)
	switch {
	case err == nil:
		tree.Title = thread.Title
		if thread.PostCount > 0 {
			tree.PostsNum = thread.PostCount
		}
	case errors.Is(err, domain.ErrNotFound):
		b.logger.Warn("thread record missing, building tree without title", "thread_id", threadID)
	default:
		return domain.ReplyTree{}, fmt.Errorf("load thread %d: %w", threadID, err)
	}

	tree.Graph = b.graph(posts, &tree.References)

	if err := b.trees.UpsertReplyTree(ctx, tree); err != nil {
		return domain.ReplyTree{}, err
	}
	if err := b.trees.ReplaceReferences(ctx, threadID, tree.References); err != nil {
		return domain.ReplyTree{}, err
	}

	b.logger.Debug("reply tree built", "thread_id", threadID, "nodes", len(tree.Graph.Nodes), "edges", len(tree.Graph.Edges))
	return tree, nil
}

// graph assigns 1-based sequence numbers and derives edges. Posts without
// quotes reply to their predecessor; quoted posts get one edge per quote.
func (b *TreeBuilder) graph(posts []domain.Post, refs *[]domain.ReferenceEdge) domain.ReplyGraph {
	graph := domain.ReplyGraph{
		Nodes: make([]domain.ReplyNode, 0, len(posts)),
		Edges: []domain.ReplyEdge{},
	}
	seqByID := make(map[int64]int, len(posts))

	for i, post := range posts {
		seq := i + 1
		seqByID[post.ID] = seq
		graph.Nodes = append(graph.Nodes, domain.ReplyNode{
			Seq:      seq,
			PostID:   post.ID,
			Author:   post.Author,
			PostTime: post.PostTime,
		})

		nodes, _ := quote.ParseFlat(post.RawText)
		if len(nodes) == 0 {
			if seq > 1 {
				graph.Edges = append(graph.Edges, domain.ReplyEdge{From: seq, To: seq - 1, Source: domain.EdgeFallback})
			}
			continue
		}

		for _, match := range b.resolver.Resolve(posts[:i], post, nodes) {
			edge := domain.ReplyEdge{From: seq, To: domain.Unresolved, Source: match.Source}
			ref := domain.ReferenceEdge{ReferencingPostID: post.ID, ReferencedPostID: domain.Unresolved}
			if match.Resolved() {
				edge.To = seqByID[match.PostID]
				ref.ReferencedPostID = match.PostID
			}
			graph.Edges = append(graph.Edges, edge)
			*refs = append(*refs, ref)
		}
	}

	return graph
}

// Rebuild builds the given threads in parallel, at most one task per thread.
// Failures are collected and do not stop the remaining threads.
func (b *TreeBuilder) Rebuild(ctx context.Context, threadIDs []int64) error {
	unique := make([]int64, 0, len(threadIDs))
	seen := make(map[int64]struct{}, len(threadIDs))
	for _, id := range threadIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	var built atomic.Int64
	p := pool.New().WithMaxGoroutines(b.workers).WithContext(ctx)
	for _, id := range unique {
		id := id
		p.Go(func(ctx context.Context) error {
			if _, err := b.Build(ctx, id); err != nil {
				b.logger.Warn("reply tree failed", "thread_id", id, "err", err)
				return fmt.Errorf("thread %d: %w", id, err)
			}
			built.Add(1)
			return nil
		})
	}
	err := p.Wait()

	b.logger.Info("reply trees rebuilt", "requested", len(unique), "built", built.Load())
	return err
}

// RebuildAll rebuilds every thread that has stored posts.
func (b *TreeBuilder) RebuildAll(ctx context.Context) error {
	ids, err := b.threads.ListThreadIDs(ctx)
	if err != nil {
		return fmt.Errorf("list threads: %w", err)
	}
	return b.Rebuild(ctx, ids)
}
