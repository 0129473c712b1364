package domain

import (
	"encoding/json"
	"time"
)

// Unresolved is the target used when a quote could not be attributed.
const Unresolved = 0

const nodeTimeLayout = "2006-01-02 15:04:05"

// ReferenceEdge links a quoting post to the post it quotes.
// ReferencedPostID is Unresolved when no antecedent was found.
type ReferenceEdge struct {
	ReferencingPostID int64
	ReferencedPostID  int64
}

// EdgeSource records which rule produced a reply edge.
type EdgeSource string

const (
	EdgeFallback   EdgeSource = "fallback"
	EdgeSubstring  EdgeSource = "substring"
	EdgeSimilarity EdgeSource = "similarity"
	EdgeUnresolved EdgeSource = "unresolved"
)

// ReplyNode is a post inside a reply tree, numbered 1..N in thread order.
type ReplyNode struct {
	Seq      int
	PostID   int64
	Author   string
	PostTime time.Time
}

// MarshalJSON renders the node in the export layout.
func (n ReplyNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Seq      int    `json:"seq"`
		PostID   int64  `json:"post_id"`
		Author   string `json:"author"`
		PostTime string `json:"post_time"`
	}{
		Seq:      n.Seq,
		PostID:   n.PostID,
		Author:   n.Author,
		PostTime: n.PostTime.UTC().Format(nodeTimeLayout),
	})
}

// UnmarshalJSON parses the export layout back into a node.
func (n *ReplyNode) UnmarshalJSON(data []byte) error {
	var raw struct {
		Seq      int    `json:"seq"`
		PostID   int64  `json:"post_id"`
		Author   string `json:"author"`
		PostTime string `json:"post_time"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.Seq, n.PostID, n.Author = raw.Seq, raw.PostID, raw.Author
	n.PostTime = time.Time{}
	if raw.PostTime != "" {
		t, err := time.ParseInLocation(nodeTimeLayout, raw.PostTime, time.UTC)
		if err != nil {
			return err
		}
		n.PostTime = t
	}
	return nil
}

// ReplyEdge points from a post to the post it replies to; To == Unresolved
// marks a quote that matched nothing.
type ReplyEdge struct {
	From   int        `json:"from"`
	To     int        `json:"to"`
	Source EdgeSource `json:"-"`
}

// ReplyGraph is the tree_json payload.
type ReplyGraph struct {
	Nodes []ReplyNode `json:"nodes"`
	Edges []ReplyEdge `json:"edges"`
}

// ReplyTree is the per-thread snapshot rebuilt wholesale on every pass.
type ReplyTree struct {
	ThreadID   int64           `json:"thread_id"`
	Title      string          `json:"topic_title"`
	PostsNum   int             `json:"posts_num"`
	PostsGet   int             `json:"posts_get"`
	Graph      ReplyGraph      `json:"tree_json"`
	References []ReferenceEdge `json:"-"`
}

// OutDegree counts edges leaving seq.
func (t ReplyTree) OutDegree(seq int) int {
	count := 0
	for _, e := range t.Graph.Edges {
		if e.From == seq {
			count++
		}
	}
	return count
}
