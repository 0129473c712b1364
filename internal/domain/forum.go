package domain

import (
	"encoding/json"
	"time"
)

// Thread is a forum topic as seen on the thread-listing endpoint.
type Thread struct {
	ID           int64
	Title        string
	CategoryID   int64
	CategoryName string
	LastPostTime time.Time
	// PostCount is the remote post counter, zero when the listing omits it.
	PostCount int
}

// ThreadPage is one listing response. Threads holds the usable records while
// Raw and Oldest describe the page as the forum sent it, so paging does not
// depend on how many rows survived decoding.
type ThreadPage struct {
	Threads []Thread
	Raw     int
	Oldest  time.Time
}

// PostPage is one page of a thread's posts. Raw counts every row the forum
// returned; Rejected counts rows that could not be decoded.
type PostPage struct {
	Posts    []Post
	Raw      int
	Rejected int
}

// Post is one message inside a thread. The remote source is authoritative;
// re-ingesting a post overwrites every field.
type Post struct {
	ID           int64
	ThreadID     int64
	Number       int64
	Author       string
	PostTime     time.Time
	RawText      string
	CleanText    string
	RenderedText string
	Quotes       []QuoteNode
	// Metadata holds the remaining remote attributes verbatim as a JSON object.
	Metadata json.RawMessage
}

// Precedes reports whether p sorts before other in thread order:
// post time first, remote post number as tie-break, post id last.
func (p Post) Precedes(other Post) bool {
	if !p.PostTime.Equal(other.PostTime) {
		return p.PostTime.Before(other.PostTime)
	}
	if p.Number != other.Number {
		return p.Number < other.Number
	}
	return p.ID < other.ID
}

// QuoteNode is a single quote block extracted from a post's raw text.
type QuoteNode struct {
	Author   string      `json:"quoted_author"`
	Content  string      `json:"quoted_content"`
	Children []QuoteNode `json:"children,omitempty"`
}

// Flatten returns the nodes in depth-first pre-order.
func Flatten(nodes []QuoteNode) []QuoteNode {
	var out []QuoteNode
	stack := make([]QuoteNode, 0, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		stack = append(stack, nodes[i])
	}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, node)
		for i := len(node.Children) - 1; i >= 0; i-- {
			stack = append(stack, node.Children[i])
		}
	}
	return out
}
