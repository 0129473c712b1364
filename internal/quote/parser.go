// Package quote extracts nested [quote] blocks from forum post markup.
package quote

import (
	"regexp"
	"strings"

	"ForumScanner/internal/domain"
)

var (
	markerExpr    = regexp.MustCompile(`(?i)\[quote(?:=([^\]]*))?\]|\[/quote\]`)
	blankRunsExpr = regexp.MustCompile(`\n\s*\n`)
)

type openNode struct {
	author   string
	content  strings.Builder
	children []domain.QuoteNode
}

func (n *openNode) close() domain.QuoteNode {
	return domain.QuoteNode{
		Author:   n.author,
		Content:  n.content.String(),
		Children: n.children,
	}
}

// Parse splits text into its quote tree and the quote-free plain text.
// It never fails: stray closers are dropped and unterminated blocks take
// the rest of the input.
func Parse(text string) ([]domain.QuoteNode, string) {
	root := &openNode{}
	stack := []*openNode{root}

	var clean strings.Builder
	appendText := func(s string) {
		if s == "" {
			return
		}
		stack[len(stack)-1].content.WriteString(s)
		clean.WriteString(s)
	}

	pos := 0
	for _, m := range markerExpr.FindAllStringSubmatchIndex(text, -1) {
		appendText(text[pos:m[0]])
		pos = m[1]

		if isCloser(text[m[0]:m[1]]) {
			if len(stack) > 1 {
				closed := stack[len(stack)-1].close()
				stack = stack[:len(stack)-1]
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, closed)
			}
			continue
		}

		author := ""
		if m[2] >= 0 {
			author = cleanAuthor(text[m[2]:m[3]])
		}
		stack = append(stack, &openNode{author: author})
	}
	appendText(text[pos:])

	// Unterminated blocks keep whatever they collected.
	for len(stack) > 1 {
		closed := stack[len(stack)-1].close()
		stack = stack[:len(stack)-1]
		parent := stack[len(stack)-1]
		parent.children = append(parent.children, closed)
	}

	return root.children, normalize(clean.String())
}

// ParseFlat returns the quote nodes in depth-first pre-order along with the clean text.
func ParseFlat(text string) ([]domain.QuoteNode, string) {
	nodes, clean := Parse(text)
	return domain.Flatten(nodes), clean
}

func isCloser(marker string) bool {
	return strings.HasPrefix(marker, "[/")
}

func cleanAuthor(raw string) string {
	author := strings.TrimSpace(raw)
	if len(author) >= 2 {
		first, last := author[0], author[len(author)-1]
		if (first == '"' || first == '\'') && first == last {
			author = strings.TrimSpace(author[1 : len(author)-1])
		}
	}
	return author
}

func normalize(text string) string {
	return strings.TrimSpace(blankRunsExpr.ReplaceAllString(text, "\n"))
}
