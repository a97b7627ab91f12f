// Package search is the web search backend behind the "search"
// capability.
package search

import (
	"context"
	"fmt"
	"strings"
)

// DefaultLimit is the result count used when the caller gives none.
const DefaultLimit = 5

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Provider runs web searches. Implementations may return fewer than
// limit results.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// FormatResults renders up to limit results as title, URL and snippet
// blocks separated by blank lines.
func FormatResults(results []Result, limit int) string {
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%s\n%s\n%s", r.Title, r.URL, strings.TrimSpace(r.Snippet))
	}
	return sb.String()
}
