package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/zipper/internal/search"
)

// SearchTool builds the "search" capability over a web search provider.
func SearchTool(p search.Provider) *Tool {
	return &Tool{
		Name:        "search",
		Description: "Search the web. Returns titles, URLs and descriptions of the top results.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": "Number of results to return. Default 5.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			limit := intArg(args, "limit", search.DefaultLimit)

			results, err := p.Search(ctx, query, limit)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return fmt.Sprintf("no results found for '%s'", query), nil
			}
			return search.FormatResults(results, limit), nil
		},
	}
}
