package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nugget/zipper/internal/usage"
)

// UsageReport answers usage aggregation queries. *usage.Store satisfies it.
type UsageReport interface {
	Summary(start, end time.Time) (*usage.Summary, error)
	SummaryByModel(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByConversation(start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByPurpose(start, end time.Time) (map[string]*usage.Summary, error)
}

// CostSummaryTool builds the "cost_summary" capability, which reports
// the agent's own token usage and estimated spend.
func CostSummaryTool(report UsageReport) *Tool {
	return &Tool{
		Name:        "cost_summary",
		Description: "Query your own token usage and API costs. Returns totals and an optional breakdown by model, conversation, or purpose (agent or compaction).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": map[string]any{
					"type":        "string",
					"enum":        []string{"today", "yesterday", "week", "month", "all"},
					"description": "Time period to summarize.",
				},
				"group_by": map[string]any{
					"type":        "string",
					"enum":        []string{"model", "conversation", "purpose"},
					"description": "Optional breakdown.",
				},
			},
			"required": []string{"period"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			period := stringArg(args, "period")
			groupBy := stringArg(args, "group_by")
			start, end := usage.Period(period, time.Now())

			summary, err := report.Summary(start, end)
			if err != nil {
				return "", fmt.Errorf("query usage summary: %w", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Cost summary (%s):\n", period)
			fmt.Fprintf(&sb, "  Model calls: %d\n", summary.TotalRecords)
			fmt.Fprintf(&sb, "  Input tokens: %s\n", formatTokenCount(summary.TotalInputTokens))
			fmt.Fprintf(&sb, "  Output tokens: %s\n", formatTokenCount(summary.TotalOutputTokens))
			fmt.Fprintf(&sb, "  Estimated cost: $%.4f\n", summary.TotalCostUSD)

			if groupBy == "" {
				return sb.String(), nil
			}

			grouped, err := queryGrouped(report, groupBy, start, end)
			if err != nil {
				return "", fmt.Errorf("query usage by %s: %w", groupBy, err)
			}
			if len(grouped) == 0 {
				return sb.String(), nil
			}

			keys := make([]string, 0, len(grouped))
			for k := range grouped {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool {
				ci, cj := grouped[keys[i]].TotalCostUSD, grouped[keys[j]].TotalCostUSD
				if ci != cj {
					return ci > cj
				}
				return keys[i] < keys[j]
			})

			fmt.Fprintf(&sb, "\nBy %s:\n", groupBy)
			for _, key := range keys {
				sum := grouped[key]
				display := key
				if display == "" {
					display = "(none)"
				}
				fmt.Fprintf(&sb, "  %s: $%.4f (%d calls, %s in / %s out)\n",
					display, sum.TotalCostUSD, sum.TotalRecords,
					formatTokenCount(sum.TotalInputTokens),
					formatTokenCount(sum.TotalOutputTokens),
				)
			}
			return sb.String(), nil
		},
	}
}

func queryGrouped(report UsageReport, groupBy string, start, end time.Time) (map[string]*usage.Summary, error) {
	switch groupBy {
	case "model":
		return report.SummaryByModel(start, end)
	case "conversation":
		return report.SummaryByConversation(start, end)
	case "purpose":
		return report.SummaryByPurpose(start, end)
	}
	return nil, fmt.Errorf("unknown group_by: %s", groupBy)
}

// formatTokenCount formats a token count compactly ("1.23M", "456.0K",
// "789").
func formatTokenCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}
