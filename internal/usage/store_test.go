package usage

import (
	"database/sql"
	"math"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/zipper/internal/config"
)

func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"claude-opus":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		"claude-sonnet": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, testPricing())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func seed(t *testing.T, s *Store, now time.Time) {
	t.Helper()
	recs := []Record{
		{Timestamp: now, ConversationID: "fix-bug", Model: "claude-opus", Purpose: PurposeAgent, InputTokens: 1000, OutputTokens: 500},
		{Timestamp: now, ConversationID: "fix-bug", Model: "claude-sonnet", Purpose: PurposeCompaction, InputTokens: 2000, OutputTokens: 1000},
		{Timestamp: now, ConversationID: "daily-report", Model: "claude-sonnet", Purpose: PurposeAgent, InputTokens: 1000, OutputTokens: 0},
	}
	for _, r := range recs {
		if err := s.Record(t.Context(), r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
}

func TestRecordAndSummary(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	seed(t, s, now)

	sum, err := s.Summary(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 3 {
		t.Errorf("records = %d, want 3", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 4000 || sum.TotalOutputTokens != 1500 {
		t.Errorf("tokens = %d/%d", sum.TotalInputTokens, sum.TotalOutputTokens)
	}
	// 0.0525 + 0.021 + 0.003
	if !approx(sum.TotalCostUSD, 0.0765) {
		t.Errorf("cost = %f, want 0.0765", sum.TotalCostUSD)
	}
}

func TestSummaryGrouping(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	seed(t, s, now)
	start, end := now.Add(-time.Hour), now.Add(time.Hour)

	byModel, err := s.SummaryByModel(start, end)
	if err != nil {
		t.Fatal(err)
	}
	if len(byModel) != 2 || byModel["claude-sonnet"].TotalRecords != 2 {
		t.Errorf("by model = %+v", byModel)
	}

	byConv, err := s.SummaryByConversation(start, end)
	if err != nil {
		t.Fatal(err)
	}
	if byConv["fix-bug"].TotalRecords != 2 || byConv["daily-report"].TotalRecords != 1 {
		t.Errorf("by conversation = %+v", byConv)
	}

	byPurpose, err := s.SummaryByPurpose(start, end)
	if err != nil {
		t.Fatal(err)
	}
	if byPurpose[PurposeCompaction].TotalInputTokens != 2000 {
		t.Errorf("compaction = %+v", byPurpose[PurposeCompaction])
	}
	if byPurpose[PurposeAgent].TotalRecords != 2 {
		t.Errorf("agent = %+v", byPurpose[PurposeAgent])
	}
}

func TestSummary_FiltersByTime(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	old := now.Add(-48 * time.Hour)

	if err := s.Record(t.Context(), Record{Timestamp: old, ConversationID: "c", Model: "claude-opus", Purpose: PurposeAgent, InputTokens: 10}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(t.Context(), Record{Timestamp: now, ConversationID: "c", Model: "claude-opus", Purpose: PurposeAgent, InputTokens: 20}); err != nil {
		t.Fatal(err)
	}

	sum, err := s.Summary(now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 1 || sum.TotalInputTokens != 20 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestSummary_Empty(t *testing.T) {
	s := testStore(t)
	sum, err := s.Summary(time.Time{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 0 || sum.TotalCostUSD != 0 {
		t.Errorf("summary = %+v", sum)
	}
	byModel, err := s.SummaryByModel(time.Time{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(byModel) != 0 {
		t.Errorf("by model = %+v", byModel)
	}
}

func TestRecord_KeepsExplicitCost(t *testing.T) {
	s := testStore(t)
	now := time.Now()
	if err := s.Record(t.Context(), Record{Timestamp: now, ConversationID: "c", Model: "claude-opus", Purpose: PurposeAgent, InputTokens: 1000, CostUSD: 1.5}); err != nil {
		t.Fatal(err)
	}
	sum, err := s.Summary(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !approx(sum.TotalCostUSD, 1.5) {
		t.Errorf("cost = %f, want 1.5", sum.TotalCostUSD)
	}
}

func TestComputeCost(t *testing.T) {
	tests := []struct {
		model   string
		in, out int
		want    float64
	}{
		{"claude-opus", 1_000_000, 1_000_000, 90},
		{"claude-sonnet", 2000, 1000, 0.021},
		{"unknown-model", 5000, 5000, 0},
	}
	for _, tt := range tests {
		if got := ComputeCost(tt.model, tt.in, tt.out, testPricing()); !approx(got, tt.want) {
			t.Errorf("ComputeCost(%s) = %f, want %f", tt.model, got, tt.want)
		}
	}
	if got := ComputeCost("claude-opus", 100, 100, nil); got != 0 {
		t.Errorf("nil pricing cost = %f", got)
	}
}

func TestPeriod(t *testing.T) {
	now := time.Date(2026, 3, 15, 14, 30, 0, 0, time.UTC)

	start, end := Period("today", now)
	if !start.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) || !end.After(now) {
		t.Errorf("today = %v..%v", start, end)
	}
	start, end = Period("yesterday", now)
	if !start.Equal(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("yesterday = %v..%v", start, end)
	}
	start, _ = Period("week", now)
	if !start.Equal(now.AddDate(0, 0, -7)) {
		t.Errorf("week start = %v", start)
	}
	start, _ = Period("bogus", now)
	if !start.IsZero() {
		t.Errorf("unknown period start = %v, want zero", start)
	}
}
