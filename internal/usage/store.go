// Package usage is the token ledger: one row per model call, priced at
// record time, aggregated by model, conversation, or purpose.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/zipper/internal/config"
)

// Purposes recorded on usage records.
const (
	PurposeAgent      = "agent"
	PurposeCompaction = "compaction"
)

// Record is the token usage and cost of one model call.
type Record struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
	Model          string    `json:"model"`
	Purpose        string    `json:"purpose"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
}

// Summary totals a set of records.
type Summary struct {
	TotalRecords      int     `json:"total_records"`
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
}

// Store appends records to the model_calls table of a shared database.
type Store struct {
	db      *sql.DB
	pricing map[string]config.PricingEntry
}

// NewStore prepares the model_calls table on db. pricing is consulted
// whenever a record arrives without a cost.
func NewStore(db *sql.DB, pricing map[string]config.PricingEntry) (*Store, error) {
	s := &Store{db: db, pricing: pricing}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS model_calls (
			id              TEXT PRIMARY KEY,
			called_at       INTEGER NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			model           TEXT NOT NULL,
			purpose         TEXT NOT NULL,
			input_tokens    INTEGER NOT NULL DEFAULT 0,
			output_tokens   INTEGER NOT NULL DEFAULT 0,
			cost_usd        REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS model_calls_called_at ON model_calls(called_at);
		CREATE INDEX IF NOT EXISTS model_calls_conversation ON model_calls(conversation_id);
	`)
	return err
}

// Record appends rec, filling in a UUIDv7 id, the current time, and the
// priced cost when those are unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("usage record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, s.pricing)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_calls (id, called_at, conversation_id, model, purpose, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.ConversationID, rec.Model, rec.Purpose,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Summary totals the records in [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	all, err := s.aggregate("''", start, end)
	if err != nil {
		return nil, err
	}
	if sum, ok := all[""]; ok {
		return sum, nil
	}
	return &Summary{}, nil
}

// SummaryByModel totals the records in [start, end) per model.
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.aggregate("model", start, end)
}

// SummaryByConversation totals the records in [start, end) per
// conversation.
func (s *Store) SummaryByConversation(start, end time.Time) (map[string]*Summary, error) {
	return s.aggregate("conversation_id", start, end)
}

// SummaryByPurpose totals the records in [start, end) per purpose.
func (s *Store) SummaryByPurpose(start, end time.Time) (map[string]*Summary, error) {
	return s.aggregate("purpose", start, end)
}

// aggregate groups by key, which must be a column name or a constant
// expression, never caller input.
func (s *Store) aggregate(key string, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.Query(`
		SELECT `+key+` AS k, COUNT(*), TOTAL(input_tokens), TOTAL(output_tokens), TOTAL(cost_usd)
		FROM model_calls
		WHERE called_at >= ? AND called_at < ?
		GROUP BY k`,
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]*Summary)
	for rows.Next() {
		var (
			k             string
			n             int
			in, out, cost float64
		)
		if err := rows.Scan(&k, &n, &in, &out, &cost); err != nil {
			return nil, fmt.Errorf("aggregate usage: %w", err)
		}
		groups[k] = &Summary{
			TotalRecords:      n,
			TotalInputTokens:  int64(in),
			TotalOutputTokens: int64(out),
			TotalCostUSD:      cost,
		}
	}
	return groups, rows.Err()
}

// ComputeCost prices a call from the per-million-token table. Unknown
// models are free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)*p.InputPerMillion + float64(outputTokens)*p.OutputPerMillion) / 1e6
}

// Period maps a period name (today, yesterday, week, month, all) to a
// [start, end) range around now. Unknown names mean all.
func Period(name string, now time.Time) (start, end time.Time) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	end = now.Add(time.Minute)
	switch name {
	case "today":
		return midnight, end
	case "yesterday":
		return midnight.AddDate(0, 0, -1), midnight
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	}
	return time.Time{}, end
}
