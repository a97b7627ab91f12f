package conversation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore is the SQLite-backed Store. Each conversation is one row in
// conversations, one row per version in versions (the turn sequence is a
// JSON column) and one row per tool call in trace.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a conversation store on db, running migrations
// on first use. The caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		summary TEXT NOT NULL DEFAULT '',
		thread_ref TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);

	CREATE TABLE IF NOT EXISTS versions (
		conversation_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		turns_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		PRIMARY KEY (conversation_id, ordinal),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS trace (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		args_json TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_trace_conversation ON trace(conversation_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(timeFormat)
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Create allocates a slug id for title, claiming it with an insert that
// is ignored on conflict so concurrent creators never share an id.
func (s *SQLiteStore) Create(title, source, threadRef string) (string, error) {
	base := Slugify(title)
	now := s.timestamp()

	var id string
	err := s.withTx(func(tx *sql.Tx) error {
		for candidate := range slugCandidates(base) {
			res, err := tx.Exec(`
				INSERT OR IGNORE INTO conversations (id, title, source, status, thread_ref, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, candidate, title, source, string(StatusActive), threadRef, now, now)
			if err != nil {
				return fmt.Errorf("insert conversation: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("insert conversation: %w", err)
			}
			if n == 1 {
				id = candidate
				return insertVersion(tx, id, 0, "", nil, now)
			}
		}
		return fmt.Errorf("%w: %q has %d taken ids", ErrIdentityExhausted, base, maxSlugSuffix)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func insertVersion(tx *sql.Tx, id string, ordinal int, summary string, turns []Turn, now string) error {
	if turns == nil {
		turns = []Turn{}
	}
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("marshal turns: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO versions (conversation_id, ordinal, summary, turns_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, ordinal, summary, string(turnsJSON), now)
	if err != nil {
		return fmt.Errorf("insert version %d: %w", ordinal, err)
	}
	return nil
}

const conversationColumns = `id, title, source, status, summary, thread_ref, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var status, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.Title, &c.Source, &status, &c.Summary, &c.ThreadRef, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

// Get returns the metadata record for id.
func (s *SQLiteStore) Get(id string) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return c, nil
}

// List returns every conversation, most recently updated first.
func (s *SQLiteStore) List() ([]Conversation, error) {
	rows, err := s.db.Query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetStatus updates the lifecycle status of a conversation.
func (s *SQLiteStore) SetStatus(id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.Exec(`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func requireConversation(tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}

// activeVersion loads the highest-ordinal version within tx, inserting
// an empty version 0 if the conversation has none.
func (s *SQLiteStore) activeVersion(tx *sql.Tx, id string) (*Version, error) {
	if err := requireConversation(tx, id); err != nil {
		return nil, err
	}

	v, err := scanVersion(tx.QueryRow(`
		SELECT ordinal, summary, system_prompt, turns_json, created_at
		FROM versions WHERE conversation_id = ?
		ORDER BY ordinal DESC LIMIT 1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		now := s.timestamp()
		if err := insertVersion(tx, id, 0, "", nil, now); err != nil {
			return nil, err
		}
		created, _ := time.Parse(time.RFC3339Nano, now)
		return &Version{Ordinal: 0, Turns: []Turn{}, CreatedAt: created}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active version: %w", err)
	}
	return v, nil
}

func scanVersion(row rowScanner) (*Version, error) {
	var v Version
	var turnsJSON, createdAt string
	if err := row.Scan(&v.Ordinal, &v.Summary, &v.SystemPrompt, &turnsJSON, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(turnsJSON), &v.Turns); err != nil {
		return nil, fmt.Errorf("decode turns of version %d: %w", v.Ordinal, err)
	}
	if v.Turns == nil {
		v.Turns = []Turn{}
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &v, nil
}

// ActiveVersion returns the highest-ordinal version of id. A conversation
// with no versions is repaired by creating an empty version 0.
func (s *SQLiteStore) ActiveVersion(id string) (*Version, error) {
	var v *Version
	err := s.withTx(func(tx *sql.Tx) error {
		var err error
		v, err = s.activeVersion(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Versions returns every version of id in ordinal order.
func (s *SQLiteStore) Versions(id string) ([]Version, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT ordinal, summary, system_prompt, turns_json, created_at
		FROM versions WHERE conversation_id = ?
		ORDER BY ordinal ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// mutateActive applies fn to the active version inside a transaction and
// writes the result back. Only the active version row is ever updated.
func (s *SQLiteStore) mutateActive(id string, fn func(v *Version) error) error {
	return s.withTx(func(tx *sql.Tx) error {
		v, err := s.activeVersion(tx, id)
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
		if v.Turns == nil {
			v.Turns = []Turn{}
		}
		turnsJSON, err := json.Marshal(v.Turns)
		if err != nil {
			return fmt.Errorf("marshal turns: %w", err)
		}
		now := s.timestamp()
		if _, err := tx.Exec(`
			UPDATE versions SET turns_json = ?, system_prompt = ?
			WHERE conversation_id = ? AND ordinal = ?
		`, string(turnsJSON), v.SystemPrompt, id, v.Ordinal); err != nil {
			return fmt.Errorf("update version %d: %w", v.Ordinal, err)
		}
		if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, id); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
}

// AppendTurn appends turn to the active version.
func (s *SQLiteStore) AppendTurn(id string, turn Turn) error {
	return s.mutateActive(id, func(v *Version) error {
		v.Turns = append(v.Turns, turn)
		return nil
	})
}

// PopLastTurn removes the last turn of the active version. Popping an
// empty version is a no-op.
func (s *SQLiteStore) PopLastTurn(id string) error {
	return s.mutateActive(id, func(v *Version) error {
		if len(v.Turns) > 0 {
			v.Turns = v.Turns[:len(v.Turns)-1]
		}
		return nil
	})
}

// ReplaceTurns overwrites the active version's turn sequence.
func (s *SQLiteStore) ReplaceTurns(id string, turns []Turn) error {
	return s.mutateActive(id, func(v *Version) error {
		v.Turns = append([]Turn{}, turns...)
		return nil
	})
}

// SetSystemPrompt records the composed system prompt on the active version.
func (s *SQLiteStore) SetSystemPrompt(id, prompt string) error {
	return s.mutateActive(id, func(v *Version) error {
		v.SystemPrompt = prompt
		return nil
	})
}

// CreateVersion appends a new version one ordinal above the active one.
// The previous version is left untouched.
func (s *SQLiteStore) CreateVersion(id, summary string, turns []Turn) (*Version, error) {
	var created *Version
	err := s.withTx(func(tx *sql.Tx) error {
		active, err := s.activeVersion(tx, id)
		if err != nil {
			return err
		}
		now := s.timestamp()
		ordinal := active.Ordinal + 1
		if err := insertVersion(tx, id, ordinal, summary, turns, now); err != nil {
			return err
		}
		if _, err := tx.Exec(`UPDATE conversations SET summary = ?, updated_at = ? WHERE id = ?`,
			summary, now, id); err != nil {
			return fmt.Errorf("update summary: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339Nano, now)
		created = &Version{
			Ordinal:   ordinal,
			Summary:   summary,
			Turns:     append([]Turn{}, turns...),
			CreatedAt: ts,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// AppendTrace stores one tool invocation record. The entry's id and
// timestamp are assigned here.
func (s *SQLiteStore) AppendTrace(id string, entry TraceEntry) (TraceEntry, error) {
	entry.ID = newTraceID()
	entry.Timestamp = s.now().UTC()
	if entry.Status == "" {
		entry.Status = TraceOK
	}
	args := entry.Args
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	err := s.withTx(func(tx *sql.Tx) error {
		if err := requireConversation(tx, id); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO trace (id, conversation_id, timestamp, tool_name, args_json, output, error, duration_ms, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.ID, id, entry.Timestamp.Format(timeFormat), entry.ToolName, string(args),
			entry.Output, entry.Error, entry.DurationMS, string(entry.Status))
		if err != nil {
			return fmt.Errorf("insert trace: %w", err)
		}
		return nil
	})
	if err != nil {
		return TraceEntry{}, err
	}
	return entry, nil
}

// Trace returns every trace entry of id in the order they were appended.
func (s *SQLiteStore) Trace(id string) ([]TraceEntry, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, tool_name, args_json, output, error, duration_ms, status
		FROM trace WHERE conversation_id = ?
		ORDER BY rowid ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list trace: %w", err)
	}
	defer rows.Close()

	var out []TraceEntry
	for rows.Next() {
		var e TraceEntry
		var ts, args, status string
		if err := rows.Scan(&e.ID, &ts, &e.ToolName, &args, &e.Output, &e.Error, &e.DurationMS, &status); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Args = json.RawMessage(args)
		e.Status = TraceStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// newTraceID returns a time-ordered UUIDv7, falling back to v4.
func newTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
