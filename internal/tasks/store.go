package tasks

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	maxIDLength  = 50
	maxIDSuffix  = 1000
	timeFormat   = "2006-01-02T15:04:05.000000000Z07:00"
	defaultLimit = 20
)

var (
	idStrip  = regexp.MustCompile(`[^a-z0-9\s-]`)
	idSpaces = regexp.MustCompile(`\s+`)
	idDashes = regexp.MustCompile(`-+`)
)

// Store persists tasks in SQLite. Completed tasks stay in the table with
// archived_at set.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a task store using the given database connection
// and ensures its schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate tasks: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		schedule TEXT NOT NULL DEFAULT '',
		due_at TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		archived_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, due_at) WHERE archived_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// taskID converts a title into an id base of at most maxIDLength chars.
func taskID(title string) string {
	s := strings.ToLower(title)
	s = idStrip.ReplaceAllString(s, "")
	s = idSpaces.ReplaceAllString(s, "-")
	s = idDashes.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxIDLength {
		s = strings.TrimRight(s[:maxIDLength], "-")
	}
	if s == "" {
		return "task"
	}
	return s
}

// Create stores a new pending task and returns its id.
func (s *Store) Create(spec Spec) (string, error) {
	if strings.TrimSpace(spec.Title) == "" {
		return "", fmt.Errorf("task title is required")
	}
	if spec.Schedule != "" && !ValidSchedule(spec.Schedule) {
		return "", fmt.Errorf("unrecognized schedule %q", spec.Schedule)
	}

	now := s.now().UTC()
	if spec.Description == "" {
		spec.Description = spec.Title
	}
	if spec.DueAt.IsZero() {
		spec.DueAt = now
	}

	base := taskID(spec.Title)
	for n := range maxIDSuffix {
		id := base
		if n > 0 {
			id = base + "-" + strconv.Itoa(n)
		}
		res, err := s.db.Exec(`
			INSERT OR IGNORE INTO tasks (id, title, description, status, schedule, due_at, conversation_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, spec.Title, spec.Description, string(StatusPending), spec.Schedule,
			spec.DueAt.UTC().Format(timeFormat), spec.ConversationID, now.Format(timeFormat))
		if err != nil {
			return "", fmt.Errorf("insert task: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 1 {
			return id, nil
		}
	}
	return "", fmt.Errorf("no free task id for %q", base)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const taskColumns = `id, title, description, status, schedule, due_at, conversation_id, result, error, created_at, archived_at`

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status, dueAt, createdAt string
	var archivedAt sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &t.Schedule, &dueAt,
		&t.ConversationID, &t.Result, &t.Error, &createdAt, &archivedAt); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.DueAt, _ = time.Parse(time.RFC3339Nano, dueAt)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if archivedAt.Valid {
		at, _ := time.Parse(time.RFC3339Nano, archivedAt.String)
		t.ArchivedAt = &at
	}
	return &t, nil
}

func (s *Store) query(query string, args ...any) ([]Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Get returns an active (unarchived) task.
func (s *Store) Get(id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND archived_at IS NULL`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// Due returns pending tasks whose due time is at or before now, oldest
// first.
func (s *Store) Due(now time.Time) ([]Task, error) {
	return s.query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE archived_at IS NULL AND status = ? AND due_at <= ?
		ORDER BY due_at ASC
	`, string(StatusPending), now.UTC().Format(timeFormat))
}

// List returns active tasks in due order, optionally filtered by status.
func (s *Store) List(status Status) ([]Task, error) {
	if status == "" {
		return s.query(`SELECT ` + taskColumns + ` FROM tasks WHERE archived_at IS NULL ORDER BY due_at ASC`)
	}
	return s.query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE archived_at IS NULL AND status = ?
		ORDER BY due_at ASC
	`, string(status))
}

// Archived returns up to limit archived tasks, most recent first.
func (s *Store) Archived(limit int) ([]Task, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.query(`
		SELECT `+taskColumns+` FROM tasks
		WHERE archived_at IS NOT NULL
		ORDER BY archived_at DESC LIMIT ?
	`, limit)
}

// UpdateStatus records a status change. Empty result and errText leave
// the stored values alone. A done or failed task is archived, and if it
// has a schedule the next occurrence is created; its id is returned as
// next.
func (s *Store) UpdateStatus(id string, status Status, result, errText string) (next string, err error) {
	if !status.Valid() {
		return "", fmt.Errorf("invalid task status %q", status)
	}

	t, err := s.Get(id)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	var archivedAt any
	if status.Terminal() {
		archivedAt = now.Format(timeFormat)
	}

	_, err = s.db.Exec(`
		UPDATE tasks SET
			status = ?,
			result = CASE WHEN ? = '' THEN result ELSE ? END,
			error = CASE WHEN ? = '' THEN error ELSE ? END,
			archived_at = ?
		WHERE id = ? AND archived_at IS NULL
	`, string(status), result, result, errText, errText, archivedAt, id)
	if err != nil {
		return "", fmt.Errorf("update task: %w", err)
	}

	if !status.Terminal() || t.Schedule == "" {
		return "", nil
	}

	due, err := nextAfter(t.Schedule, t.DueAt, now)
	if err != nil {
		return "", err
	}
	return s.Create(Spec{
		Title:          t.Title,
		Description:    t.Description,
		Schedule:       t.Schedule,
		DueAt:          due,
		ConversationID: t.ConversationID,
	})
}

// nextAfter advances from the previous due time until the occurrence is
// after now. Occurrences missed during an outage are skipped.
func nextAfter(schedule string, prev, now time.Time) (time.Time, error) {
	due := prev
	for range 10000 {
		var err error
		due, err = NextDue(schedule, due)
		if err != nil {
			return time.Time{}, err
		}
		if due.After(now) {
			return due, nil
		}
	}
	return NextDue(schedule, now)
}
