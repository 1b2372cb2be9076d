package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/stonehive/relay/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	payload       TEXT NOT NULL,
	source        TEXT NOT NULL DEFAULT '',
	capability    TEXT NOT NULL DEFAULT '',
	priority      INTEGER NOT NULL DEFAULT 5,
	status        TEXT NOT NULL DEFAULT 'pending',
	claimed_by    TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	result        TEXT NOT NULL DEFAULT '',
	last_error    TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks (status, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS team_tasks (
	id            TEXT PRIMARY KEY,
	payload       TEXT NOT NULL,
	source        TEXT NOT NULL DEFAULT '',
	capability    TEXT NOT NULL DEFAULT '',
	priority      INTEGER NOT NULL DEFAULT 5,
	status        TEXT NOT NULL DEFAULT 'pending',
	claimed_by    TEXT NOT NULL DEFAULT '',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	result        TEXT NOT NULL DEFAULT '',
	last_error    TEXT NOT NULL DEFAULT '',
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	assignee      TEXT NOT NULL DEFAULT '',
	phase         TEXT NOT NULL DEFAULT '',
	notes         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_team_tasks_dispatch ON team_tasks (status, assignee, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL,
	payload        TEXT NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	capability     TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT '{}',
	attempt_count  INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	quarantined_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_task ON dead_letters (task_id);
`

// SQLiteStore persists tasks, team tasks, and dead letters in SQLite.
// It implements Store, DeadLetterStore, and TeamStore.
type SQLiteStore struct {
	db *sql.DB

	// mu serializes each mutation together with its event publish, so
	// subscribers see events in the order the store applied them.
	mu  sync.Mutex
	pub Publisher
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and
// ensures the schema exists. The caller is responsible for Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle so other subsystems (session/file
// tracking) can share the same serialized connection.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// SetPublisher attaches the event hub. Call before serving traffic.
func (s *SQLiteStore) SetPublisher(p Publisher) { s.pub = p }

func (s *SQLiteStore) publish(typ string, payload any) {
	if s.pub != nil {
		s.pub.Publish(events.Event{Type: typ, Payload: payload})
	}
}

// --- tasks ---

const taskCols = `id, payload, source, capability, priority, status, claimed_by,
	attempt_count, result, last_error, metadata, created_at, updated_at`

// Enqueue persists a new pending task and returns its ID.
func (s *SQLiteStore) Enqueue(t *Task) (string, error) {
	if strings.TrimSpace(t.Payload) == "" {
		return "", &ValidationError{Msg: "payload is required"}
	}
	t.ID = uuid.New().String()
	t.Priority = clampPriority(t.Priority)
	t.Status = StatusPending
	t.ClaimedBy = ""
	t.AttemptCount = 0
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	metadata, _ := json.Marshal(t.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO tasks (`+taskCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Payload, t.Source, t.Capability, t.Priority, string(t.Status),
		t.ClaimedBy, t.AttemptCount, t.Result, t.LastError, string(metadata),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	s.publish("task:created", t)
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "task", ID: id}
	}
	return t, err
}

// List returns tasks matching the filter.
func (s *SQLiteStore) List(f Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + taskCols + ` FROM tasks WHERE 1=1`)
	args := []any{}

	if f.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*f.Status))
	}
	if f.Source != "" {
		q.WriteString(" AND source=?")
		args = append(args, f.Source)
	}
	if f.ClaimedBy != "" {
		q.WriteString(" AND claimed_by=?")
		args = append(args, f.ClaimedBy)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC, rowid ASC")
	if f.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
		if f.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", f.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// NextPending selects the next dispatchable task without claiming it.
// The claim itself is a separate Transition so a racing dispatcher
// loses cleanly instead of double-claiming.
func (s *SQLiteStore) NextPending(caps []string) (*Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + taskCols + ` FROM tasks WHERE status=?`)
	args := []any{string(StatusPending)}

	if caps != nil {
		q.WriteString(" AND (capability='' OR capability IN (")
		for i, c := range caps {
			if i > 0 {
				q.WriteString(",")
			}
			q.WriteString("?")
			args = append(args, c)
		}
		q.WriteString("))")
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT 1")

	row := s.db.QueryRow(q.String(), args...)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending: %w", err)
	}
	return t, nil
}

// Transition performs the CAS status change on a task. The mutation
// lock covers the re-read and publish so the emitted task is exactly
// the post-transition row and events keep apply order.
func (s *SQLiteStore) Transition(id string, from, to Status, f Fields) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.casUpdate("tasks", id, from, to, f); err != nil {
		return nil, err
	}
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	s.publish(eventType("task", to), t)
	return t, nil
}

// Delete removes a task, refusing to drop non-terminal work without force.
func (s *SQLiteStore) Delete(id string, force bool) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if !force && !t.Status.Terminal() {
		return &ConflictError{Msg: fmt.Sprintf("task %s is %s and protected from deletion", id, t.Status)}
	}
	if _, err := s.db.Exec(`DELETE FROM tasks WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// CountByStatus returns queue depth per status.
func (s *SQLiteStore) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

// casUpdate is the shared compare-and-swap over tasks/team_tasks.
// RowsAffected == 0 distinguishes NotFound from Conflict by re-reading.
func (s *SQLiteStore) casUpdate(table, id string, from, to Status, f Fields) error {
	set := []string{"status=?", "updated_at=?"}
	args := []any{string(to), time.Now().UTC()}

	if f.ClaimedBy != nil {
		set = append(set, "claimed_by=?")
		args = append(args, *f.ClaimedBy)
	}
	if f.Result != nil {
		set = append(set, "result=?")
		args = append(args, *f.Result)
	}
	if f.LastError != nil {
		set = append(set, "last_error=?")
		args = append(args, *f.LastError)
	}
	if table == "team_tasks" {
		if f.Phase != nil {
			set = append(set, "phase=?")
			args = append(args, *f.Phase)
		}
		if f.Notes != nil {
			set = append(set, "notes=?")
			args = append(args, *f.Notes)
		}
	}
	if f.IncrementAttempt {
		set = append(set, "attempt_count=attempt_count+1")
	}
	if f.ResetAttempts {
		set = append(set, "attempt_count=0")
	}

	where := "id=? AND status=?"
	args = append(args, id, string(from))
	if f.ExpectClaimedBy != nil {
		where += " AND claimed_by=?"
		args = append(args, *f.ExpectClaimedBy)
	}

	res, err := s.db.Exec(
		"UPDATE "+table+" SET "+strings.Join(set, ", ")+" WHERE "+where, args...,
	)
	if err != nil {
		return fmt.Errorf("transition %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var cur string
		kind := "task"
		if table == "team_tasks" {
			kind = "team task"
		}
		err := s.db.QueryRow("SELECT status FROM "+table+" WHERE id=?", id).Scan(&cur)
		if err == sql.ErrNoRows {
			return &NotFoundError{Kind: kind, ID: id}
		}
		if err != nil {
			return fmt.Errorf("transition re-read: %w", err)
		}
		return &ConflictError{Msg: fmt.Sprintf("%s %s is %s, expected %s", kind, id, cur, from)}
	}
	return nil
}

// --- dead letters ---

const dlCols = `id, task_id, payload, source, capability, metadata,
	attempt_count, last_error, quarantined_at`

// AddDeadLetter quarantines a copy of an exhausted task.
func (s *SQLiteStore) AddDeadLetter(e *DeadLetterEntry) (string, error) {
	e.ID = uuid.New().String()
	e.QuarantinedAt = time.Now().UTC()
	metadata, _ := json.Marshal(e.Metadata)

	_, err := s.db.Exec(`
		INSERT INTO dead_letters (`+dlCols+`)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.Payload, e.Source, e.Capability, string(metadata),
		e.AttemptCount, e.LastError, e.QuarantinedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert dead letter: %w", err)
	}
	return e.ID, nil
}

// GetDeadLetter retrieves a dead-letter entry by ID.
func (s *SQLiteStore) GetDeadLetter(id string) (*DeadLetterEntry, error) {
	row := s.db.QueryRow(`SELECT `+dlCols+` FROM dead_letters WHERE id=?`, id)
	e, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "dead letter", ID: id}
	}
	return e, err
}

// ListDeadLetters returns quarantined entries, most recent first.
func (s *SQLiteStore) ListDeadLetters(limit, offset int) ([]*DeadLetterEntry, error) {
	q := `SELECT ` + dlCols + ` FROM dead_letters ORDER BY quarantined_at DESC, rowid DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			q += fmt.Sprintf(" OFFSET %d", offset)
		}
	}
	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IsDeadLettered reports whether taskID was ever quarantined.
func (s *SQLiteStore) IsDeadLettered(taskID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE task_id=?`, taskID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check dead letter: %w", err)
	}
	return n > 0, nil
}

// CountDeadLetters returns the quarantine depth.
func (s *SQLiteStore) CountDeadLetters() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// --- team tasks ---

const teamCols = taskCols + `, assignee, phase, notes`

// EnqueueTeamTask persists a new pending team task.
func (s *SQLiteStore) EnqueueTeamTask(t *TeamTask) (string, error) {
	if strings.TrimSpace(t.Payload) == "" {
		return "", &ValidationError{Msg: "payload is required"}
	}
	if strings.TrimSpace(t.Assignee) == "" {
		return "", &ValidationError{Msg: "assignee is required"}
	}
	t.ID = uuid.New().String()
	t.Priority = clampPriority(t.Priority)
	t.Status = StatusPending
	t.ClaimedBy = ""
	t.AttemptCount = 0
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	metadata, _ := json.Marshal(t.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO team_tasks (`+teamCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Payload, t.Source, t.Capability, t.Priority, string(t.Status),
		t.ClaimedBy, t.AttemptCount, t.Result, t.LastError, string(metadata),
		t.CreatedAt, t.UpdatedAt, t.Assignee, t.Phase, t.Notes,
	)
	if err != nil {
		return "", fmt.Errorf("insert team task: %w", err)
	}
	s.publish("team_task:created", t)
	return t.ID, nil
}

// GetTeamTask retrieves a team task by ID.
func (s *SQLiteStore) GetTeamTask(id string) (*TeamTask, error) {
	row := s.db.QueryRow(`SELECT `+teamCols+` FROM team_tasks WHERE id=?`, id)
	t, err := scanTeamTask(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "team task", ID: id}
	}
	return t, err
}

// ListTeamTasks returns team tasks matching the filter.
func (s *SQLiteStore) ListTeamTasks(f TeamFilter) ([]*TeamTask, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + teamCols + ` FROM team_tasks WHERE 1=1`)
	args := []any{}

	if f.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*f.Status))
	}
	if f.Assignee != "" {
		q.WriteString(" AND assignee=?")
		args = append(args, f.Assignee)
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC, rowid ASC")
	if f.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
		if f.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", f.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list team tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TeamTask
	for rows.Next() {
		t, err := scanTeamTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// NextTeamPending selects the next pending team task for an assignee.
func (s *SQLiteStore) NextTeamPending(assignee string) (*TeamTask, error) {
	row := s.db.QueryRow(`SELECT `+teamCols+` FROM team_tasks
		WHERE status=? AND assignee=?
		ORDER BY priority DESC, created_at ASC, rowid ASC LIMIT 1`,
		string(StatusPending), assignee)
	t, err := scanTeamTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next team pending: %w", err)
	}
	return t, nil
}

// TransitionTeamTask performs the CAS status change on a team task.
func (s *SQLiteStore) TransitionTeamTask(id string, from, to Status, f Fields) (*TeamTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.casUpdate("team_tasks", id, from, to, f); err != nil {
		return nil, err
	}
	t, err := s.GetTeamTask(id)
	if err != nil {
		return nil, err
	}
	s.publish(eventType("team_task", to), t)
	return t, nil
}

// TeamStats returns team-task counts by status and by assignee.
func (s *SQLiteStore) TeamStats() (*TeamStats, error) {
	stats := &TeamStats{
		ByStatus:   make(map[Status]int),
		ByAssignee: make(map[string]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM team_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("team stats by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows2, err := s.db.Query(`SELECT assignee, COUNT(*) FROM team_tasks GROUP BY assignee`)
	if err != nil {
		return nil, fmt.Errorf("team stats by assignee: %w", err)
	}
	defer rows2.Close()
	for rows2.Next() {
		var a string
		var n int
		if err := rows2.Scan(&a, &n); err != nil {
			return nil, err
		}
		stats.ByAssignee[a] = n
	}
	return stats, rows2.Err()
}

// --- scanning ---

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*Task, error) {
	var t Task
	var status, metadataJSON string

	err := sc.Scan(
		&t.ID, &t.Payload, &t.Source, &t.Capability, &t.Priority, &status,
		&t.ClaimedBy, &t.AttemptCount, &t.Result, &t.LastError, &metadataJSON,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)
	return &t, nil
}

func scanTeamTask(sc scanner) (*TeamTask, error) {
	var t TeamTask
	var status, metadataJSON string

	err := sc.Scan(
		&t.ID, &t.Payload, &t.Source, &t.Capability, &t.Priority, &status,
		&t.ClaimedBy, &t.AttemptCount, &t.Result, &t.LastError, &metadataJSON,
		&t.CreatedAt, &t.UpdatedAt, &t.Assignee, &t.Phase, &t.Notes,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)
	return &t, nil
}

func scanDeadLetter(sc scanner) (*DeadLetterEntry, error) {
	var e DeadLetterEntry
	var metadataJSON string

	err := sc.Scan(
		&e.ID, &e.TaskID, &e.Payload, &e.Source, &e.Capability, &metadataJSON,
		&e.AttemptCount, &e.LastError, &e.QuarantinedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(metadataJSON), &e.Metadata)
	return &e, nil
}
