// Package track persists the broker's non-queue records: session state,
// knowledge-file backups, tool-usage audit logs, and notifications. It
// shares the task store's SQLite handle so the whole broker keeps one
// serialized connection.
package track

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stonehive/relay/events"
	"github.com/stonehive/relay/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	state      TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS knowledge_files (
	file_type  TEXT PRIMARY KEY,
	content    TEXT NOT NULL DEFAULT '',
	hash       TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS logs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	summary    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_session ON logs (session_id, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	level      TEXT NOT NULL DEFAULT 'info',
	source     TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);
`

// Session is a saved working-context blob keyed by session id, written
// by session-end hooks and read back when a new session starts.
type Session struct {
	SessionID string            `json:"session_id"`
	State     string            `json:"state"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// KnowledgeFile is a backed-up config/memory file, keyed by type tag
// (e.g. "claude_md"), deduplicated by content hash.
type KnowledgeFile struct {
	FileType  string    `json:"file_type"`
	Content   string    `json:"content"`
	Hash      string    `json:"hash,omitempty"`
	Source    string    `json:"source,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LogEntry is one audit row from a tool-usage hook.
type LogEntry struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a persisted notification; each one is also mirrored
// onto the event hub for live observers.
type Notification struct {
	ID        string            `json:"id"`
	Level     string            `json:"level"`
	Source    string            `json:"source,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store persists tracking records on a shared database handle.
type Store struct {
	db  *sql.DB
	pub task.Publisher
}

// NewStore ensures the tracking schema exists on db. db is typically
// the task store's handle (SQLiteStore.DB()).
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create tracking schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SetPublisher attaches the event hub. Call before serving traffic.
func (s *Store) SetPublisher(p task.Publisher) { s.pub = p }

// SaveSession upserts the state blob for a session id.
func (s *Store) SaveSession(sessionID, state string, metadata map[string]string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &task.ValidationError{Msg: "session id is required"}
	}
	now := time.Now().UTC()
	meta, _ := json.Marshal(metadata)

	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, state, metadata, created_at, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(session_id) DO UPDATE SET state=excluded.state,
			metadata=excluded.metadata, updated_at=excluded.updated_at`,
		sessionID, state, string(meta), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return s.GetSession(sessionID)
}

// GetSession retrieves a saved session by id.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	var sess Session
	var meta string
	err := s.db.QueryRow(`
		SELECT session_id, state, metadata, created_at, updated_at
		FROM sessions WHERE session_id=?`, sessionID).
		Scan(&sess.SessionID, &sess.State, &meta, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &task.NotFoundError{Kind: "session", ID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	_ = json.Unmarshal([]byte(meta), &sess.Metadata)
	return &sess, nil
}

// BackupKnowledge upserts a knowledge file by type tag. An unchanged
// hash is still written; the hash exists for callers to compare, not as
// a broker-side dedupe guarantee.
func (s *Store) BackupKnowledge(f *KnowledgeFile) error {
	if strings.TrimSpace(f.FileType) == "" {
		return &task.ValidationError{Msg: "file type is required"}
	}
	if f.Content == "" {
		return &task.ValidationError{Msg: "content is required"}
	}
	f.UpdatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO knowledge_files (file_type, content, hash, source, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(file_type) DO UPDATE SET content=excluded.content,
			hash=excluded.hash, source=excluded.source, updated_at=excluded.updated_at`,
		f.FileType, f.Content, f.Hash, f.Source, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("backup knowledge file: %w", err)
	}
	return nil
}

// GetKnowledge retrieves the latest backup for a file type.
func (s *Store) GetKnowledge(fileType string) (*KnowledgeFile, error) {
	var f KnowledgeFile
	err := s.db.QueryRow(`
		SELECT file_type, content, hash, source, updated_at
		FROM knowledge_files WHERE file_type=?`, fileType).
		Scan(&f.FileType, &f.Content, &f.Hash, &f.Source, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &task.NotFoundError{Kind: "knowledge file", ID: fileType}
	}
	if err != nil {
		return nil, fmt.Errorf("get knowledge file: %w", err)
	}
	return &f, nil
}

// AppendLog stores one audit row.
func (s *Store) AppendLog(e *LogEntry) (string, error) {
	if strings.TrimSpace(e.Kind) == "" {
		return "", &task.ValidationError{Msg: "log kind is required"}
	}
	e.ID = uuid.New().String()
	e.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO logs (id, kind, source, session_id, summary, created_at)
		VALUES (?,?,?,?,?,?)`,
		e.ID, e.Kind, e.Source, e.SessionID, e.Summary, e.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("append log: %w", err)
	}
	return e.ID, nil
}

// ListLogs returns recent audit rows, newest first, optionally filtered
// by session.
func (s *Store) ListLogs(sessionID string, limit int) ([]*LogEntry, error) {
	q := `SELECT id, kind, source, session_id, summary, created_at FROM logs`
	args := []any{}
	if sessionID != "" {
		q += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.Source, &e.SessionID, &e.Summary, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AddNotification persists a notification and mirrors it to the hub.
func (s *Store) AddNotification(n *Notification) (string, error) {
	if strings.TrimSpace(n.Content) == "" {
		return "", &task.ValidationError{Msg: "content is required"}
	}
	if n.Level == "" {
		n.Level = "info"
	}
	n.ID = uuid.New().String()
	n.CreatedAt = time.Now().UTC()
	meta, _ := json.Marshal(n.Metadata)

	_, err := s.db.Exec(`
		INSERT INTO notifications (id, level, source, content, metadata, created_at)
		VALUES (?,?,?,?,?,?)`,
		n.ID, n.Level, n.Source, n.Content, string(meta), n.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("add notification: %w", err)
	}
	if s.pub != nil {
		s.pub.Publish(events.Event{Type: "notification:created", Payload: n})
	}
	return n.ID, nil
}

// ListNotifications returns recent notifications, newest first.
func (s *Store) ListNotifications(limit int) ([]*Notification, error) {
	q := `SELECT id, level, source, content, metadata, created_at
		FROM notifications ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.Query(q)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		var meta string
		if err := rows.Scan(&n.ID, &n.Level, &n.Source, &n.Content, &meta, &n.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(meta), &n.Metadata)
		out = append(out, &n)
	}
	return out, rows.Err()
}
