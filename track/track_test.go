package track

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stonehive/relay/events"
	"github.com/stonehive/relay/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

type recorder struct {
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) { r.events = append(r.events, ev) }

func TestSessionUpsert(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.SaveSession("  ", "state", nil); !task.IsValidation(err) {
		t.Fatalf("expected ValidationError for blank session id, got %v", err)
	}

	first, err := s.SaveSession("sess-1", "working on the parser", map[string]string{"branch": "main"})
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if first.State != "working on the parser" || first.Metadata["branch"] != "main" {
		t.Errorf("session fields wrong: %+v", first)
	}

	updated, err := s.SaveSession("sess-1", "parser done, on to codegen", nil)
	if err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}
	if updated.State != "parser done, on to codegen" {
		t.Errorf("state not replaced: %+v", updated)
	}
	if !updated.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed on upsert: %v -> %v", first.CreatedAt, updated.CreatedAt)
	}

	if _, err := s.GetSession("missing"); !task.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestKnowledgeBackup(t *testing.T) {
	s := newTestStore(t)

	if err := s.BackupKnowledge(&KnowledgeFile{FileType: "claude_md"}); !task.IsValidation(err) {
		t.Fatalf("expected ValidationError for empty content, got %v", err)
	}

	if err := s.BackupKnowledge(&KnowledgeFile{
		FileType: "claude_md",
		Content:  "# Project conventions\n",
		Hash:     "abc123",
	}); err != nil {
		t.Fatalf("BackupKnowledge: %v", err)
	}

	// Second backup of the same type replaces the content.
	if err := s.BackupKnowledge(&KnowledgeFile{
		FileType: "claude_md",
		Content:  "# Project conventions v2\n",
		Hash:     "def456",
	}); err != nil {
		t.Fatalf("BackupKnowledge update: %v", err)
	}

	f, err := s.GetKnowledge("claude_md")
	if err != nil {
		t.Fatalf("GetKnowledge: %v", err)
	}
	if f.Content != "# Project conventions v2\n" || f.Hash != "def456" {
		t.Errorf("knowledge file wrong: %+v", f)
	}

	if _, err := s.GetKnowledge("missing"); !task.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestLogsBySession(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.AppendLog(&LogEntry{}); !task.IsValidation(err) {
		t.Fatalf("expected ValidationError for empty kind, got %v", err)
	}

	for _, e := range []LogEntry{
		{Kind: "tool_usage", SessionID: "sess-1", Summary: "ran tests"},
		{Kind: "tool_usage", SessionID: "sess-2", Summary: "edited file"},
		{Kind: "tool_usage", SessionID: "sess-1", Summary: "committed"},
	} {
		if _, err := s.AppendLog(&e); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	logs, err := s.ListLogs("sess-1", 10)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len = %d, want 2", len(logs))
	}
	// Newest first.
	if logs[0].Summary != "committed" {
		t.Errorf("order wrong: %+v", logs)
	}

	all, err := s.ListLogs("", 2)
	if err != nil {
		t.Fatalf("ListLogs all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("limit ignored: got %d rows", len(all))
	}
}

func TestNotificationsPublish(t *testing.T) {
	s := newTestStore(t)
	rec := &recorder{}
	s.SetPublisher(rec)

	if _, err := s.AddNotification(&Notification{}); !task.IsValidation(err) {
		t.Fatalf("expected ValidationError for empty content, got %v", err)
	}

	id, err := s.AddNotification(&Notification{Content: "queue is backing up", Source: "monitor"})
	if err != nil {
		t.Fatalf("AddNotification: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}

	if len(rec.events) != 1 || rec.events[0].Type != "notification:created" {
		t.Errorf("events = %+v", rec.events)
	}

	list, err := s.ListNotifications(10)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 1 || list[0].Level != "info" {
		t.Errorf("list = %+v, want default info level", list)
	}
}
