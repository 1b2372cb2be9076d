package task

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stonehive/relay/events"
)

// MemoryStore is an in-process implementation of Store, DeadLetterStore,
// and TeamStore with the same CAS semantics as SQLiteStore. It backs
// tests and ephemeral deployments; state does not survive a restart.
type MemoryStore struct {
	mu          sync.Mutex
	tasks       map[string]*Task
	teamTasks   map[string]*TeamTask
	deadLetters map[string]*DeadLetterEntry
	seq         map[string]int64 // id -> insertion order, tie-break within a priority band
	nextSeq     int64
	pub         Publisher
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*Task),
		teamTasks:   make(map[string]*TeamTask),
		deadLetters: make(map[string]*DeadLetterEntry),
		seq:         make(map[string]int64),
	}
}

// SetPublisher attaches the event hub. Call before serving traffic.
func (s *MemoryStore) SetPublisher(p Publisher) { s.pub = p }

func (s *MemoryStore) publish(typ string, payload any) {
	if s.pub != nil {
		s.pub.Publish(events.Event{Type: typ, Payload: payload})
	}
}

// Enqueue persists a new pending task and returns its ID.
func (s *MemoryStore) Enqueue(t *Task) (string, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	s.nextSeq++
	s.seq[t.ID] = s.nextSeq

	s.publish("task:created", t)
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *MemoryStore) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &NotFoundError{Kind: "task", ID: id}
	}
	cp := *t
	return &cp, nil
}

// List returns tasks matching the filter in dispatch order.
func (s *MemoryStore) List(f Filter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Task
	for _, t := range s.tasks {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.Source != "" && t.Source != f.Source {
			continue
		}
		if f.ClaimedBy != "" && t.ClaimedBy != f.ClaimedBy {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	s.sortDispatch(out)

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

// NextPending selects the next dispatchable task without claiming it.
func (s *MemoryStore) NextPending(caps []string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Task
	for _, t := range s.tasks {
		if t.Status != StatusPending {
			continue
		}
		if caps != nil && t.Capability != "" && !contains(caps, t.Capability) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	s.sortDispatch(candidates)
	cp := *candidates[0]
	return &cp, nil
}

// Transition performs the CAS status change on a task.
func (s *MemoryStore) Transition(id string, from, to Status, f Fields) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, &NotFoundError{Kind: "task", ID: id}
	}
	if t.Status != from {
		cur := t.Status
		s.mu.Unlock()
		return nil, &ConflictError{Msg: fmt.Sprintf("task %s is %s, expected %s", id, cur, from)}
	}
	if f.ExpectClaimedBy != nil && t.ClaimedBy != *f.ExpectClaimedBy {
		holder := t.ClaimedBy
		s.mu.Unlock()
		return nil, &ConflictError{Msg: fmt.Sprintf("task %s is held by %q, not %q", id, holder, *f.ExpectClaimedBy)}
	}

	applyFields(t, to, f)
	cp := *t
	// Publish before releasing the lock so events keep apply order.
	// Hub publishes never block, so this cannot deadlock.
	s.publish(eventType("task", to), &cp)
	s.mu.Unlock()

	return &cp, nil
}

// Delete removes a task, refusing to drop non-terminal work without force.
func (s *MemoryStore) Delete(id string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return &NotFoundError{Kind: "task", ID: id}
	}
	if !force && !t.Status.Terminal() {
		return &ConflictError{Msg: fmt.Sprintf("task %s is %s and protected from deletion", id, t.Status)}
	}
	delete(s.tasks, id)
	delete(s.seq, id)
	return nil
}

// CountByStatus returns queue depth per status.
func (s *MemoryStore) CountByStatus() (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// --- dead letters ---

// AddDeadLetter quarantines a copy of an exhausted task.
func (s *MemoryStore) AddDeadLetter(e *DeadLetterEntry) (string, error) {
	e.ID = uuid.New().String()
	e.QuarantinedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.deadLetters[e.ID] = &cp
	return e.ID, nil
}

// GetDeadLetter retrieves a dead-letter entry by ID.
func (s *MemoryStore) GetDeadLetter(id string) (*DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.deadLetters[id]
	if !ok {
		return nil, &NotFoundError{Kind: "dead letter", ID: id}
	}
	cp := *e
	return &cp, nil
}

// ListDeadLetters returns quarantined entries, most recent first.
func (s *MemoryStore) ListDeadLetters(limit, offset int) ([]*DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*DeadLetterEntry, 0, len(s.deadLetters))
	for _, e := range s.deadLetters {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QuarantinedAt.After(out[j].QuarantinedAt)
	})

	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// IsDeadLettered reports whether taskID was ever quarantined.
func (s *MemoryStore) IsDeadLettered(taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.deadLetters {
		if e.TaskID == taskID {
			return true, nil
		}
	}
	return false, nil
}

// CountDeadLetters returns the quarantine depth.
func (s *MemoryStore) CountDeadLetters() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters), nil
}

// --- team tasks ---

// EnqueueTeamTask persists a new pending team task.
func (s *MemoryStore) EnqueueTeamTask(t *TeamTask) (string, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.teamTasks[t.ID] = &cp
	s.nextSeq++
	s.seq[t.ID] = s.nextSeq

	s.publish("team_task:created", t)
	return t.ID, nil
}

// GetTeamTask retrieves a team task by ID.
func (s *MemoryStore) GetTeamTask(id string) (*TeamTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teamTasks[id]
	if !ok {
		return nil, &NotFoundError{Kind: "team task", ID: id}
	}
	cp := *t
	return &cp, nil
}

// ListTeamTasks returns team tasks matching the filter in dispatch order.
func (s *MemoryStore) ListTeamTasks(f TeamFilter) ([]*TeamTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*TeamTask
	for _, t := range s.teamTasks {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.Assignee != "" && t.Assignee != f.Assignee {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

// NextTeamPending selects the next pending team task for an assignee.
func (s *MemoryStore) NextTeamPending(assignee string) (*TeamTask, error) {
	pending := StatusPending
	tasks, err := s.ListTeamTasks(TeamFilter{Status: &pending, Assignee: assignee, Limit: 1})
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return tasks[0], nil
}

// TransitionTeamTask performs the CAS status change on a team task.
func (s *MemoryStore) TransitionTeamTask(id string, from, to Status, f Fields) (*TeamTask, error) {
	s.mu.Lock()
	t, ok := s.teamTasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, &NotFoundError{Kind: "team task", ID: id}
	}
	if t.Status != from {
		cur := t.Status
		s.mu.Unlock()
		return nil, &ConflictError{Msg: fmt.Sprintf("team task %s is %s, expected %s", id, cur, from)}
	}
	if f.ExpectClaimedBy != nil && t.ClaimedBy != *f.ExpectClaimedBy {
		holder := t.ClaimedBy
		s.mu.Unlock()
		return nil, &ConflictError{Msg: fmt.Sprintf("team task %s is held by %q, not %q", id, holder, *f.ExpectClaimedBy)}
	}

	applyFields(&t.Task, to, f)
	if f.Phase != nil {
		t.Phase = *f.Phase
	}
	if f.Notes != nil {
		t.Notes = *f.Notes
	}
	cp := *t
	s.publish(eventType("team_task", to), &cp)
	s.mu.Unlock()

	return &cp, nil
}

// TeamStats returns team-task counts by status and by assignee.
func (s *MemoryStore) TeamStats() (*TeamStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &TeamStats{
		ByStatus:   make(map[Status]int),
		ByAssignee: make(map[string]int),
	}
	for _, t := range s.teamTasks {
		stats.ByStatus[t.Status]++
		stats.ByAssignee[t.Assignee]++
	}
	return stats, nil
}

// --- helpers ---

// sortDispatch orders tasks by priority (highest first) then insertion
// order, matching the SQLite dispatch query.
func (s *MemoryStore) sortDispatch(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return s.seq[tasks[i].ID] < s.seq[tasks[j].ID]
	})
}

func applyFields(t *Task, to Status, f Fields) {
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	if f.ClaimedBy != nil {
		t.ClaimedBy = *f.ClaimedBy
	}
	if f.Result != nil {
		t.Result = *f.Result
	}
	if f.LastError != nil {
		t.LastError = *f.LastError
	}
	if f.IncrementAttempt {
		t.AttemptCount++
	}
	if f.ResetAttempts {
		t.AttemptCount = 0
	}
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
