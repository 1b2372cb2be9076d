// Package task defines the broker's task model and persistence.
//
// All mutations flow through Transition, a compare-and-swap on status
// (and, when relevant, claimed_by). Two competing operations against the
// same task never both succeed: the loser observes ConflictError and
// must re-read. That single primitive is what guarantees at-most-one
// concurrent processor per task without a global lock.
package task

import (
	"time"

	"github.com/stonehive/relay/events"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
	StatusRejected    Status = "rejected"
)

// Terminal reports whether s is a state no consumer can advance.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Priority bounds. 10 is the most urgent; ties break by creation order.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Task is a unit of work enqueued by a producer and claimed by a consumer.
type Task struct {
	ID           string            `json:"id"`
	Payload      string            `json:"payload"`
	Source       string            `json:"source,omitempty"`
	Capability   string            `json:"capability,omitempty"` // empty = any worker
	Priority     int               `json:"priority"`
	Status       Status            `json:"status"`
	ClaimedBy    string            `json:"claimed_by,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	Result       string            `json:"result,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TeamTask is a Task routed by assignee role (e.g. "planner", "executor")
// rather than capability. It shares the Task state machine verbatim and
// lives in its own table so per-assignee stats stay independently
// queryable.
type TeamTask struct {
	Task
	Assignee string `json:"assignee"`
	Phase    string `json:"phase,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// DeadLetterEntry is a quarantined copy of a task that exhausted its
// retry budget. It preserves the payload and attempt history so an
// operator can audit and re-enqueue it later.
type DeadLetterEntry struct {
	ID            string            `json:"id"`
	TaskID        string            `json:"task_id"`
	Payload       string            `json:"payload"`
	Source        string            `json:"source,omitempty"`
	Capability    string            `json:"capability,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	AttemptCount  int               `json:"attempt_count"`
	LastError     string            `json:"last_error,omitempty"`
	QuarantinedAt time.Time         `json:"quarantined_at"`
}

// Fields carries the optional column updates and guards applied by a
// Transition alongside the status CAS.
type Fields struct {
	// ExpectClaimedBy adds a claimed_by guard to the CAS: the
	// transition only applies if the task is currently held by this
	// consumer.
	ExpectClaimedBy *string

	// ClaimedBy sets the new claimant; an empty string clears the claim.
	ClaimedBy *string

	Result    *string
	LastError *string
	Phase     *string // team tasks only
	Notes     *string // team tasks only

	IncrementAttempt bool
	ResetAttempts    bool
}

// Filter controls which tasks List returns.
type Filter struct {
	Status    *Status
	Source    string
	ClaimedBy string
	Limit     int
	Offset    int
}

// TeamFilter controls which team tasks ListTeamTasks returns.
type TeamFilter struct {
	Status   *Status
	Assignee string
	Limit    int
	Offset   int
}

// TeamStats summarizes the team-task table.
type TeamStats struct {
	ByStatus   map[Status]int `json:"by_status"`
	ByAssignee map[string]int `json:"by_assignee"`
}

// Publisher receives an event after every successful mutation. A nil
// publisher is a no-op.
type Publisher interface {
	Publish(events.Event)
}

// Store persists tasks and is the single source of truth for their state.
type Store interface {
	// Enqueue persists a new pending task and returns its assigned ID.
	// A missing payload is a ValidationError.
	Enqueue(t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(id string) (*Task, error)

	// List returns tasks matching the filter, highest priority first,
	// oldest first within a priority band.
	List(f Filter) ([]*Task, error)

	// NextPending returns the next dispatchable task: highest priority,
	// then oldest. caps == nil means no capability filtering; otherwise
	// only tasks whose capability is empty or in caps are eligible.
	// Returns nil when nothing is pending.
	NextPending(caps []string) (*Task, error)

	// Transition applies a compare-and-swap status change. The losing
	// side of a race gets ConflictError; an unknown id gets
	// NotFoundError. On success the post-transition task is returned
	// and an event is published.
	Transition(id string, from, to Status, f Fields) (*Task, error)

	// Delete removes a task. Non-terminal tasks are protected and
	// return ConflictError unless force is set.
	Delete(id string, force bool) error

	// CountByStatus returns queue depth per status.
	CountByStatus() (map[Status]int, error)
}

// DeadLetterStore persists quarantined tasks.
type DeadLetterStore interface {
	AddDeadLetter(e *DeadLetterEntry) (string, error)
	GetDeadLetter(id string) (*DeadLetterEntry, error)
	ListDeadLetters(limit, offset int) ([]*DeadLetterEntry, error)

	// IsDeadLettered reports whether the original task id has been
	// quarantined; such tasks are barred from resubmit.
	IsDeadLettered(taskID string) (bool, error)

	CountDeadLetters() (int, error)
}

// TeamStore persists team tasks with the same CAS discipline as Store.
type TeamStore interface {
	EnqueueTeamTask(t *TeamTask) (string, error)
	GetTeamTask(id string) (*TeamTask, error)
	ListTeamTasks(f TeamFilter) ([]*TeamTask, error)

	// NextTeamPending routes by assignee instead of capability.
	NextTeamPending(assignee string) (*TeamTask, error)

	TransitionTeamTask(id string, from, to Status, f Fields) (*TeamTask, error)
	TeamStats() (*TeamStats, error)
}

// eventType maps a transition target to its broadcast type.
func eventType(prefix string, to Status) string {
	switch to {
	case StatusCompleted:
		return prefix + ":completed"
	case StatusFailed:
		return prefix + ":failed"
	default:
		return prefix + ":updated"
	}
}

// clampPriority normalizes an enqueue priority into bounds, defaulting
// when unset.
func clampPriority(p int) int {
	if p == 0 {
		return DefaultPriority
	}
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
