package broker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/stonehive/relay/events"
	"github.com/stonehive/relay/task"
)

// Default policy knobs; overridable through EngineParams (the retry
// budget and thresholds are configuration, not constants).
const (
	DefaultMaxAttempts = 3
	DefaultStuckAfter  = 10 * time.Minute
)

// EngineParams wires an Engine's dependencies.
type EngineParams struct {
	Store       task.Store
	DeadLetters task.DeadLetterStore
	Teams       task.TeamStore
	Registry    *Registry
	Events      task.Publisher
	Logger      *slog.Logger

	// MaxAttempts is the failure budget before quarantine.
	MaxAttempts int
	// StuckAfter is how long a processing task may go without an update
	// before ResetProcessing reclaims it.
	StuckAfter time.Duration
}

// Engine hands out tasks to consumers and applies the lifecycle rules
// around the store's CAS transitions. It holds no task state of its own.
type Engine struct {
	store    task.Store
	dead     task.DeadLetterStore
	teams    task.TeamStore
	registry *Registry
	pub      task.Publisher
	logger   *slog.Logger

	maxAttempts int
	stuckAfter  time.Duration
	now         func() time.Time
}

// NewEngine creates an Engine with defaults filled in.
func NewEngine(p EngineParams) *Engine {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.StuckAfter <= 0 {
		p.StuckAfter = DefaultStuckAfter
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Engine{
		store:       p.Store,
		dead:        p.DeadLetters,
		teams:       p.Teams,
		registry:    p.Registry,
		pub:         p.Events,
		logger:      p.Logger,
		maxAttempts: p.MaxAttempts,
		stuckAfter:  p.StuckAfter,
		now:         time.Now,
	}
}

func (e *Engine) publish(typ string, payload any) {
	if e.pub != nil {
		e.pub.Publish(events.Event{Type: typ, Payload: payload})
	}
}

// NextTask atomically claims the next eligible task for consumerID:
// highest priority first, oldest first within a band. A lost claim race
// retries selection; nil means nothing eligible, never an error. An
// explicit capability narrows selection to that one tag; otherwise a
// registered consumer's declared capabilities apply, and an unregistered
// (ad-hoc) consumer sees everything.
func (e *Engine) NextTask(consumerID, capability string) (*task.Task, error) {
	if consumerID == "" {
		return nil, &task.ValidationError{Msg: "consumer_id is required"}
	}

	var caps []string
	if capability != "" {
		caps = []string{capability}
	} else if c, ok := e.registry.Get(consumerID); ok && len(c.Capabilities) > 0 {
		caps = c.Capabilities
	}

	for {
		next, err := e.store.NextPending(caps)
		if err != nil {
			return nil, fmt.Errorf("select next task: %w", err)
		}
		if next == nil {
			return nil, nil
		}

		claimed, err := e.store.Transition(next.ID, task.StatusPending, task.StatusProcessing, task.Fields{
			ClaimedBy:        &consumerID,
			IncrementAttempt: true,
		})
		if task.IsConflict(err) {
			// Another consumer won this task; pick again.
			continue
		}
		if err != nil {
			return nil, err
		}
		e.logger.Debug("task dispatched",
			slog.String("task", claimed.ID),
			slog.String("consumer", consumerID),
			slog.Int("attempt", claimed.AttemptCount))
		return claimed, nil
	}
}

// Complete marks a task done with its result. Only the claimant may
// complete; a second completion loses the CAS and gets ConflictError.
func (e *Engine) Complete(id, consumerID, result string) (*task.Task, error) {
	unclaimed := ""
	return e.store.Transition(id, task.StatusProcessing, task.StatusCompleted, task.Fields{
		ExpectClaimedBy: &consumerID,
		ClaimedBy:       &unclaimed,
		Result:          &result,
	})
}

// Fail records a failed attempt. If the task has exhausted its retry
// budget it is copied into the dead-letter store and stays terminally
// failed, excluded from dispatch and resubmit. The returned bool reports
// whether quarantine happened.
func (e *Engine) Fail(id, consumerID, reason string) (*task.Task, bool, error) {
	unclaimed := ""
	failed, err := e.store.Transition(id, task.StatusProcessing, task.StatusFailed, task.Fields{
		ExpectClaimedBy: &consumerID,
		ClaimedBy:       &unclaimed,
		LastError:       &reason,
	})
	if err != nil {
		return nil, false, err
	}

	if failed.AttemptCount < e.maxAttempts {
		return failed, false, nil
	}

	entry := &task.DeadLetterEntry{
		TaskID:       failed.ID,
		Payload:      failed.Payload,
		Source:       failed.Source,
		Capability:   failed.Capability,
		Metadata:     failed.Metadata,
		AttemptCount: failed.AttemptCount,
		LastError:    reason,
	}
	if _, err := e.dead.AddDeadLetter(entry); err != nil {
		return failed, false, fmt.Errorf("quarantine task %s: %w", id, err)
	}
	e.logger.Warn("task dead-lettered",
		slog.String("task", failed.ID),
		slog.Int("attempts", failed.AttemptCount))
	e.publish("task:dead_letter", entry)
	return failed, true, nil
}

// Release returns claimed work to the queue without recording a failed
// attempt. Only the claimant may release.
func (e *Engine) Release(id, consumerID string) (*task.Task, error) {
	unclaimed := ""
	return e.store.Transition(id, task.StatusProcessing, task.StatusPending, task.Fields{
		ExpectClaimedBy: &consumerID,
		ClaimedBy:       &unclaimed,
	})
}

// Reject marks a task as unworkable. Terminal; only the claimant may
// reject.
func (e *Engine) Reject(id, consumerID string) (*task.Task, error) {
	unclaimed := ""
	return e.store.Transition(id, task.StatusProcessing, task.StatusRejected, task.Fields{
		ExpectClaimedBy: &consumerID,
		ClaimedBy:       &unclaimed,
	})
}

// Review parks a task for a human decision, attaching the consumer's
// partial result.
func (e *Engine) Review(id, consumerID, result string) (*task.Task, error) {
	unclaimed := ""
	fields := task.Fields{ExpectClaimedBy: &consumerID, ClaimedBy: &unclaimed}
	if result != "" {
		fields.Result = &result
	}
	return e.store.Transition(id, task.StatusProcessing, task.StatusNeedsReview, fields)
}

// Resubmit is the operator requeue: it returns a failed, rejected, or
// needs_review task to pending with a fresh attempt budget. Quarantined
// tasks are refused; they re-enter only through RetryDeadLetter.
func (e *Engine) Resubmit(id string) (*task.Task, error) {
	t, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case task.StatusFailed, task.StatusRejected, task.StatusNeedsReview:
	default:
		return nil, &task.ConflictError{Msg: fmt.Sprintf("task %s is %s and cannot be resubmitted", id, t.Status)}
	}

	quarantined, err := e.dead.IsDeadLettered(id)
	if err != nil {
		return nil, err
	}
	if quarantined {
		return nil, &task.ExhaustedError{TaskID: id, Attempts: t.AttemptCount}
	}

	unclaimed := ""
	return e.store.Transition(id, t.Status, task.StatusPending, task.Fields{
		ClaimedBy:     &unclaimed,
		ResetAttempts: true,
	})
}

// RetryDeadLetter re-enqueues a fresh task derived from a quarantined
// entry: attempt count zero, original payload and metadata preserved,
// plus a back-reference for audit.
func (e *Engine) RetryDeadLetter(deadLetterID string) (*task.Task, error) {
	entry, err := e.dead.GetDeadLetter(deadLetterID)
	if err != nil {
		return nil, err
	}

	meta := make(map[string]string, len(entry.Metadata)+2)
	for k, v := range entry.Metadata {
		meta[k] = v
	}
	meta["dead_letter_id"] = entry.ID
	meta["retry_of"] = entry.TaskID

	t := &task.Task{
		Payload:    entry.Payload,
		Source:     entry.Source,
		Capability: entry.Capability,
		Metadata:   meta,
	}
	if _, err := e.store.Enqueue(t); err != nil {
		return nil, fmt.Errorf("retry dead letter %s: %w", deadLetterID, err)
	}
	e.logger.Info("dead letter retried",
		slog.String("dead_letter", deadLetterID),
		slog.String("new_task", t.ID))
	return t, nil
}

// ResetProcessing is the operator escape hatch for crashed consumers:
// every processing task whose claimant is offline, or whose last update
// is older than the stuck threshold, goes back to pending. Attempt
// counts are preserved. Nothing else ever reclaims claimed work.
func (e *Engine) ResetProcessing() (int, error) {
	processing := task.StatusProcessing
	stuck, err := e.store.List(task.Filter{Status: &processing})
	if err != nil {
		return 0, fmt.Errorf("list processing tasks: %w", err)
	}

	cutoff := e.now().UTC().Add(-e.stuckAfter)
	reset := 0
	for _, t := range stuck {
		if !e.registry.Offline(t.ClaimedBy) && !t.UpdatedAt.Before(cutoff) {
			continue
		}
		unclaimed := ""
		_, err := e.store.Transition(t.ID, task.StatusProcessing, task.StatusPending, task.Fields{
			ClaimedBy: &unclaimed,
		})
		if task.IsConflict(err) || task.IsNotFound(err) {
			// The claimant finished (or the task vanished) mid-sweep.
			continue
		}
		if err != nil {
			return reset, err
		}
		e.logger.Info("stuck task reset",
			slog.String("task", t.ID),
			slog.String("was_claimed_by", t.ClaimedBy))
		reset++
	}
	return reset, nil
}

// --- team-task variant ---

// EnqueueTeamTask validates and persists an assignee-routed task.
func (e *Engine) EnqueueTeamTask(t *task.TeamTask) (string, error) {
	return e.teams.EnqueueTeamTask(t)
}

// NextTeamTask claims the next pending task for an assignee role. The
// role itself is recorded as the claimant.
func (e *Engine) NextTeamTask(assignee string) (*task.TeamTask, error) {
	if assignee == "" {
		return nil, &task.ValidationError{Msg: "assignee is required"}
	}
	for {
		next, err := e.teams.NextTeamPending(assignee)
		if err != nil {
			return nil, fmt.Errorf("select next team task: %w", err)
		}
		if next == nil {
			return nil, nil
		}
		claimed, err := e.teams.TransitionTeamTask(next.ID, task.StatusPending, task.StatusProcessing, task.Fields{
			ClaimedBy:        &assignee,
			IncrementAttempt: true,
		})
		if task.IsConflict(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}
}

// CompleteTeamTask finishes a team task with its result.
func (e *Engine) CompleteTeamTask(id, assignee, result string) (*task.TeamTask, error) {
	unclaimed := ""
	return e.teams.TransitionTeamTask(id, task.StatusProcessing, task.StatusCompleted, task.Fields{
		ExpectClaimedBy: &assignee,
		ClaimedBy:       &unclaimed,
		Result:          &result,
	})
}

// FailTeamTask records a failed team-task attempt. Team tasks have no
// dead-letter path; the assignee model is small enough for operators to
// resubmit by hand.
func (e *Engine) FailTeamTask(id, assignee, reason string) (*task.TeamTask, error) {
	unclaimed := ""
	return e.teams.TransitionTeamTask(id, task.StatusProcessing, task.StatusFailed, task.Fields{
		ExpectClaimedBy: &assignee,
		ClaimedBy:       &unclaimed,
		LastError:       &reason,
	})
}

// ReleaseTeamTask returns a claimed team task to pending.
func (e *Engine) ReleaseTeamTask(id, assignee string) (*task.TeamTask, error) {
	unclaimed := ""
	return e.teams.TransitionTeamTask(id, task.StatusProcessing, task.StatusPending, task.Fields{
		ExpectClaimedBy: &assignee,
		ClaimedBy:       &unclaimed,
	})
}
