package broker

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stonehive/relay/events"
	"github.com/stonehive/relay/task"
)

// recorder captures published events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) has(typ string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRig struct {
	engine   *Engine
	store    *task.MemoryStore
	registry *Registry
	events   *recorder
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := task.NewMemoryStore()
	rec := &recorder{}
	logger := testLogger()
	registry := NewRegistry(30*time.Second, 2*time.Minute, rec, logger)
	engine := NewEngine(EngineParams{
		Store:       store,
		DeadLetters: store,
		Teams:       store,
		Registry:    registry,
		Events:      rec,
		Logger:      logger,
	})
	return &testRig{engine: engine, store: store, registry: registry, events: rec}
}

func (r *testRig) enqueue(t *testing.T, payload string, priority int) string {
	t.Helper()
	id, err := r.store.Enqueue(&task.Task{Payload: payload, Priority: priority})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestNextTaskOrdering(t *testing.T) {
	rig := newTestRig(t)

	a := rig.enqueue(t, "a", 8)
	b := rig.enqueue(t, "b", 8)
	c := rig.enqueue(t, "c", 9)

	for i, want := range []string{c, a, b} {
		got, err := rig.engine.NextTask("worker-1", "")
		if err != nil {
			t.Fatalf("NextTask: %v", err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("dispatch %d: got %+v, want %s", i, got, want)
		}
		if got.Status != task.StatusProcessing || got.ClaimedBy != "worker-1" {
			t.Errorf("claim fields wrong: %+v", got)
		}
		if got.AttemptCount != 1 {
			t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
		}
	}

	got, err := rig.engine.NextTask("worker-1", "")
	if err != nil {
		t.Fatalf("NextTask on empty queue: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil on empty queue, got %+v", got)
	}
}

func TestNextTaskRequiresConsumerID(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.engine.NextTask("", ""); !task.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestNextTaskCapabilityResolution(t *testing.T) {
	rig := newTestRig(t)

	gpuTask, err := rig.store.Enqueue(&task.Task{Payload: "render", Capability: "gpu", Priority: 9})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	generic := rig.enqueue(t, "anything", 5)

	// Registered capabilities narrow dispatch.
	if _, err := rig.registry.Register("cpu-worker", []string{"cpu"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := rig.engine.NextTask("cpu-worker", "")
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if got == nil || got.ID != generic {
		t.Fatalf("cpu worker got %+v, want generic %s", got, generic)
	}

	// An explicit capability overrides the registered set.
	got, err = rig.engine.NextTask("cpu-worker", "gpu")
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if got == nil || got.ID != gpuTask {
		t.Fatalf("explicit gpu got %+v, want %s", got, gpuTask)
	}
}

func TestNextTaskUnregisteredSeesAll(t *testing.T) {
	rig := newTestRig(t)

	id, err := rig.store.Enqueue(&task.Task{Payload: "typed", Capability: "gpu"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := rig.engine.NextTask("ad-hoc", "")
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if got == nil || got.ID != id {
		t.Fatalf("ad-hoc consumer got %+v, want %s", got, id)
	}
}

func TestCompleteOnlyClaimant(t *testing.T) {
	rig := newTestRig(t)
	rig.enqueue(t, "work", 5)

	claimed, _ := rig.engine.NextTask("worker-1", "")

	if _, err := rig.engine.Complete(claimed.ID, "worker-2", "stolen"); !task.IsConflict(err) {
		t.Fatalf("expected ConflictError for wrong claimant, got %v", err)
	}

	done, err := rig.engine.Complete(claimed.ID, "worker-1", "ok")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != task.StatusCompleted || done.ClaimedBy != "" || done.Result != "ok" {
		t.Errorf("completion fields wrong: %+v", done)
	}

	// A duplicate completion loses the CAS.
	if _, err := rig.engine.Complete(claimed.ID, "worker-1", "again"); !task.IsConflict(err) {
		t.Fatalf("expected ConflictError for duplicate completion, got %v", err)
	}
}

func TestFailUnderBudget(t *testing.T) {
	rig := newTestRig(t)
	rig.enqueue(t, "flaky", 5)

	claimed, _ := rig.engine.NextTask("worker-1", "")
	failed, deadLettered, err := rig.engine.Fail(claimed.ID, "worker-1", "transient")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if deadLettered {
		t.Fatal("first failure should not quarantine")
	}
	if failed.Status != task.StatusFailed || failed.LastError != "transient" || failed.ClaimedBy != "" {
		t.Errorf("failure fields wrong: %+v", failed)
	}
}

func TestFailExhaustsIntoDeadLetter(t *testing.T) {
	rig := newTestRig(t)
	id := rig.enqueue(t, "poison", 5)

	var deadLettered bool
	for i := 0; i < DefaultMaxAttempts; i++ {
		claimed, err := rig.engine.NextTask("worker-1", "")
		if err != nil || claimed == nil || claimed.ID != id {
			t.Fatalf("attempt %d claim: task=%+v err=%v", i, claimed, err)
		}
		if _, deadLettered, err = rig.engine.Fail(id, "worker-1", "boom"); err != nil {
			t.Fatalf("attempt %d fail: %v", i, err)
		}
		if i < DefaultMaxAttempts-1 {
			if deadLettered {
				t.Fatalf("quarantined early at attempt %d", i+1)
			}
			// Requeue without touching the attempt count, as a crashed
			// consumer's retry cycle would.
			if _, err := rig.store.Transition(id, task.StatusFailed, task.StatusPending, task.Fields{}); err != nil {
				t.Fatalf("requeue: %v", err)
			}
		}
	}
	if !deadLettered {
		t.Fatal("expected quarantine at attempt budget")
	}
	if !rig.events.has("task:dead_letter") {
		t.Error("missing task:dead_letter event")
	}

	quarantined, err := rig.store.IsDeadLettered(id)
	if err != nil {
		t.Fatalf("IsDeadLettered: %v", err)
	}
	if !quarantined {
		t.Error("dead-letter entry missing")
	}

	// The quarantined task is barred from resubmit.
	if _, err := rig.engine.Resubmit(id); !task.IsExhausted(err) {
		t.Fatalf("expected ExhaustedError resubmitting quarantined task, got %v", err)
	}
}

func TestReleaseReturnsToQueue(t *testing.T) {
	rig := newTestRig(t)
	id := rig.enqueue(t, "borrowed", 5)

	claimed, _ := rig.engine.NextTask("worker-1", "")
	released, err := rig.engine.Release(claimed.ID, "worker-1")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.Status != task.StatusPending || released.ClaimedBy != "" {
		t.Errorf("release fields wrong: %+v", released)
	}

	// Someone else can pick it straight back up.
	got, err := rig.engine.NextTask("worker-2", "")
	if err != nil || got == nil || got.ID != id {
		t.Fatalf("redispatch: task=%+v err=%v", got, err)
	}
	if got.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2 after reclaim", got.AttemptCount)
	}
}

func TestRejectAndReview(t *testing.T) {
	rig := newTestRig(t)
	rig.enqueue(t, "unworkable", 5)
	rig.enqueue(t, "ambiguous", 5)

	first, _ := rig.engine.NextTask("worker-1", "")
	rejected, err := rig.engine.Reject(first.ID, "worker-1")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != task.StatusRejected || rejected.ClaimedBy != "" {
		t.Errorf("reject fields wrong: %+v", rejected)
	}

	second, _ := rig.engine.NextTask("worker-1", "")
	parked, err := rig.engine.Review(second.ID, "worker-1", "partial answer")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if parked.Status != task.StatusNeedsReview || parked.Result != "partial answer" || parked.ClaimedBy != "" {
		t.Errorf("review fields wrong: %+v", parked)
	}

	// Both are operator-resubmittable with a fresh budget.
	for _, id := range []string{first.ID, second.ID} {
		back, err := rig.engine.Resubmit(id)
		if err != nil {
			t.Fatalf("Resubmit %s: %v", id, err)
		}
		if back.Status != task.StatusPending || back.AttemptCount != 0 {
			t.Errorf("resubmit fields wrong: %+v", back)
		}
	}
}

func TestResubmitRefusesActiveStates(t *testing.T) {
	rig := newTestRig(t)
	id := rig.enqueue(t, "pending", 5)

	if _, err := rig.engine.Resubmit(id); !task.IsConflict(err) {
		t.Fatalf("expected ConflictError resubmitting pending task, got %v", err)
	}

	claimed, _ := rig.engine.NextTask("worker-1", "")
	rig.engine.Complete(claimed.ID, "worker-1", "done")
	if _, err := rig.engine.Resubmit(id); !task.IsConflict(err) {
		t.Fatalf("expected ConflictError resubmitting completed task, got %v", err)
	}
}

func TestRetryDeadLetter(t *testing.T) {
	rig := newTestRig(t)

	dlID, err := rig.store.AddDeadLetter(&task.DeadLetterEntry{
		TaskID:       "orig-task",
		Payload:      "poison",
		Capability:   "gpu",
		Metadata:     map[string]string{"tenant": "acme"},
		AttemptCount: 3,
		LastError:    "boom",
	})
	if err != nil {
		t.Fatalf("AddDeadLetter: %v", err)
	}

	fresh, err := rig.engine.RetryDeadLetter(dlID)
	if err != nil {
		t.Fatalf("RetryDeadLetter: %v", err)
	}
	if fresh.Status != task.StatusPending || fresh.AttemptCount != 0 {
		t.Errorf("fresh task state wrong: %+v", fresh)
	}
	if fresh.Payload != "poison" || fresh.Capability != "gpu" {
		t.Errorf("payload not preserved: %+v", fresh)
	}
	if fresh.Metadata["dead_letter_id"] != dlID || fresh.Metadata["retry_of"] != "orig-task" {
		t.Errorf("back-references missing: %v", fresh.Metadata)
	}
	if fresh.Metadata["tenant"] != "acme" {
		t.Errorf("original metadata dropped: %v", fresh.Metadata)
	}

	if _, err := rig.engine.RetryDeadLetter("missing"); !task.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestResetProcessingOfflineClaimant(t *testing.T) {
	rig := newTestRig(t)
	id := rig.enqueue(t, "orphaned", 5)

	// The claimant never registered, so it counts as offline.
	if _, err := rig.engine.NextTask("ghost", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := rig.engine.ResetProcessing()
	if err != nil {
		t.Fatalf("ResetProcessing: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset = %d, want 1", n)
	}

	got, _ := rig.store.Get(id)
	if got.Status != task.StatusPending || got.ClaimedBy != "" {
		t.Errorf("task not reclaimed: %+v", got)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want preserved 1", got.AttemptCount)
	}
}

func TestResetProcessingSkipsHealthyClaimant(t *testing.T) {
	rig := newTestRig(t)
	rig.enqueue(t, "healthy work", 5)

	rig.registry.Register("worker-1", nil)
	if _, err := rig.engine.NextTask("worker-1", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := rig.engine.ResetProcessing()
	if err != nil {
		t.Fatalf("ResetProcessing: %v", err)
	}
	if n != 0 {
		t.Fatalf("reset = %d, want 0 for live claimant with fresh work", n)
	}
}

func TestResetProcessingStuckTask(t *testing.T) {
	rig := newTestRig(t)
	id := rig.enqueue(t, "wedged", 5)

	rig.registry.Register("worker-1", nil)
	if _, err := rig.engine.NextTask("worker-1", ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Move both clocks past the stuck threshold, but keep the claimant
	// heartbeating so only task staleness can trigger the reset.
	future := time.Now().Add(DefaultStuckAfter + time.Minute)
	rig.engine.now = func() time.Time { return future }
	rig.registry.now = func() time.Time { return future }
	if _, err := rig.registry.Heartbeat("worker-1", "busy"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	n, err := rig.engine.ResetProcessing()
	if err != nil {
		t.Fatalf("ResetProcessing: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset = %d, want 1 for stuck task", n)
	}
	got, _ := rig.store.Get(id)
	if got.Status != task.StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
}

// Every task is dispatched to exactly one consumer even under contention.
func TestNextTaskConcurrentDispatch(t *testing.T) {
	rig := newTestRig(t)

	const tasks = 20
	const workers = 8
	for i := 0; i < tasks; i++ {
		rig.enqueue(t, "shared work", 5)
	}

	var mu sync.Mutex
	claims := make(map[string]string) // task id -> consumer
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			me := string(rune('a' + n))
			for {
				got, err := rig.engine.NextTask(me, "")
				if err != nil {
					t.Errorf("NextTask: %v", err)
					return
				}
				if got == nil {
					return
				}
				mu.Lock()
				if prev, dup := claims[got.ID]; dup {
					t.Errorf("task %s claimed by both %s and %s", got.ID, prev, me)
				}
				claims[got.ID] = me
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(claims) != tasks {
		t.Fatalf("claimed %d tasks, want %d", len(claims), tasks)
	}
}

func TestTeamTaskFlow(t *testing.T) {
	rig := newTestRig(t)

	id, err := rig.engine.EnqueueTeamTask(&task.TeamTask{
		Task:     task.Task{Payload: "draft the plan"},
		Assignee: "planner",
		Phase:    "draft",
	})
	if err != nil {
		t.Fatalf("EnqueueTeamTask: %v", err)
	}

	if _, err := rig.engine.NextTeamTask(""); !task.IsValidation(err) {
		t.Fatalf("expected ValidationError for empty assignee, got %v", err)
	}
	if other, _ := rig.engine.NextTeamTask("executor"); other != nil {
		t.Fatalf("executor should see nothing, got %+v", other)
	}

	claimed, err := rig.engine.NextTeamTask("planner")
	if err != nil {
		t.Fatalf("NextTeamTask: %v", err)
	}
	if claimed == nil || claimed.ID != id || claimed.ClaimedBy != "planner" {
		t.Fatalf("claim wrong: %+v", claimed)
	}

	if _, err := rig.engine.CompleteTeamTask(id, "executor", "hijack"); !task.IsConflict(err) {
		t.Fatalf("expected ConflictError for wrong assignee, got %v", err)
	}

	done, err := rig.engine.CompleteTeamTask(id, "planner", "plan attached")
	if err != nil {
		t.Fatalf("CompleteTeamTask: %v", err)
	}
	if done.Status != task.StatusCompleted || done.Result != "plan attached" {
		t.Errorf("completion wrong: %+v", done)
	}
}

func TestTeamTaskFailAndRelease(t *testing.T) {
	rig := newTestRig(t)

	id, _ := rig.engine.EnqueueTeamTask(&task.TeamTask{
		Task:     task.Task{Payload: "risky step"},
		Assignee: "executor",
	})

	claimed, _ := rig.engine.NextTeamTask("executor")
	released, err := rig.engine.ReleaseTeamTask(claimed.ID, "executor")
	if err != nil {
		t.Fatalf("ReleaseTeamTask: %v", err)
	}
	if released.Status != task.StatusPending {
		t.Errorf("release status = %q", released.Status)
	}

	claimed, _ = rig.engine.NextTeamTask("executor")
	failed, err := rig.engine.FailTeamTask(id, "executor", "step exploded")
	if err != nil {
		t.Fatalf("FailTeamTask: %v", err)
	}
	if failed.Status != task.StatusFailed || failed.LastError != "step exploded" {
		t.Errorf("failure wrong: %+v", failed)
	}
}
