package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentcom/internal/bus"
	"github.com/basket/agentcom/internal/store"
	"github.com/basket/agentcom/internal/task"
)

type fakeRepos struct{ url string }

func (f fakeRepos) TopActive() (string, bool) { return f.url, f.url != "" }

type fixture struct {
	q     *Queue
	bus   *bus.Bus
	kv    *store.Store
	now   time.Time
	clock *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	b := bus.New()
	q, err := New(context.Background(), Config{
		Store: kv,
		Bus:   b,
		Repos: fakeRepos{url: "https://r/a"},
		Now:   func() time.Time { return *clock },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{q: q, bus: b, kv: kv, now: now, clock: clock}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func submit(t *testing.T, q *Queue, params task.SubmitParams) task.Task {
	t.Helper()
	res, err := q.Submit(context.Background(), params)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res.Task
}

func TestSubmitInheritsTopRepo(t *testing.T) {
	f := newFixture(t)
	got := submit(t, f.q, task.SubmitParams{Description: "short fix"})
	if got.Repo != "https://r/a" {
		t.Fatalf("repo = %q, want inherited https://r/a", got.Repo)
	}
	if got.Status != task.StatusQueued || got.AssignedTo != "" {
		t.Fatalf("fresh task = %#v", got)
	}
	if got.Priority != task.PriorityNormal {
		t.Fatalf("priority = %q, want normal default", got.Priority)
	}
}

func TestAssignCompleteLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := submit(t, f.q, task.SubmitParams{Description: "work"})

	assigned, err := f.q.Assign(ctx, created.ID, "agent-1", created.Generation, nil)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if assigned.Generation != created.Generation+1 {
		t.Fatalf("generation = %d, want bump", assigned.Generation)
	}
	if assigned.Status != task.StatusAssigned || assigned.AssignedTo != "agent-1" {
		t.Fatalf("assigned = %#v", assigned)
	}

	if err := f.q.MarkInProgress(ctx, created.ID, assigned.Generation); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if err := f.q.Complete(ctx, created.ID, assigned.Generation, map[string]any{"ok": true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, _ := f.q.Get(created.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestAssignCASFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := submit(t, f.q, task.SubmitParams{Description: "work"})

	if _, err := f.q.Assign(ctx, created.ID, "a1", created.Generation+5, nil); !errors.Is(err, ErrStale) {
		t.Fatalf("err = %v, want ErrStale", err)
	}
	assigned, _ := f.q.Assign(ctx, created.ID, "a1", created.Generation, nil)
	if _, err := f.q.Assign(ctx, created.ID, "a2", assigned.Generation, nil); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("err = %v, want ErrNotQueued", err)
	}
	if _, err := f.q.Assign(ctx, "missing", "a1", 0, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGenerationFencingDropsStaleCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := submit(t, f.q, task.SubmitParams{Description: "work"})
	assigned, _ := f.q.Assign(ctx, created.ID, "a1", created.Generation, nil)
	staleGen := assigned.Generation

	// Sweep reclaims the task, bumping the generation.
	if err := f.q.Requeue(ctx, created.ID, "stuck"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	// The original agent's completion arrives late and must not land.
	if err := f.q.Complete(ctx, created.ID, staleGen, nil); !errors.Is(err, ErrStale) {
		t.Fatalf("stale completion err = %v, want ErrStale", err)
	}
	got, _ := f.q.Get(created.ID)
	if got.Status != task.StatusQueued {
		t.Fatalf("status = %q, stale completion must not apply", got.Status)
	}

	// Reassignment at the new generation completes normally.
	reassigned, err := f.q.Assign(ctx, created.ID, "a2", got.Generation, nil)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if err := f.q.Complete(ctx, created.ID, reassigned.Generation, nil); err != nil {
		t.Fatalf("complete at new generation: %v", err)
	}
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := submit(t, f.q, task.SubmitParams{Description: "flaky", MaxRetries: 2})

	cur := created
	for attempt := 1; attempt <= 2; attempt++ {
		assigned, err := f.q.Assign(ctx, cur.ID, "a1", cur.Generation, nil)
		if err != nil {
			t.Fatalf("assign attempt %d: %v", attempt, err)
		}
		outcome, err := f.q.Fail(ctx, cur.ID, assigned.Generation, "boom")
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if attempt < 2 {
			if outcome != OutcomeRetried {
				t.Fatalf("attempt %d outcome = %q, want retried", attempt, outcome)
			}
			cur, _ = f.q.Get(cur.ID)
			if cur.Status != task.StatusQueued || cur.RetryCount != attempt {
				t.Fatalf("after retry: %#v", cur)
			}
		} else if outcome != OutcomeDeadLettered {
			t.Fatalf("final outcome = %q, want dead_lettered", outcome)
		}
	}

	// Dead-lettered tasks leave the main table and never return.
	if _, ok := f.q.Get(created.ID); ok {
		t.Fatal("dead-lettered task still on main table")
	}
	dls, err := f.q.DeadLetters(ctx)
	if err != nil || len(dls) != 1 {
		t.Fatalf("dead letters = %v, %v", dls, err)
	}
	if dls[0].Reason != "boom" || dls[0].Task.ID != created.ID {
		t.Fatalf("dead letter = %#v", dls[0])
	}
}

func TestRetryDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := submit(t, f.q, task.SubmitParams{Description: "flaky", MaxRetries: 1})
	assigned, _ := f.q.Assign(ctx, created.ID, "a1", created.Generation, nil)
	if outcome, _ := f.q.Fail(ctx, created.ID, assigned.Generation, "boom"); outcome != OutcomeDeadLettered {
		t.Fatalf("outcome = %q", outcome)
	}

	restored, err := f.q.RetryDeadLetter(ctx, created.ID)
	if err != nil {
		t.Fatalf("RetryDeadLetter: %v", err)
	}
	if restored.Status != task.StatusQueued || restored.RetryCount != 0 {
		t.Fatalf("restored = %#v", restored)
	}
	if dls, _ := f.q.DeadLetters(ctx); len(dls) != 0 {
		t.Fatalf("dead letters = %v, want empty", dls)
	}
}

func TestGoalProgressCountsDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := submit(t, f.q, task.SubmitParams{Description: "a", GoalID: "g1"})
	b := submit(t, f.q, task.SubmitParams{Description: "b", GoalID: "g1", MaxRetries: 1})
	submit(t, f.q, task.SubmitParams{Description: "other goal", GoalID: "g2"})

	assignedA, _ := f.q.Assign(ctx, a.ID, "a1", a.Generation, nil)
	_ = f.q.Complete(ctx, a.ID, assignedA.Generation, nil)
	assignedB, _ := f.q.Assign(ctx, b.ID, "a1", b.Generation, nil)
	_, _ = f.q.Fail(ctx, b.ID, assignedB.Generation, "boom")

	p, err := f.q.GoalProgress(ctx, "g1")
	if err != nil {
		t.Fatalf("GoalProgress: %v", err)
	}
	if p.Completed != 1 || p.Failed != 1 || p.Pending != 0 {
		t.Fatalf("progress = %#v", p)
	}
}

func TestStuckAndTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	worked := submit(t, f.q, task.SubmitParams{Description: "worked"})
	idle := submit(t, f.q, task.SubmitParams{Description: "never picked up"})
	_, _ = f.q.Assign(ctx, worked.ID, "a1", worked.Generation, nil)

	f.advance(6 * time.Minute)
	stuck := f.q.Stuck(5 * time.Minute)
	if len(stuck) != 1 || stuck[0].ID != worked.ID {
		t.Fatalf("stuck = %v", stuck)
	}

	f.advance(5 * time.Minute) // 11 minutes since submit
	expired, err := f.q.ExpireQueued(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("ExpireQueued: %v", err)
	}
	if len(expired) != 1 || expired[0] != idle.ID {
		t.Fatalf("expired = %v", expired)
	}
	dls, _ := f.q.DeadLetters(ctx)
	if len(dls) != 1 || dls[0].Reason != "ttl_expired" {
		t.Fatalf("dead letters = %#v", dls)
	}
}

func TestOrderingPriorityThenAge(t *testing.T) {
	f := newFixture(t)
	low := submit(t, f.q, task.SubmitParams{Description: "low", Priority: task.PriorityLow})
	f.advance(time.Second)
	urgentOld := submit(t, f.q, task.SubmitParams{Description: "urgent old", Priority: task.PriorityUrgent})
	f.advance(time.Second)
	urgentNew := submit(t, f.q, task.SubmitParams{Description: "urgent new", Priority: task.PriorityUrgent})

	queued := f.q.Queued()
	if len(queued) != 3 {
		t.Fatalf("queued = %d", len(queued))
	}
	if queued[0].ID != urgentOld.ID || queued[1].ID != urgentNew.ID || queued[2].ID != low.ID {
		t.Fatalf("order = %v, %v, %v", queued[0].Description, queued[1].Description, queued[2].Description)
	}
}

func TestRestartReclaimsAssignments(t *testing.T) {
	kv, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer kv.Close()
	ctx := context.Background()

	q1, _ := New(ctx, Config{Store: kv, Repos: fakeRepos{}})
	res, _ := q1.Submit(ctx, task.SubmitParams{Description: "work"})
	assigned, _ := q1.Assign(ctx, res.Task.ID, "a1", res.Task.Generation, nil)

	// Simulated restart: the session that owned the assignment is gone.
	q2, err := New(ctx, Config{Store: kv, Repos: fakeRepos{}})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := q2.Get(res.Task.ID)
	if !ok {
		t.Fatal("task missing after reload")
	}
	if got.Status != task.StatusQueued || got.AssignedTo != "" {
		t.Fatalf("reloaded task = %#v", got)
	}
	if got.Generation <= assigned.Generation {
		t.Fatalf("generation = %d, want bump past %d", got.Generation, assigned.Generation)
	}
}

func TestSubmitEmitsEvent(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe("task.")
	defer f.bus.Unsubscribe(sub)

	created := submit(t, f.q, task.SubmitParams{Description: "work"})
	select {
	case ev := <-sub.Ch():
		if ev.Topic != bus.TopicTaskSubmitted {
			t.Fatalf("topic = %q", ev.Topic)
		}
		if ev.Payload.(bus.TaskEvent).TaskID != created.ID {
			t.Fatalf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for submit event")
	}
}
