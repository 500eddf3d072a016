package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentcom/internal/bus"
	"github.com/basket/agentcom/internal/goal"
	"github.com/basket/agentcom/internal/llm"
	"github.com/basket/agentcom/internal/queue"
	"github.com/basket/agentcom/internal/store"
	"github.com/basket/agentcom/internal/task"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.Request
}

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return "", fmt.Errorf("scripted client exhausted")
	}
	out := c.responses[0]
	c.responses = c.responses[1:]
	return out, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *scriptedClient) request(i int) llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

type staticWorkspace []string

func (w staticWorkspace) FileTree(string) ([]string, error) { return w, nil }

type fixture struct {
	o       *Orchestrator
	backlog *goal.Backlog
	q       *queue.Queue
	client  *scriptedClient
	budget  *Ledger
}

func newFixture(t *testing.T, tree []string, responses ...string) *fixture {
	t.Helper()
	kv, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	b := bus.New()
	q, err := queue.New(context.Background(), queue.Config{Store: kv, Bus: b})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	backlog, err := goal.New(context.Background(), goal.Config{Store: kv, Bus: b})
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	client := &scriptedClient{responses: responses}
	budget := NewLedger(100)
	o, err := New(Config{
		Backlog:     backlog,
		Queue:       q,
		Workspace:   staticWorkspace(tree),
		Client:      client,
		Model:       "claude-sonnet-4-5-20250929",
		Budget:      budget,
		Bus:         b,
		CallTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{o: o, backlog: backlog, q: q, client: client, budget: budget}
}

// tickUntil ticks the orchestrator until cond holds or the deadline
// passes.
func (f *fixture) tickUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		f.o.Tick(context.Background())
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("condition never held: %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (f *fixture) goalStatus(id string) goal.Status {
	g, _ := f.backlog.Get(id)
	return g.Status
}

// completeAll marks every schedulable task of a goal completed, in
// dependency order.
func (f *fixture) completeAll(t *testing.T, goalID string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		progressed := false
		for _, tk := range f.q.TasksForGoal(goalID) {
			if tk.Status != task.StatusQueued {
				continue
			}
			ready := true
			for _, dep := range tk.DependsOn {
				if depTask, ok := f.q.Get(dep); !ok || depTask.Status != task.StatusCompleted {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			assigned, err := f.q.Assign(ctx, tk.ID, "a1", tk.Generation, nil)
			if err != nil {
				t.Fatalf("assign %s: %v", tk.ID, err)
			}
			if err := f.q.Complete(ctx, tk.ID, assigned.Generation, map[string]any{"done": true}); err != nil {
				t.Fatalf("complete %s: %v", tk.ID, err)
			}
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

const goodDecomposition = `{"tasks":[
  {"description":"add parser","depends_on":[],"file_paths":["lib/present.ex"],"complexity_tier":"standard"},
  {"description":"wire parser into pipeline","depends_on":[0],"complexity_tier":"standard"},
  {"description":"document behavior","depends_on":[1],"complexity_tier":"trivial"}
]}`

func TestDecompositionSubmitsDAGInOrder(t *testing.T) {
	f := newFixture(t, []string{"lib/present.ex"}, goodDecomposition)
	g, _ := f.backlog.Submit(context.Background(), goal.SubmitParams{Title: "build feature", Repo: "https://r/a", Priority: task.PriorityHigh})

	f.tickUntil(t, "goal executing", func() bool { return f.goalStatus(g.ID) == goal.StatusExecuting })

	tasks := f.q.TasksForGoal(g.ID)
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	// Dependencies resolved to real task IDs.
	byDesc := make(map[string]task.Task)
	for _, tk := range tasks {
		byDesc[tk.Description] = tk
	}
	wire := byDesc["wire parser into pipeline"]
	if len(wire.DependsOn) != 1 || wire.DependsOn[0] != byDesc["add parser"].ID {
		t.Fatalf("wire deps = %v", wire.DependsOn)
	}
	doc := byDesc["document behavior"]
	if len(doc.DependsOn) != 1 || doc.DependsOn[0] != wire.ID {
		t.Fatalf("doc deps = %v", doc.DependsOn)
	}
	// Tasks inherit the goal's repo and priority.
	if wire.Repo != "https://r/a" || wire.Priority != task.PriorityHigh {
		t.Fatalf("task = %#v", wire)
	}
}

func TestBadFileRefsRepromptedOnce(t *testing.T) {
	// Scenario S4: first decomposition names lib/absent.ex; the
	// re-prompt carries the missing list; the second succeeds.
	first := `{"tasks":[{"description":"fix absent","depends_on":[],"file_paths":["lib/absent.ex"]}]}`
	second := `{"tasks":[
	  {"description":"fix present","depends_on":[],"file_paths":["lib/present.ex"]},
	  {"description":"verify fix","depends_on":[0]}
	]}`
	f := newFixture(t, []string{"lib/present.ex"}, first, second)
	g, _ := f.backlog.Submit(context.Background(), goal.SubmitParams{Title: "fix", Repo: "https://r/a"})

	f.tickUntil(t, "goal executing after re-prompt", func() bool { return f.goalStatus(g.ID) == goal.StatusExecuting })

	if f.client.callCount() != 2 {
		t.Fatalf("llm calls = %d, want 2", f.client.callCount())
	}
	if !strings.Contains(f.client.request(1).Prompt, "lib/absent.ex") {
		t.Fatal("re-prompt should name the missing file")
	}
	if len(f.q.TasksForGoal(g.ID)) != 2 {
		t.Fatalf("tasks = %d", len(f.q.TasksForGoal(g.ID)))
	}
}

func TestInvalidDagRepromptThenFail(t *testing.T) {
	cyclic := `{"tasks":[{"description":"a","depends_on":[1]},{"description":"b","depends_on":[0]}]}`
	f := newFixture(t, nil, cyclic, cyclic)
	g, _ := f.backlog.Submit(context.Background(), goal.SubmitParams{Title: "doomed"})

	f.tickUntil(t, "goal failed", func() bool { return f.goalStatus(g.ID) == goal.StatusFailed })
	if f.client.callCount() != 2 {
		t.Fatalf("llm calls = %d, want exactly one re-prompt", f.client.callCount())
	}
}

func TestVerificationPassCompletesGoal(t *testing.T) {
	single := `{"tasks":[{"description":"do it","depends_on":[]}]}`
	f := newFixture(t, nil, single, `{"verdict":"pass"}`)
	g, _ := f.backlog.Submit(context.Background(), goal.SubmitParams{Title: "simple"})

	f.tickUntil(t, "goal executing", func() bool { return f.goalStatus(g.ID) == goal.StatusExecuting })
	f.completeAll(t, g.ID)
	f.tickUntil(t, "goal complete", func() bool { return f.goalStatus(g.ID) == goal.StatusComplete })
}

func TestVerificationRetryCap(t *testing.T) {
	// Scenario S5: two failing verifications spawn follow-up cycles;
	// the third failure ends the goal with needs_human_review and no
	// fourth verification runs.
	single := `{"tasks":[{"description":"do it","depends_on":[]}]}`
	failVerdict := `{"verdict":"fail","gaps":[{"description":"tests missing","severity":"critical"}]}`
	f := newFixture(t, nil, single, failVerdict, failVerdict, failVerdict)
	g, _ := f.backlog.Submit(context.Background(), goal.SubmitParams{Title: "hard", Priority: task.PriorityNormal})

	f.tickUntil(t, "goal executing", func() bool { return f.goalStatus(g.ID) == goal.StatusExecuting })

	for round := 0; round < 3; round++ {
		f.completeAll(t, g.ID)
		f.tickUntil(t, "verification round resolved", func() bool {
			s := f.goalStatus(g.ID)
			if round < 2 {
				return s == goal.StatusExecuting && len(f.q.TasksForGoal(g.ID)) == 2+round
			}
			return s == goal.StatusFailed
		})
	}

	got, _ := f.backlog.Get(g.ID)
	if got.FailureReason != "needs_human_review" {
		t.Fatalf("failure reason = %q", got.FailureReason)
	}
	if got.VerificationRetries != 2 {
		t.Fatalf("verification retries = %d", got.VerificationRetries)
	}
	// 1 decomposition + exactly 3 verifications.
	if f.client.callCount() != 4 {
		t.Fatalf("llm calls = %d, want 4", f.client.callCount())
	}
	// Critical gaps bump priority one level above the goal's.
	for _, tk := range f.q.TasksForGoal(g.ID) {
		if strings.HasPrefix(tk.Description, "Address verification gap") && tk.Priority != task.PriorityHigh {
			t.Fatalf("follow-up priority = %q, want high", tk.Priority)
		}
	}
}

func TestBudgetExhaustionPausesOrchestration(t *testing.T) {
	f := newFixture(t, nil, goodDecomposition)
	f.budget.Record(1000) // blow the budget
	g, _ := f.backlog.Submit(context.Background(), goal.SubmitParams{Title: "expensive"})

	for i := 0; i < 5; i++ {
		f.o.Tick(context.Background())
		time.Sleep(5 * time.Millisecond)
	}
	if f.client.callCount() != 0 {
		t.Fatalf("llm calls = %d, want 0 with exhausted budget", f.client.callCount())
	}
	// The goal stays parked in decomposing rather than failing.
	if s := f.goalStatus(g.ID); s != goal.StatusDecomposing {
		t.Fatalf("goal status = %q", s)
	}
}

func TestDeletedGoalDropped(t *testing.T) {
	f := newFixture(t, nil, goodDecomposition)
	ctx := context.Background()
	g, _ := f.backlog.Submit(ctx, goal.SubmitParams{Title: "short-lived"})

	f.o.Tick(ctx) // dequeues and spawns decomposition
	if err := f.backlog.Delete(ctx, g.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Further ticks must not submit tasks for the deleted goal.
	deadline := time.After(time.Second)
	for {
		f.o.Tick(ctx)
		select {
		case <-deadline:
			if n := len(f.q.TasksForGoal(g.ID)); n != 0 {
				t.Fatalf("tasks submitted for deleted goal: %d", n)
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCounts(t *testing.T) {
	f := newFixture(t, nil, goodDecomposition)
	ctx := context.Background()
	_, _ = f.backlog.Submit(ctx, goal.SubmitParams{Title: "one"})
	_, _ = f.backlog.Submit(ctx, goal.SubmitParams{Title: "two"})

	pending, active := f.o.Counts()
	if pending != 2 || active != 0 {
		t.Fatalf("counts = %d, %d", pending, active)
	}
	f.tickUntil(t, "first goal active", func() bool {
		_, active := f.o.Counts()
		return active == 1
	})
}
