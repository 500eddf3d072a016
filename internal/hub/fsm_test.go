package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentcom/internal/bus"
)

type fakeOrchestrator struct {
	mu      sync.Mutex
	pending int
	active  int
	ticks   int
}

func (o *fakeOrchestrator) Tick(context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks++
}

func (o *fakeOrchestrator) Counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending, o.active
}

func (o *fakeOrchestrator) set(pending, active int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = pending
	o.active = active
}

func (o *fakeOrchestrator) tickCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ticks
}

type fakeBudget struct{ exhausted bool }

func (b *fakeBudget) Exhausted() bool { return b.exhausted }

type fsmFixture struct {
	fsm    *FSM
	orch   *fakeOrchestrator
	budget *fakeBudget
	bus    *bus.Bus
	now    *time.Time
}

func newFSM(t *testing.T, mutate func(*Config)) *fsmFixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	orch := &fakeOrchestrator{}
	budget := &fakeBudget{}
	b := bus.New()
	cfg := Config{
		Orchestrator:    orch,
		Budget:          budget,
		Bus:             b,
		IdleThreshold:   10 * time.Minute,
		Watchdog:        2 * time.Hour,
		HealingCooldown: 5 * time.Minute,
		HealingAttempts: 3,
		Now:             func() time.Time { return *clock },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fsmFixture{fsm: New(cfg), orch: orch, budget: budget, bus: b, now: clock}
}

func (f *fsmFixture) advance(d time.Duration) { *f.now = f.now.Add(d) }

func TestCycleRestingExecutingResting(t *testing.T) {
	f := newFSM(t, nil)
	ctx := context.Background()

	f.orch.set(1, 0)
	f.fsm.TickOnce(ctx)
	if got := f.fsm.Status(); got.State != StateExecuting || got.CycleCount != 1 {
		t.Fatalf("status = %#v", got)
	}

	// While executing, non-transition ticks drive the orchestrator.
	f.orch.set(0, 1)
	f.fsm.TickOnce(ctx)
	f.fsm.TickOnce(ctx)
	if f.orch.tickCount() != 2 {
		t.Fatalf("orchestrator ticks = %d", f.orch.tickCount())
	}

	f.orch.set(0, 0)
	f.fsm.TickOnce(ctx)
	if got := f.fsm.Status(); got.State != StateResting {
		t.Fatalf("status = %#v", got)
	}
	history := f.fsm.History()
	if len(history) != 2 || history[0].To != StateExecuting || history[1].Reason != "no_work" {
		t.Fatalf("history = %#v", history)
	}
}

func TestIdleProgressionThroughImprovementCycle(t *testing.T) {
	improved := make(chan struct{})
	f := newFSM(t, func(cfg *Config) {
		cfg.Improve = func(context.Context) error { close(improved); return nil }
		cfg.Contemplate = nil // completes instantly
	})
	ctx := context.Background()

	f.advance(11 * time.Minute)
	f.fsm.TickOnce(ctx)
	if got := f.fsm.Status(); got.State != StateImproving {
		t.Fatalf("status = %#v", got)
	}
	select {
	case <-improved:
	case <-time.After(time.Second):
		t.Fatal("improve routine never ran")
	}

	// Wait for the done flag, then progress through contemplating back
	// to resting.
	deadline := time.After(2 * time.Second)
	for f.fsm.Status().State != StateResting {
		f.fsm.TickOnce(ctx)
		select {
		case <-deadline:
			t.Fatalf("stuck in %s", f.fsm.Status().State)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWatchdogForcesResting(t *testing.T) {
	// Scenario S6: healing never signals completion; after the
	// watchdog period the FSM forces resting and records it.
	heal := func(ctx context.Context) error {
		<-ctx.Done() // never completes
		return nil
	}
	f := newFSM(t, func(cfg *Config) { cfg.Heal = heal })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alerts := f.bus.Subscribe("hub.alert")
	defer f.bus.Unsubscribe(alerts)

	f.fsm.ForceState(StateHealing, "test_setup")
	f.fsm.TickOnce(ctx) // still healing, no completion signal
	if f.fsm.Status().State != StateHealing {
		t.Fatalf("state = %q", f.fsm.Status().State)
	}

	f.advance(2*time.Hour + time.Minute)
	f.fsm.TickOnce(ctx)
	got := f.fsm.Status()
	if got.State != StateResting || got.WatchdogFired != 1 {
		t.Fatalf("status = %#v", got)
	}
	history := f.fsm.History()
	last := history[len(history)-1]
	if last.Reason != "watchdog_timeout" || last.From != StateHealing {
		t.Fatalf("history tail = %#v", last)
	}
	select {
	case ev := <-alerts.Ch():
		if ev.Payload.(bus.AlertEvent).Rule != "watchdog_timeout" {
			t.Fatalf("alert = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected watchdog alert")
	}
}

func TestPauseHaltsTransitions(t *testing.T) {
	f := newFSM(t, nil)
	ctx := context.Background()

	f.fsm.Pause()
	f.orch.set(3, 0)
	f.fsm.TickOnce(ctx)
	if got := f.fsm.Status(); got.State != StateResting || !got.Paused {
		t.Fatalf("status = %#v", got)
	}

	f.fsm.Resume()
	f.fsm.TickOnce(ctx)
	if got := f.fsm.Status(); got.State != StateExecuting {
		t.Fatalf("status after resume = %#v", got)
	}
}

func TestBudgetExhaustionLeavesExecuting(t *testing.T) {
	f := newFSM(t, nil)
	ctx := context.Background()
	f.orch.set(1, 1)
	f.fsm.TickOnce(ctx)
	if f.fsm.Status().State != StateExecuting {
		t.Fatalf("state = %q", f.fsm.Status().State)
	}

	f.budget.exhausted = true
	f.fsm.TickOnce(ctx)
	if f.fsm.Status().State != StateResting {
		t.Fatalf("state = %q", f.fsm.Status().State)
	}
	// Exhausted budget also blocks re-entry into executing.
	f.fsm.TickOnce(ctx)
	if f.fsm.Status().State != StateResting {
		t.Fatalf("state = %q", f.fsm.Status().State)
	}
}

func TestHealingCooldownAndAttemptCap(t *testing.T) {
	critical := true
	sampler := func() Sample {
		if critical {
			return Sample{StuckTasks: 1}
		}
		return Sample{}
	}
	var agg *Aggregator
	f := newFSM(t, func(cfg *Config) {
		agg = NewAggregator(sampler, nil, nil)
		cfg.Health = agg
		cfg.Heal = nil // heal completes instantly
	})
	ctx := context.Background()

	enterHealing := func() {
		agg.Check()
		f.fsm.TickOnce(ctx)
		if f.fsm.Status().State != StateHealing {
			t.Fatalf("expected healing, state = %q", f.fsm.Status().State)
		}
		// Healing completes; next tick returns to resting.
		f.fsm.TickOnce(ctx)
		if f.fsm.Status().State != StateResting {
			t.Fatalf("expected resting, state = %q", f.fsm.Status().State)
		}
	}

	enterHealing()

	// Cooldown: still critical, but re-entry is blocked for 5 minutes.
	agg.Check()
	f.fsm.TickOnce(ctx)
	if f.fsm.Status().State == StateHealing {
		t.Fatal("cooldown should block immediate healing re-entry")
	}

	// After the cooldown two more attempts are allowed, then the
	// rolling window cap blocks the fourth.
	f.advance(6 * time.Minute)
	enterHealing()
	f.advance(6 * time.Minute)
	enterHealing()
	f.advance(6 * time.Minute)
	agg.Check()
	f.fsm.TickOnce(ctx)
	if f.fsm.Status().State == StateHealing {
		t.Fatal("attempt cap should block the fourth healing entry")
	}
}

func TestHistoryRingBounded(t *testing.T) {
	f := newFSM(t, nil)
	for i := 0; i < historyCap+50; i++ {
		f.fsm.ForceState(StateExecuting, "churn")
		f.fsm.ForceState(StateResting, "churn")
	}
	history := f.fsm.History()
	if len(history) != historyCap {
		t.Fatalf("history length = %d, want %d", len(history), historyCap)
	}
	if history[len(history)-1].TransitionNumber != (historyCap+50)*2 {
		t.Fatalf("last transition number = %d", history[len(history)-1].TransitionNumber)
	}
}

func TestOnStateChangeCallback(t *testing.T) {
	var states []State
	var mu sync.Mutex
	f := newFSM(t, func(cfg *Config) {
		cfg.OnStateChange = func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}
	})
	f.orch.set(1, 0)
	f.fsm.TickOnce(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 || states[0] != StateExecuting {
		t.Fatalf("states = %v", states)
	}
}
