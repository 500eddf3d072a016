package hub

import (
	"testing"
	"time"
)

func TestRestingToExecuting(t *testing.T) {
	d := Evaluate(StateResting, SystemState{PendingGoals: 1, MaxHealingAttempts: 3})
	if !d.Transition || d.To != StateExecuting {
		t.Fatalf("decision = %#v", d)
	}
}

func TestRestingStaysWhenBudgetExhausted(t *testing.T) {
	d := Evaluate(StateResting, SystemState{PendingGoals: 1, BudgetExhausted: true, MaxHealingAttempts: 3})
	if d.Transition {
		t.Fatalf("decision = %#v", d)
	}
}

func TestRestingToImprovingAfterIdle(t *testing.T) {
	sys := SystemState{IdleFor: 11 * time.Minute, IdleThreshold: 10 * time.Minute, MaxHealingAttempts: 3}
	d := Evaluate(StateResting, sys)
	if !d.Transition || d.To != StateImproving {
		t.Fatalf("decision = %#v", d)
	}
}

func TestExecutingDrainsToResting(t *testing.T) {
	d := Evaluate(StateExecuting, SystemState{MaxHealingAttempts: 3})
	if !d.Transition || d.To != StateResting || d.Reason != "no_work" {
		t.Fatalf("decision = %#v", d)
	}
	d = Evaluate(StateExecuting, SystemState{ActiveGoals: 1, MaxHealingAttempts: 3})
	if d.Transition {
		t.Fatalf("decision = %#v", d)
	}
}

func TestExecutingBudgetExhausted(t *testing.T) {
	d := Evaluate(StateExecuting, SystemState{ActiveGoals: 2, BudgetExhausted: true, MaxHealingAttempts: 3})
	if !d.Transition || d.To != StateResting || d.Reason != "budget_exhausted" {
		t.Fatalf("decision = %#v", d)
	}
}

func TestImprovementAndContemplationChain(t *testing.T) {
	d := Evaluate(StateImproving, SystemState{ImprovementDone: true, MaxHealingAttempts: 3})
	if !d.Transition || d.To != StateContemplating {
		t.Fatalf("decision = %#v", d)
	}
	d = Evaluate(StateContemplating, SystemState{ContemplationDone: true, MaxHealingAttempts: 3})
	if !d.Transition || d.To != StateResting {
		t.Fatalf("decision = %#v", d)
	}
}

func TestHealingPreemptsNonHealingStates(t *testing.T) {
	for _, state := range []State{StateResting, StateExecuting, StateImproving, StateContemplating} {
		d := Evaluate(state, SystemState{CriticalHealth: true, ActiveGoals: 1, PendingGoals: 1, MaxHealingAttempts: 3})
		if !d.Transition || d.To != StateHealing {
			t.Fatalf("from %s: decision = %#v", state, d)
		}
	}
	// Healing itself is never preempted.
	d := Evaluate(StateHealing, SystemState{CriticalHealth: true, MaxHealingAttempts: 3})
	if d.Transition {
		t.Fatalf("decision = %#v", d)
	}
}

func TestHealingGuards(t *testing.T) {
	base := SystemState{CriticalHealth: true, MaxHealingAttempts: 3}

	withCooldown := base
	withCooldown.HealingCooldownActive = true
	if d := Evaluate(StateResting, withCooldown); d.Transition && d.To == StateHealing {
		t.Fatalf("cooldown ignored: %#v", d)
	}

	exhausted := base
	exhausted.HealingAttempts = 3
	if d := Evaluate(StateResting, exhausted); d.Transition && d.To == StateHealing {
		t.Fatalf("attempt cap ignored: %#v", d)
	}
}

func TestHealingCompletes(t *testing.T) {
	d := Evaluate(StateHealing, SystemState{HealingDone: true, MaxHealingAttempts: 3})
	if !d.Transition || d.To != StateResting || d.Reason != "healing_cycle_complete" {
		t.Fatalf("decision = %#v", d)
	}
}
