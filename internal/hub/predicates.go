// Package hub hosts the singleton controller that sequences the
// autonomous cycle: resting, executing, improving, contemplating, and
// healing.
package hub

import "time"

// State is a hub FSM state.
type State string

const (
	StateResting       State = "resting"
	StateExecuting     State = "executing"
	StateImproving     State = "improving"
	StateContemplating State = "contemplating"
	StateHealing       State = "healing"
)

// SystemState is the snapshot the predicates evaluate each tick.
type SystemState struct {
	PendingGoals    int
	ActiveGoals     int
	BudgetExhausted bool
	CriticalHealth  bool

	IdleFor       time.Duration
	IdleThreshold time.Duration

	ImprovementDone   bool
	ContemplationDone bool
	HealingDone       bool

	HealingCooldownActive bool
	HealingAttempts       int
	MaxHealingAttempts    int
}

// Decision is the predicates' verdict for one tick.
type Decision struct {
	Transition bool
	To         State
	Reason     string
}

func stay() Decision { return Decision{} }

func transition(to State, reason string) Decision {
	return Decision{Transition: true, To: to, Reason: reason}
}

// Evaluate is the pure transition function. It holds the entire
// cycle table; the FSM applies whatever it returns.
func Evaluate(current State, sys SystemState) Decision {
	// Healing preempts every non-healing state, guarded by the
	// cooldown and the rolling attempt cap.
	if current != StateHealing && sys.CriticalHealth &&
		!sys.HealingCooldownActive && sys.HealingAttempts < sys.MaxHealingAttempts {
		return transition(StateHealing, "critical_health")
	}

	switch current {
	case StateResting:
		if sys.PendingGoals > 0 && !sys.BudgetExhausted {
			return transition(StateExecuting, "pending_goals")
		}
		if sys.IdleThreshold > 0 && sys.IdleFor >= sys.IdleThreshold {
			return transition(StateImproving, "idle_threshold")
		}
	case StateExecuting:
		if sys.BudgetExhausted {
			return transition(StateResting, "budget_exhausted")
		}
		if sys.PendingGoals == 0 && sys.ActiveGoals == 0 {
			return transition(StateResting, "no_work")
		}
	case StateImproving:
		if sys.ImprovementDone {
			return transition(StateContemplating, "improvement_cycle_complete")
		}
	case StateContemplating:
		if sys.ContemplationDone {
			return transition(StateResting, "contemplation_cycle_complete")
		}
	case StateHealing:
		if sys.HealingDone {
			return transition(StateResting, "healing_cycle_complete")
		}
	}
	return stay()
}
