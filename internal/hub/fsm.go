package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentcom/internal/bus"
)

const historyCap = 200

// HistoryEntry records one FSM transition.
type HistoryEntry struct {
	From             State     `json:"from"`
	To               State     `json:"to"`
	Reason           string    `json:"reason"`
	Timestamp        time.Time `json:"timestamp"`
	TransitionNumber int       `json:"transition_number"`
}

// Ticker is the goal orchestrator surface the FSM drives.
type Ticker interface {
	Tick(ctx context.Context)
	Counts() (pending, active int)
}

// BudgetGauge reports LLM budget exhaustion.
type BudgetGauge interface {
	Exhausted() bool
}

// CycleFunc is a stateless routine the FSM invokes when entering
// improving, contemplating, or healing.
type CycleFunc func(ctx context.Context) error

// Config wires the FSM.
type Config struct {
	Orchestrator Ticker
	Health       *Aggregator
	Budget       BudgetGauge
	Bus          *bus.Bus
	Logger       *slog.Logger

	Improve     CycleFunc
	Contemplate CycleFunc
	Heal        CycleFunc

	// OnStateChange lets the LLM client gate its budget checks per
	// state. Optional.
	OnStateChange func(state State)

	TickInterval    time.Duration
	IdleThreshold   time.Duration
	Watchdog        time.Duration
	HealingCooldown time.Duration
	HealingAttempts int

	Now func() time.Time
}

// FSM is the singleton hub controller.
type FSM struct {
	cfg Config

	mu              sync.Mutex
	state           State
	enteredAt       time.Time
	paused          bool
	cycleCount      int
	transitionCount int
	history         []HistoryEntry
	watchdogFired   int

	improvementDone   bool
	contemplationDone bool
	healingDone       bool
	cycleRunning      bool

	healingEntries []time.Time
	lastHealingEnd time.Time
}

// New builds the FSM in the resting state.
func New(cfg Config) *FSM {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = 2 * time.Hour
	}
	if cfg.HealingCooldown <= 0 {
		cfg.HealingCooldown = 5 * time.Minute
	}
	if cfg.HealingAttempts <= 0 {
		cfg.HealingAttempts = 3
	}
	return &FSM{
		cfg:       cfg,
		state:     StateResting,
		enteredAt: cfg.Now(),
	}
}

// Run drives the tick loop until ctx is canceled.
func (f *FSM) Run(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(f.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.TickOnce(ctx)
			}
		}
	}()
}

// TickOnce runs one predicate evaluation and applies the result.
func (f *FSM) TickOnce(ctx context.Context) {
	f.mu.Lock()
	if f.paused {
		f.mu.Unlock()
		return
	}
	now := f.cfg.Now()

	// Watchdog: a state held too long is forced back to resting.
	if f.state != StateResting && now.Sub(f.enteredAt) >= f.cfg.Watchdog {
		f.watchdogFired++
		f.transitionLocked(StateResting, "watchdog_timeout", now)
		f.mu.Unlock()
		if f.cfg.Bus != nil {
			f.cfg.Bus.Publish(bus.TopicHubAlert, bus.AlertEvent{
				Rule: "watchdog_timeout", Severity: "critical",
				Message: "hub state watchdog fired", At: now,
			})
		}
		return
	}

	sys := f.gatherLocked(now)
	decision := Evaluate(f.state, sys)
	if decision.Transition {
		f.transitionLocked(decision.To, decision.Reason, now)
		to := decision.To
		f.mu.Unlock()
		f.onEnter(ctx, to)
		return
	}
	state := f.state
	f.mu.Unlock()

	if state == StateExecuting && f.cfg.Orchestrator != nil {
		f.cfg.Orchestrator.Tick(ctx)
	}
}

// gatherLocked builds the SystemState snapshot. Callers hold f.mu.
func (f *FSM) gatherLocked(now time.Time) SystemState {
	var pending, active int
	if f.cfg.Orchestrator != nil {
		pending, active = f.cfg.Orchestrator.Counts()
	}
	budgetExhausted := f.cfg.Budget != nil && f.cfg.Budget.Exhausted()
	critical := f.cfg.Health != nil && f.cfg.Health.Critical()

	idleFor := time.Duration(0)
	if f.state == StateResting {
		idleFor = now.Sub(f.enteredAt)
	}

	// Rolling one-hour window bounds healing attempts.
	cutoff := now.Add(-time.Hour)
	attempts := 0
	for _, ts := range f.healingEntries {
		if ts.After(cutoff) {
			attempts++
		}
	}
	cooldownActive := !f.lastHealingEnd.IsZero() && now.Sub(f.lastHealingEnd) < f.cfg.HealingCooldown

	return SystemState{
		PendingGoals:          pending,
		ActiveGoals:           active,
		BudgetExhausted:       budgetExhausted,
		CriticalHealth:        critical,
		IdleFor:               idleFor,
		IdleThreshold:         f.cfg.IdleThreshold,
		ImprovementDone:       f.improvementDone,
		ContemplationDone:     f.contemplationDone,
		HealingDone:           f.healingDone,
		HealingCooldownActive: cooldownActive,
		HealingAttempts:       attempts,
		MaxHealingAttempts:    f.cfg.HealingAttempts,
	}
}

// transitionLocked applies a state change and records it. Callers hold
// f.mu.
func (f *FSM) transitionLocked(to State, reason string, now time.Time) {
	from := f.state
	if from == StateHealing {
		f.lastHealingEnd = now
	}
	f.state = to
	f.enteredAt = now
	f.transitionCount++
	if to == StateExecuting {
		f.cycleCount++
	}
	if to == StateHealing {
		f.healingEntries = append(f.healingEntries, now)
	}
	f.improvementDone = false
	f.contemplationDone = false
	f.healingDone = false

	entry := HistoryEntry{From: from, To: to, Reason: reason, Timestamp: now, TransitionNumber: f.transitionCount}
	f.history = append(f.history, entry)
	if len(f.history) > historyCap {
		f.history = f.history[len(f.history)-historyCap:]
	}

	f.cfg.Logger.Info("hub transition", "from", from, "to", to, "reason", reason, "cycle", f.cycleCount)
	if f.cfg.Bus != nil {
		f.cfg.Bus.Publish(bus.TopicHubStateChanged, bus.HubStateEvent{From: string(from), To: string(to), Reason: reason})
	}
	if f.cfg.OnStateChange != nil {
		f.cfg.OnStateChange(to)
	}
}

// onEnter runs entry actions outside the lock: spawn the cycle routine
// for states that have one.
func (f *FSM) onEnter(ctx context.Context, to State) {
	var cycle CycleFunc
	var done *bool
	switch to {
	case StateImproving:
		cycle, done = f.cfg.Improve, &f.improvementDone
	case StateContemplating:
		cycle, done = f.cfg.Contemplate, &f.contemplationDone
	case StateHealing:
		cycle, done = f.cfg.Heal, &f.healingDone
	default:
		return
	}
	if cycle == nil {
		// No routine configured: the cycle completes instantly.
		f.mu.Lock()
		*done = true
		f.mu.Unlock()
		return
	}
	f.mu.Lock()
	if f.cycleRunning {
		f.mu.Unlock()
		return
	}
	f.cycleRunning = true
	f.mu.Unlock()
	go func() {
		err := cycle(ctx)
		f.mu.Lock()
		f.cycleRunning = false
		*done = true
		f.mu.Unlock()
		if err != nil {
			f.cfg.Logger.Error("cycle routine failed", "state", to, "error", err)
		}
	}()
}

// Pause stops transitions; the FSM stays responsive but inert. Pause
// does not abort in-flight tasks or LLM calls.
func (f *FSM) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.cfg.Logger.Info("hub paused")
}

// Resume re-enables transitions.
func (f *FSM) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.enteredAt = f.cfg.Now() // don't count paused time against the watchdog
	f.cfg.Logger.Info("hub resumed")
}

// Snapshot is the read-only hub status for the API.
type Snapshot struct {
	State           State     `json:"state"`
	Paused          bool      `json:"paused"`
	EnteredAt       time.Time `json:"entered_at"`
	CycleCount      int       `json:"cycle_count"`
	TransitionCount int       `json:"transition_count"`
	WatchdogFired   int       `json:"watchdog_fired"`
}

// Status returns the current snapshot.
func (f *FSM) Status() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{
		State:           f.state,
		Paused:          f.paused,
		EnteredAt:       f.enteredAt,
		CycleCount:      f.cycleCount,
		TransitionCount: f.transitionCount,
		WatchdogFired:   f.watchdogFired,
	}
}

// History returns the bounded transition log, oldest first.
func (f *FSM) History() []HistoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]HistoryEntry, len(f.history))
	copy(out, f.history)
	return out
}

// ForceState applies a transition unconditionally, bypassing the
// predicates. Admin tooling and tests use it.
func (f *FSM) ForceState(to State, reason string) {
	f.mu.Lock()
	f.transitionLocked(to, reason, f.cfg.Now())
	f.mu.Unlock()
}
