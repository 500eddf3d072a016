// Package scheduler matches queued tasks to idle agents. It reacts to
// bus events (submissions, completions, agents going idle) and runs a
// periodic sweep that also reclaims stuck tasks and expires stale ones.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/agentcom/internal/agents"
	"github.com/basket/agentcom/internal/bus"
	"github.com/basket/agentcom/internal/endpoints"
	"github.com/basket/agentcom/internal/queue"
	"github.com/basket/agentcom/internal/router"
	"github.com/basket/agentcom/internal/task"
)

// RepoGate reports whether a task's repo is paused.
type RepoGate interface {
	IsPaused(repoURL string) bool
}

// Tunables are the runtime-adjustable knobs, reloadable from config.
type Tunables struct {
	SweepInterval  time.Duration
	StuckThreshold time.Duration
	TaskTTL        time.Duration
	FallbackWait   time.Duration
}

// Config wires the scheduler.
type Config struct {
	Queue     *queue.Queue
	Agents    *agents.Registry
	Endpoints *endpoints.Registry
	Repos     RepoGate
	Bus       *bus.Bus
	Router    router.Config
	Tunables  Tunables
	Logger    *slog.Logger
	Now       func() time.Time
}

// Scheduler drives assignment.
type Scheduler struct {
	queue     *queue.Queue
	agents    *agents.Registry
	endpoints *endpoints.Registry
	repos     RepoGate
	bus       *bus.Bus
	routerCfg router.Config
	logger    *slog.Logger
	now       func() time.Time

	tunablesMu sync.RWMutex
	tunables   Tunables

	waitMu           sync.Mutex
	noCandidateSince map[string]time.Time

	kick chan struct{}
}

// New builds a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	t := cfg.Tunables
	if t.SweepInterval <= 0 {
		t.SweepInterval = 30 * time.Second
	}
	if t.StuckThreshold <= 0 {
		t.StuckThreshold = 5 * time.Minute
	}
	if t.TaskTTL <= 0 {
		t.TaskTTL = 10 * time.Minute
	}
	if t.FallbackWait <= 0 {
		t.FallbackWait = 5 * time.Second
	}
	return &Scheduler{
		queue:            cfg.Queue,
		agents:           cfg.Agents,
		endpoints:        cfg.Endpoints,
		repos:            cfg.Repos,
		bus:              cfg.Bus,
		routerCfg:        cfg.Router,
		logger:           cfg.Logger,
		now:              cfg.Now,
		tunables:         t,
		noCandidateSince: make(map[string]time.Time),
		kick:             make(chan struct{}, 1),
	}
}

// SetTunables swaps the runtime knobs (config hot reload).
func (s *Scheduler) SetTunables(t Tunables) {
	s.tunablesMu.Lock()
	defer s.tunablesMu.Unlock()
	if t.SweepInterval > 0 {
		s.tunables.SweepInterval = t.SweepInterval
	}
	if t.StuckThreshold > 0 {
		s.tunables.StuckThreshold = t.StuckThreshold
	}
	if t.TaskTTL > 0 {
		s.tunables.TaskTTL = t.TaskTTL
	}
	if t.FallbackWait > 0 {
		s.tunables.FallbackWait = t.FallbackWait
	}
}

func (s *Scheduler) getTunables() Tunables {
	s.tunablesMu.RLock()
	defer s.tunablesMu.RUnlock()
	return s.tunables
}

// Kick requests an assignment attempt without waiting for the sweep.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start runs the scheduler loop until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	taskSub := s.bus.Subscribe("task.")
	agentSub := s.bus.Subscribe("agent.")
	go func() {
		defer s.bus.Unsubscribe(taskSub)
		defer s.bus.Unsubscribe(agentSub)
		ticker := time.NewTicker(s.getTunables().SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
				ticker.Reset(s.getTunables().SweepInterval)
			case <-taskSub.Ch():
				s.Attempt(ctx)
			case <-agentSub.Ch():
				s.Attempt(ctx)
			case <-s.kick:
				s.Attempt(ctx)
			}
		}
	}()
}

// Sweep is the periodic pass: reclaim stuck tasks, expire queued tasks
// past their TTL, then attempt assignment.
func (s *Scheduler) Sweep(ctx context.Context) {
	t := s.getTunables()
	for _, stuck := range s.queue.Stuck(t.StuckThreshold) {
		s.logger.Warn("reclaiming stuck task", "task_id", stuck.ID, "agent_id", stuck.AssignedTo)
		if err := s.queue.Requeue(ctx, stuck.ID, "stuck_sweep"); err != nil {
			continue
		}
		if a, ok := s.agents.Get(stuck.AssignedTo); ok {
			a.ClearCurrentTask(stuck.ID)
		}
	}
	if expired, err := s.queue.ExpireQueued(ctx, t.TaskTTL); err == nil && len(expired) > 0 {
		s.logger.Warn("expired queued tasks", "count", len(expired))
	}
	s.Attempt(ctx)
}

// Attempt runs one matching pass over the queue.
func (s *Scheduler) Attempt(ctx context.Context) int {
	queued := s.queue.Queued()
	if len(queued) == 0 {
		return 0
	}
	idle := s.agents.Idle()
	if len(idle) == 0 {
		return 0
	}
	snap := s.endpoints.Snapshot()
	now := s.now()
	assignedCount := 0

	for _, t := range queued {
		if len(idle) == 0 {
			break
		}
		if s.repos != nil && t.Repo != "" && s.repos.IsPaused(t.Repo) {
			continue
		}
		if !s.dependenciesSatisfied(t) {
			continue
		}

		decision := router.Route(t, snap, s.routerCfg, now)
		if decision.TargetType == task.TargetNone {
			continue
		}
		if decision.FallbackUsed && !s.fallbackWaitElapsed(t.ID, now) {
			continue
		}

		agent := pickAgent(idle, t.RequiredCaps)
		if agent == nil {
			continue
		}

		assigned, err := s.queue.Assign(ctx, t.ID, agent.ID, t.Generation, &decision)
		if err != nil {
			// Stale or raced; move on.
			s.logger.Debug("assign skipped", "task_id", t.ID, "error", err)
			continue
		}
		if err := agent.PushTask(assigned); err != nil {
			// The agent raced to working; undo the assignment.
			s.logger.Debug("push failed, requeueing", "task_id", t.ID, "agent_id", agent.ID, "error", err)
			_ = s.queue.Requeue(ctx, assigned.ID, "push_failed")
			continue
		}
		s.clearFallbackWait(t.ID)
		assignedCount++
		idle = removeAgent(idle, agent.ID)
	}
	return assignedCount
}

// dependenciesSatisfied checks that every dependency is completed.
func (s *Scheduler) dependenciesSatisfied(t task.Task) bool {
	for _, dep := range t.DependsOn {
		depTask, ok := s.queue.Get(dep)
		if !ok || depTask.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

// fallbackWaitElapsed absorbs transient endpoint outages: the first
// time a task needs its fallback, it waits out the grace period in
// case the preferred tier comes back.
func (s *Scheduler) fallbackWaitElapsed(taskID string, now time.Time) bool {
	wait := s.getTunables().FallbackWait
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	since, ok := s.noCandidateSince[taskID]
	if !ok {
		s.noCandidateSince[taskID] = now
		return false
	}
	return now.Sub(since) >= wait
}

func (s *Scheduler) clearFallbackWait(taskID string) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	delete(s.noCandidateSince, taskID)
}

// pickAgent selects the capability-covering idle agent with the fewest
// recent completions; ties break by ID.
func pickAgent(idle []*agents.Agent, required []string) *agents.Agent {
	var candidates []*agents.Agent
	for _, a := range idle {
		if a.HasCapabilities(required) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i].CompletedLastMinute(), candidates[j].CompletedLastMinute()
		if ci != cj {
			return ci < cj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

func removeAgent(idle []*agents.Agent, id string) []*agents.Agent {
	out := idle[:0]
	for _, a := range idle {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}
