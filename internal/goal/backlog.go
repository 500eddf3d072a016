package goal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcom/internal/bus"
	"github.com/basket/agentcom/internal/store"
	"github.com/basket/agentcom/internal/task"
)

// ErrNotFound is returned for unknown goal IDs.
var ErrNotFound = errors.New("goal: not found")

// Stats summarizes the backlog by status.
type Stats map[Status]int

// Backlog is the persistent goal store. Each status write lands
// atomically with its history entry (one key, one value).
type Backlog struct {
	mu     sync.Mutex
	kv     *store.Store
	bus    *bus.Bus
	logger *slog.Logger
	goals  map[string]*Goal
	now    func() time.Time
}

// Config for the backlog.
type Config struct {
	Store  *store.Store
	Bus    *bus.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

// New loads all goals from the store.
func New(ctx context.Context, cfg Config) (*Backlog, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Backlog{
		kv:     cfg.Store,
		bus:    cfg.Bus,
		logger: cfg.Logger,
		goals:  make(map[string]*Goal),
		now:    cfg.Now,
	}
	err := cfg.Store.Scan(ctx, store.TableGoals, func(key string, v []byte) error {
		var g Goal
		if err := json.Unmarshal(v, &g); err != nil {
			return fmt.Errorf("decode goal %s: %w", key, err)
		}
		b.goals[g.ID] = &g
		return nil
	})
	if err != nil {
		return nil, err
	}
	// A restart interrupts in-flight decomposition; goals caught in
	// decomposing start over from submitted. Other statuses are kept.
	for _, g := range b.goals {
		if g.Status == StatusDecomposing {
			g.Status = StatusSubmitted
			g.History = append(g.History, HistoryEntry{
				From: StatusDecomposing, To: StatusSubmitted,
				Reason: "restart_recovery", Timestamp: b.now(),
			})
			if err := b.persist(ctx, g); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

func (b *Backlog) persist(ctx context.Context, g *Goal) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return b.kv.Put(ctx, store.TableGoals, g.ID, data)
}

func (b *Backlog) publish(g *Goal, from Status, reason string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(bus.TopicGoalEvent, bus.GoalEvent{
		GoalID: g.ID,
		From:   string(from),
		To:     string(g.Status),
		Reason: reason,
	})
}

// SubmitParams is the goal submission surface.
type SubmitParams struct {
	Title           string
	Description     string
	SuccessCriteria []string
	Priority        task.Priority
	Source          Source
	Repo            string
	Metadata        map[string]string
}

// Submit validates and persists a new goal in the submitted state.
func (b *Backlog) Submit(ctx context.Context, params SubmitParams) (Goal, error) {
	if params.Title == "" && params.Description == "" {
		return Goal{}, fmt.Errorf("goal: title or description required")
	}
	if params.Priority == "" {
		params.Priority = task.PriorityNormal
	}
	if !params.Priority.Valid() {
		return Goal{}, fmt.Errorf("goal: unknown priority %q", params.Priority)
	}
	if params.Source == "" {
		params.Source = SourceAPI
	}

	now := b.now()
	g := &Goal{
		ID:              uuid.NewString(),
		Title:           params.Title,
		Description:     params.Description,
		SuccessCriteria: params.SuccessCriteria,
		Priority:        params.Priority,
		Source:          params.Source,
		Repo:            params.Repo,
		Metadata:        params.Metadata,
		Status:          StatusSubmitted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.persist(ctx, g); err != nil {
		return Goal{}, err
	}
	b.goals[g.ID] = g
	b.publish(g, "", "submitted")
	b.logger.Info("goal submitted", "goal_id", g.ID, "title", g.Title, "priority", g.Priority)
	return *g, nil
}

// Transition validates a lifecycle step against the static table and
// records it in history atomically with the status write.
func (b *Backlog) Transition(ctx context.Context, goalID string, to Status, reason string) (Goal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.goals[goalID]
	if !ok {
		return Goal{}, ErrNotFound
	}
	return b.transitionLocked(ctx, g, to, reason)
}

func (b *Backlog) transitionLocked(ctx context.Context, g *Goal, to Status, reason string) (Goal, error) {
	if !CanTransition(g.Status, to) {
		return Goal{}, ErrInvalidTransition{From: g.Status, To: to}
	}
	prev := *g
	from := g.Status
	g.Status = to
	g.UpdatedAt = b.now()
	if to == StatusFailed {
		g.FailureReason = reason
	}
	g.History = append(g.History, HistoryEntry{From: from, To: to, Reason: reason, Timestamp: g.UpdatedAt})
	if err := b.persist(ctx, g); err != nil {
		*g = prev
		return Goal{}, err
	}
	b.publish(g, from, reason)
	b.logger.Info("goal transition", "goal_id", g.ID, "from", from, "to", to, "reason", reason)
	return *g, nil
}

// Dequeue atomically selects the highest-priority submitted goal and
// moves it to decomposing. Returns false when nothing is waiting.
func (b *Backlog) Dequeue(ctx context.Context) (Goal, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var best *Goal
	for _, g := range b.goals {
		if g.Status != StatusSubmitted {
			continue
		}
		if best == nil ||
			g.Priority.Rank() < best.Priority.Rank() ||
			(g.Priority.Rank() == best.Priority.Rank() && g.CreatedAt.Before(best.CreatedAt)) {
			best = g
		}
	}
	if best == nil {
		return Goal{}, false, nil
	}
	out, err := b.transitionLocked(ctx, best, StatusDecomposing, "dequeued")
	if err != nil {
		return Goal{}, false, err
	}
	return out, true, nil
}

// IncrementVerificationRetries bumps the goal's retry counter.
func (b *Backlog) IncrementVerificationRetries(ctx context.Context, goalID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.goals[goalID]
	if !ok {
		return 0, ErrNotFound
	}
	g.VerificationRetries++
	g.UpdatedAt = b.now()
	if err := b.persist(ctx, g); err != nil {
		g.VerificationRetries--
		return 0, err
	}
	return g.VerificationRetries, nil
}

// Get returns a goal by ID.
func (b *Backlog) Get(goalID string) (Goal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.goals[goalID]
	if !ok {
		return Goal{}, false
	}
	return *g, true
}

// Delete removes a goal. Deleting an executing goal cancels future
// orchestration; in-flight tasks run out but their results are
// discarded on arrival.
func (b *Backlog) Delete(ctx context.Context, goalID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.goals[goalID]; !ok {
		return ErrNotFound
	}
	if err := b.kv.Delete(ctx, store.TableGoals, goalID); err != nil {
		return err
	}
	delete(b.goals, goalID)
	b.logger.Info("goal deleted", "goal_id", goalID)
	return nil
}

// List returns all goals, newest first.
func (b *Backlog) List() []Goal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Goal, 0, len(b.goals))
	for _, g := range b.goals {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CountByStatus returns backlog stats.
func (b *Backlog) CountByStatus() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := make(Stats)
	for _, g := range b.goals {
		stats[g.Status]++
	}
	return stats
}
