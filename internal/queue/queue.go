// Package queue is the authoritative store for tasks in non-terminal
// states plus the dead-letter table. All mutations are serialized by
// the owning queue; other components call in or subscribe to events.
package queue

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

var (
	// ErrStale marks an operation carrying a generation that no longer
	// matches the task. Stale completions are dropped silently.
	ErrStale = errors.New("queue: stale generation")
	// ErrNotQueued is returned when assigning a task that is not queued.
	ErrNotQueued = errors.New("queue: task not queued")
	// ErrNotFound is returned for unknown task IDs.
	ErrNotFound = errors.New("queue: task not found")
)

// FailOutcome reports what Fail did with the task.
type FailOutcome string

const (
	OutcomeRetried      FailOutcome = "retried"
	OutcomeDeadLettered FailOutcome = "dead_lettered"
)

// RepoResolver supplies the default repo for submissions that omit one.
type RepoResolver interface {
	TopActive() (string, bool)
}

// GoalProgress summarizes a goal's child tasks.
type GoalProgress struct {
	Pending   int
	Completed int
	Failed    int
}

// Queue owns the tasks and dead_letters tables.
type Queue struct {
	mu     sync.Mutex
	kv     *store.Store
	bus    *bus.Bus
	repos  RepoResolver
	logger *slog.Logger

	tasks      map[string]*task.Task
	maxRetries int
	now        func() time.Time
}

// Config for the queue.
type Config struct {
	Store      *store.Store
	Bus        *bus.Bus
	Repos      RepoResolver
	Logger     *slog.Logger
	MaxRetries int
	Now        func() time.Time
}

// New loads every task in the store's tasks table into memory,
// completed ones included.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	q := &Queue{
		kv:         cfg.Store,
		bus:        cfg.Bus,
		repos:      cfg.Repos,
		logger:     cfg.Logger,
		tasks:      make(map[string]*task.Task),
		maxRetries: cfg.MaxRetries,
		now:        cfg.Now,
	}
	err := cfg.Store.Scan(ctx, store.TableTasks, func(key string, v []byte) error {
		var t task.Task
		if err := json.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("decode task %s: %w", key, err)
		}
		q.tasks[t.ID] = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Assignments do not survive a restart: the owning agent sessions
	// are gone, so reclaim them under a fresh generation.
	for _, t := range q.tasks {
		if t.Status == task.StatusAssigned || t.Status == task.StatusInProgress {
			t.Status = task.StatusQueued
			t.AssignedTo = ""
			t.Generation++
			t.UpdatedAt = q.now()
			if err := q.persist(ctx, t); err != nil {
				return nil, err
			}
		}
	}
	return q, nil
}

func (q *Queue) persist(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.kv.Put(ctx, store.TableTasks, t.ID, data)
}

func (q *Queue) publish(topic string, t *task.Task, reason string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(topic, bus.TaskEvent{
		TaskID:     t.ID,
		GoalID:     t.GoalID,
		AgentID:    t.AssignedTo,
		Generation: t.Generation,
		Status:     string(t.Status),
		Reason:     reason,
	})
}

// SubmitResult carries the created task plus non-fatal warnings.
type SubmitResult struct {
	Task     task.Task
	Warnings []string
}

// Submit validates params, fills defaults, persists, and broadcasts.
func (q *Queue) Submit(ctx context.Context, params task.SubmitParams) (SubmitResult, error) {
	warnings, err := params.Validate()
	if err != nil {
		return SubmitResult{}, err
	}

	repo := params.Repo
	if repo == "" && q.repos != nil {
		if top, ok := q.repos.TopActive(); ok {
			repo = top
		}
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}
	priority := params.Priority
	if priority == "" {
		priority = task.PriorityNormal
	}

	now := q.now()
	t := &task.Task{
		ID:                uuid.NewString(),
		GoalID:            params.GoalID,
		DependsOn:         params.DependsOn,
		Description:       params.Description,
		Repo:              repo,
		Branch:            params.Branch,
		FileHints:         params.FileHints,
		SuccessCriteria:   params.SuccessCriteria,
		VerificationSteps: params.VerificationSteps,
		RequiredCaps:      params.RequiredCaps,
		Complexity:        task.ResolveComplexity(params.ComplexityTier, params.Description, params.FileHints, params.VerificationSteps),
		Priority:          priority,
		Status:            task.StatusQueued,
		MaxRetries:        maxRetries,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.persist(ctx, t); err != nil {
		return SubmitResult{}, err
	}
	q.tasks[t.ID] = t
	q.publish(bus.TopicTaskSubmitted, t, "submitted")
	q.logger.Info("task submitted", "task_id", t.ID, "goal_id", t.GoalID, "priority", t.Priority, "tier", t.Complexity.EffectiveTier)
	return SubmitResult{Task: *t, Warnings: warnings}, nil
}

// Assign performs an atomic CAS on status and generation: the task must
// be queued and at exactly expectedGeneration. On success the
// generation is bumped and the routing decision recorded.
func (q *Queue) Assign(ctx context.Context, taskID, agentID string, expectedGeneration int, routing *task.RoutingDecision) (task.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return task.Task{}, ErrNotFound
	}
	if t.Generation != expectedGeneration {
		return task.Task{}, ErrStale
	}
	if t.Status != task.StatusQueued {
		return task.Task{}, ErrNotQueued
	}

	prev := *t
	t.Status = task.StatusAssigned
	t.AssignedTo = agentID
	t.Generation++
	t.AssignedAt = q.now()
	t.UpdatedAt = t.AssignedAt
	t.Routing = routing
	if err := q.persist(ctx, t); err != nil {
		*t = prev
		return task.Task{}, err
	}
	q.publish(bus.TopicTaskAssigned, t, "assigned")
	return *t, nil
}

// MarkInProgress records the agent's acceptance.
func (q *Queue) MarkInProgress(ctx context.Context, taskID string, generation int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Generation != generation {
		q.logger.Debug("stale acceptance dropped", "task_id", taskID, "have", t.Generation, "got", generation)
		return ErrStale
	}
	if t.Status != task.StatusAssigned {
		return nil
	}
	t.Status = task.StatusInProgress
	t.UpdatedAt = q.now()
	return q.persist(ctx, t)
}

// Touch refreshes UpdatedAt on a progress report so the stuck sweep
// does not reclaim an actively-worked task.
func (q *Queue) Touch(ctx context.Context, taskID string, generation int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Generation != generation {
		return ErrStale
	}
	t.UpdatedAt = q.now()
	return q.persist(ctx, t)
}

// Complete finishes a task. A mismatched generation refers to a stale
// assignment that was already reclaimed; it is dropped silently.
func (q *Queue) Complete(ctx context.Context, taskID string, generation int, result map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Generation != generation {
		q.logger.Debug("stale completion dropped", "task_id", taskID, "have", t.Generation, "got", generation)
		return ErrStale
	}
	prev := *t
	t.Status = task.StatusCompleted
	t.Result = result
	t.UpdatedAt = q.now()
	if err := q.persist(ctx, t); err != nil {
		*t = prev
		return err
	}
	q.publish(bus.TopicTaskCompleted, t, "completed")
	q.logger.Info("task completed", "task_id", taskID, "agent_id", t.AssignedTo)
	return nil
}

// Fail records a failure: the task is either re-queued with a retry
// budget decrement or moved to the dead-letter table atomically.
func (q *Queue) Fail(ctx context.Context, taskID string, generation int, reason string) (FailOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return "", ErrNotFound
	}
	if t.Generation != generation {
		q.logger.Debug("stale failure dropped", "task_id", taskID, "have", t.Generation, "got", generation)
		return "", ErrStale
	}

	t.RetryCount++
	t.FailureReason = reason
	if t.RetryCount < t.MaxRetries {
		t.Status = task.StatusQueued
		t.AssignedTo = ""
		t.Generation++
		t.UpdatedAt = q.now()
		if err := q.persist(ctx, t); err != nil {
			return "", err
		}
		q.publish(bus.TopicTaskFailed, t, reason)
		q.logger.Warn("task failed, retrying", "task_id", taskID, "retry", t.RetryCount, "reason", reason)
		return OutcomeRetried, nil
	}
	if err := q.deadLetterLocked(ctx, t, reason); err != nil {
		return "", err
	}
	return OutcomeDeadLettered, nil
}

// deadLetterLocked moves a task to the dead-letter table in one atomic
// write batch. Callers hold q.mu.
func (q *Queue) deadLetterLocked(ctx context.Context, t *task.Task, reason string) error {
	t.Status = task.StatusDeadLettered
	t.AssignedTo = ""
	t.UpdatedAt = q.now()
	dl := task.DeadLetter{Task: *t, Reason: reason, MovedAt: t.UpdatedAt, Attempts: t.RetryCount}
	data, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	err = q.kv.Batch(ctx, []store.Op{
		{Table: store.TableTasks, Key: t.ID, Delete: true},
		{Table: store.TableDeadLetters, Key: t.ID, Value: data},
	})
	if err != nil {
		return err
	}
	delete(q.tasks, t.ID)
	q.publish(bus.TopicTaskDeadLettered, t, reason)
	q.logger.Warn("task dead-lettered", "task_id", t.ID, "reason", reason, "attempts", t.RetryCount)
	return nil
}

// Requeue returns an assigned or in-progress task to the queue with a
// bumped generation. Used by the scheduler sweep, disconnect handling,
// and healing.
func (q *Queue) Requeue(ctx context.Context, taskID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if t.Status != task.StatusAssigned && t.Status != task.StatusInProgress {
		return nil
	}
	t.Status = task.StatusQueued
	t.AssignedTo = ""
	t.Generation++
	t.UpdatedAt = q.now()
	if err := q.persist(ctx, t); err != nil {
		return err
	}
	q.publish(bus.TopicTaskRequeued, t, reason)
	q.logger.Info("task requeued", "task_id", taskID, "reason", reason, "generation", t.Generation)
	return nil
}

// Get returns a copy of a task.
func (q *Queue) Get(taskID string) (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return task.Task{}, false
	}
	return *t, true
}

// Filter selects tasks for List.
type Filter struct {
	Status   task.Status
	GoalID   string
	Priority task.Priority
}

// List returns copies of tasks matching the filter, ordered by
// priority then age.
func (q *Queue) List(f Filter) []task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []task.Task
	for _, t := range q.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.GoalID != "" && t.GoalID != f.GoalID {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Queued returns the queued tasks in scheduling order.
func (q *Queue) Queued() []task.Task {
	return q.List(Filter{Status: task.StatusQueued})
}

// TasksForGoal returns all live tasks belonging to a goal.
func (q *Queue) TasksForGoal(goalID string) []task.Task {
	return q.List(Filter{GoalID: goalID})
}

// GoalProgress counts a goal's child tasks by outcome. Dead-lettered
// children count as failed.
func (q *Queue) GoalProgress(ctx context.Context, goalID string) (GoalProgress, error) {
	q.mu.Lock()
	var p GoalProgress
	for _, t := range q.tasks {
		if t.GoalID != goalID {
			continue
		}
		switch t.Status {
		case task.StatusCompleted:
			p.Completed++
		case task.StatusFailed:
			p.Failed++
		default:
			p.Pending++
		}
	}
	q.mu.Unlock()

	err := q.kv.Scan(ctx, store.TableDeadLetters, func(_ string, v []byte) error {
		var dl task.DeadLetter
		if err := json.Unmarshal(v, &dl); err != nil {
			return err
		}
		if dl.Task.GoalID == goalID {
			p.Failed++
		}
		return nil
	})
	if err != nil {
		return GoalProgress{}, err
	}
	return p, nil
}

// Stuck lists tasks assigned or in progress whose last update is older
// than the threshold.
func (q *Queue) Stuck(olderThan time.Duration) []task.Task {
	cutoff := q.now().Add(-olderThan)
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []task.Task
	for _, t := range q.tasks {
		if (t.Status == task.StatusAssigned || t.Status == task.StatusInProgress) && t.UpdatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	return out
}

// ExpireQueued dead-letters queued tasks older than ttl with reason
// ttl_expired. Returns the expired task IDs.
func (q *Queue) ExpireQueued(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := q.now().Add(-ttl)
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []string
	for _, t := range q.tasks {
		if t.Status != task.StatusQueued || !t.CreatedAt.Before(cutoff) {
			continue
		}
		if err := q.deadLetterLocked(ctx, t, "ttl_expired"); err != nil {
			return expired, err
		}
		expired = append(expired, t.ID)
	}
	return expired, nil
}

// DeadLetters returns the dead-letter table contents.
func (q *Queue) DeadLetters(ctx context.Context) ([]task.DeadLetter, error) {
	var out []task.DeadLetter
	err := q.kv.Scan(ctx, store.TableDeadLetters, func(_ string, v []byte) error {
		var dl task.DeadLetter
		if err := json.Unmarshal(v, &dl); err != nil {
			return err
		}
		out = append(out, dl)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MovedAt.Before(out[j].MovedAt) })
	return out, nil
}

// RetryDeadLetter moves a dead-lettered task back to queued with a
// fresh retry budget, atomically across both tables.
func (q *Queue) RetryDeadLetter(ctx context.Context, taskID string) (task.Task, error) {
	data, err := q.kv.Get(ctx, store.TableDeadLetters, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return task.Task{}, ErrNotFound
	}
	if err != nil {
		return task.Task{}, err
	}
	var dl task.DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return task.Task{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	t := dl.Task
	t.Status = task.StatusQueued
	t.RetryCount = 0
	t.AssignedTo = ""
	t.Generation++
	t.FailureReason = ""
	t.UpdatedAt = q.now()
	taskData, err := json.Marshal(&t)
	if err != nil {
		return task.Task{}, err
	}
	err = q.kv.Batch(ctx, []store.Op{
		{Table: store.TableDeadLetters, Key: taskID, Delete: true},
		{Table: store.TableTasks, Key: taskID, Value: taskData},
	})
	if err != nil {
		return task.Task{}, err
	}
	q.tasks[t.ID] = &t
	q.publish(bus.TopicTaskSubmitted, &t, "dead_letter_retry")
	return t, nil
}

// Counts returns queue depth by status for metrics and health checks.
func (q *Queue) Counts() map[task.Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[task.Status]int)
	for _, t := range q.tasks {
		out[t.Status]++
	}
	return out
}
