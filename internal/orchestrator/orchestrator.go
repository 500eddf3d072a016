// Package orchestrator drives goals from submitted to complete or
// failed: decomposition into a task DAG, completion monitoring, and a
// capped verification loop.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/agentcom/internal/bus"
	"github.com/basket/agentcom/internal/goal"
	"github.com/basket/agentcom/internal/llm"
	"github.com/basket/agentcom/internal/queue"
	"github.com/basket/agentcom/internal/task"
)

const (
	maxPromptRetries        = 1
	maxVerificationRetries  = 2
	decompositionWarnTasks  = 10
	estimatedCallCostUSD    = 0.05
)

// QueueAPI is the task queue surface the orchestrator uses.
type QueueAPI interface {
	Submit(ctx context.Context, params task.SubmitParams) (queue.SubmitResult, error)
	GoalProgress(ctx context.Context, goalID string) (queue.GoalProgress, error)
	TasksForGoal(goalID string) []task.Task
}

// Workspace resolves repo file trees for decomposition prompts.
type Workspace interface {
	FileTree(repoURL string) ([]string, error)
}

// Config wires the orchestrator.
type Config struct {
	Backlog     *goal.Backlog
	Queue       QueueAPI
	Workspace   Workspace
	Client      llm.Client
	Model       string
	Budget      *Ledger
	Bus         *bus.Bus
	Logger      *slog.Logger
	CallTimeout time.Duration
}

type resultKind int

const (
	resultDecompose resultKind = iota
	resultVerify
)

type asyncResult struct {
	kind   resultKind
	goalID string
	text   string
	err    error
}

type activeGoal struct {
	goal          goal.Goal
	promptRetries int
	fileRetryUsed bool
	stripRefs     bool
	feedback      string
	started       bool
	checkProgress bool
}

// Orchestrator advances at most one goal at a time, never blocking its
// caller: LLM calls run as detached goroutines posting results back.
type Orchestrator struct {
	backlog     *goal.Backlog
	queue       QueueAPI
	workspace   Workspace
	client      llm.Client
	model       string
	budget      *Ledger
	bus         *bus.Bus
	sub         *bus.Subscription
	logger      *slog.Logger
	callTimeout time.Duration

	decompVal  *llm.Validator
	verdictVal *llm.Validator

	active  *activeGoal
	pending bool
	results chan asyncResult
}

// New builds the orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 120 * time.Second
	}
	decompVal, err := llm.NewDecompositionValidator()
	if err != nil {
		return nil, err
	}
	verdictVal, err := llm.NewVerdictValidator()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		backlog:     cfg.Backlog,
		queue:       cfg.Queue,
		workspace:   cfg.Workspace,
		client:      cfg.Client,
		model:       cfg.Model,
		budget:      cfg.Budget,
		bus:         cfg.Bus,
		logger:      cfg.Logger,
		callTimeout: cfg.CallTimeout,
		decompVal:   decompVal,
		verdictVal:  verdictVal,
		results:     make(chan asyncResult, 4),
	}
	if cfg.Bus != nil {
		o.sub = cfg.Bus.Subscribe("task.")
	}
	return o, nil
}

// Counts reports pending (submitted) and active goals for hub
// predicates.
func (o *Orchestrator) Counts() (pending, active int) {
	stats := o.backlog.CountByStatus()
	pending = stats[goal.StatusSubmitted]
	active = stats[goal.StatusDecomposing] + stats[goal.StatusExecuting] + stats[goal.StatusVerifying]
	return pending, active
}

// Tick advances orchestration one non-blocking step. The hub FSM calls
// it once per second while executing. At most one LLM call is in
// flight; excess ticks return immediately.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.drainResults(ctx)
	o.drainTaskEvents()

	if o.active == nil {
		g, ok, err := o.backlog.Dequeue(ctx)
		if err != nil {
			o.logger.Error("dequeue failed", "error", err)
			return
		}
		if !ok {
			return
		}
		o.active = &activeGoal{goal: g}
	}

	// The goal can be deleted out from under us; drop it.
	current, exists := o.backlog.Get(o.active.goal.ID)
	if !exists {
		o.logger.Info("active goal deleted, dropping", "goal_id", o.active.goal.ID)
		o.active = nil
		return
	}
	o.active.goal = current

	switch current.Status {
	case goal.StatusDecomposing:
		if !o.active.started && !o.pending {
			o.startDecomposition(ctx)
		}
	case goal.StatusExecuting:
		if o.active.checkProgress {
			o.active.checkProgress = false
			o.checkGoalProgress(ctx)
		}
	case goal.StatusVerifying:
		// waiting on the in-flight verification call
	default:
		// terminal; pick up the next goal on a later tick
		o.active = nil
	}
}

// drainResults applies finished async LLM calls.
func (o *Orchestrator) drainResults(ctx context.Context) {
	for {
		select {
		case res := <-o.results:
			o.pending = false
			if o.active == nil || o.active.goal.ID != res.goalID {
				o.logger.Debug("result for stale goal discarded", "goal_id", res.goalID)
				continue
			}
			if _, exists := o.backlog.Get(res.goalID); !exists {
				o.active = nil
				continue
			}
			switch res.kind {
			case resultDecompose:
				o.handleDecomposition(ctx, res)
			case resultVerify:
				o.handleVerdict(ctx, res)
			}
		default:
			return
		}
	}
}

// drainTaskEvents marks the active goal for a progress re-check when
// one of its tasks reaches a terminal state.
func (o *Orchestrator) drainTaskEvents() {
	if o.sub == nil {
		return
	}
	for {
		select {
		case ev := <-o.sub.Ch():
			if ev.Topic != bus.TopicTaskCompleted && ev.Topic != bus.TopicTaskDeadLettered && ev.Topic != bus.TopicTaskFailed {
				continue
			}
			payload, ok := ev.Payload.(bus.TaskEvent)
			if !ok || payload.GoalID == "" {
				continue
			}
			if o.active != nil && o.active.goal.ID == payload.GoalID {
				o.active.checkProgress = true
			}
		default:
			return
		}
	}
}

// spawn runs one LLM call detached with a timeout and posts the result
// back as a message.
func (o *Orchestrator) spawn(kind resultKind, goalID string, req llm.Request) {
	o.pending = true
	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), o.callTimeout)
		defer cancel()
		start := time.Now()
		text, err := llm.CompleteWithRetry(callCtx, o.client, req)
		o.logger.Debug("llm call finished", "goal_id", goalID, "duration", time.Since(start), "error", err)
		if o.budget != nil && err == nil {
			o.budget.Record(estimatedCallCostUSD)
		}
		o.results <- asyncResult{kind: kind, goalID: goalID, text: text, err: err}
	}()
}

// --- decomposition ---

func (o *Orchestrator) startDecomposition(ctx context.Context) {
	if o.budget != nil && o.budget.Check() != nil {
		// Leave the goal in place; the hub sees exhaustion and
		// transitions out of executing.
		return
	}
	g := o.active.goal
	files, err := o.workspace.FileTree(g.Repo)
	if err != nil {
		o.logger.Warn("file tree unavailable", "goal_id", g.ID, "error", err)
	}
	o.active.started = true
	o.spawn(resultDecompose, g.ID, llm.Request{
		System: decomposerSystemPrompt,
		Prompt: buildDecompositionPrompt(g, files, o.active.feedback),
		Model:  o.model,
	})
}

func (o *Orchestrator) handleDecomposition(ctx context.Context, res asyncResult) {
	g := o.active.goal
	fail := func(reason string) {
		if _, err := o.backlog.Transition(ctx, g.ID, goal.StatusFailed, reason); err != nil {
			o.logger.Error("goal fail transition", "goal_id", g.ID, "error", err)
		}
		o.active = nil
	}
	reprompt := func(feedback string) {
		if o.active.promptRetries >= maxPromptRetries {
			fail("decomposition_failed:" + feedback)
			return
		}
		o.active.promptRetries++
		o.active.feedback = feedback
		o.active.started = false // next tick restarts the call
	}

	if res.err != nil {
		o.logger.Warn("decomposition call failed", "goal_id", g.ID, "error", res.err)
		reprompt(fmt.Sprintf("previous call failed: %v", res.err))
		return
	}

	var decomp llm.Decomposition
	if err := o.decompVal.Extract(res.text, &decomp); err != nil {
		reprompt(fmt.Sprintf("response was not valid: %v", err))
		return
	}

	deps, err := NormalizeDeps(decomp.Tasks)
	if err != nil {
		reprompt(fmt.Sprintf("dependency graph invalid: %v", err))
		return
	}
	order, err := TopoOrder(deps)
	if err != nil {
		reprompt(fmt.Sprintf("dependency graph invalid: %v", err))
		return
	}

	// File references must exist in the repo tree. One re-prompt with
	// the missing list; after that the references are stripped.
	if missing := o.missingFiles(g.Repo, decomp.Tasks); len(missing) > 0 {
		if !o.active.fileRetryUsed {
			o.active.fileRetryUsed = true
			o.active.promptRetries = 0 // file re-prompt is its own budget
			o.active.feedback = "these files do not exist in the repository: " + strings.Join(missing, ", ")
			o.active.started = false
			return
		}
		o.active.stripRefs = true
	}

	if len(decomp.Tasks) > decompositionWarnTasks {
		o.logger.Warn("large decomposition", "goal_id", g.ID, "tasks", len(decomp.Tasks))
	}

	if err := o.submitTasks(ctx, g, decomp.Tasks, deps, order); err != nil {
		o.logger.Error("task submission failed", "goal_id", g.ID, "error", err)
		fail("task_submission_failed")
		return
	}
	if _, err := o.backlog.Transition(ctx, g.ID, goal.StatusExecuting, "tasks_submitted"); err != nil {
		o.logger.Error("goal transition", "goal_id", g.ID, "error", err)
	}
	o.active.checkProgress = true
}

// missingFiles returns referenced paths absent from the repo tree.
func (o *Orchestrator) missingFiles(repoURL string, tasks []llm.DecomposedTask) []string {
	tree, err := o.workspace.FileTree(repoURL)
	if err != nil || len(tree) == 0 {
		return nil
	}
	known := make(map[string]bool, len(tree))
	for _, f := range tree {
		known[f] = true
	}
	var missing []string
	seen := make(map[string]bool)
	for _, t := range tasks {
		for _, p := range t.FilePaths {
			if !known[p] && !seen[p] {
				seen[p] = true
				missing = append(missing, p)
			}
		}
	}
	return missing
}

// submitTasks submits decomposed tasks in topological order, resolving
// index dependencies to real task IDs as it goes.
func (o *Orchestrator) submitTasks(ctx context.Context, g goal.Goal, tasks []llm.DecomposedTask, deps [][]int, order []int) error {
	ids := make(map[int]string, len(tasks))
	for _, idx := range order {
		dt := tasks[idx]
		var dependsOn []string
		for _, d := range deps[idx] {
			dependsOn = append(dependsOn, ids[d])
		}
		var hints []task.FileHint
		if !o.active.stripRefs {
			for _, p := range dt.FilePaths {
				hints = append(hints, task.FileHint{Path: p, Reason: "identified during decomposition"})
			}
		}
		res, err := o.queue.Submit(ctx, task.SubmitParams{
			GoalID:          g.ID,
			DependsOn:       dependsOn,
			Description:     dt.Description,
			Repo:            g.Repo,
			FileHints:       hints,
			SuccessCriteria: dt.SuccessCriteria,
			ComplexityTier:  task.Tier(dt.ComplexityTier),
			Priority:        g.Priority,
		})
		if err != nil {
			return err
		}
		ids[idx] = res.Task.ID
	}
	o.logger.Info("goal decomposed", "goal_id", g.ID, "tasks", len(tasks))
	return nil
}

// --- completion monitoring and verification ---

func (o *Orchestrator) checkGoalProgress(ctx context.Context) {
	g := o.active.goal
	progress, err := o.queue.GoalProgress(ctx, g.ID)
	if err != nil {
		o.logger.Error("goal progress", "goal_id", g.ID, "error", err)
		return
	}
	if progress.Pending > 0 {
		return
	}
	if progress.Failed > 0 {
		if _, err := o.backlog.Transition(ctx, g.ID, goal.StatusFailed, "child_tasks_failed"); err != nil {
			o.logger.Error("goal transition", "goal_id", g.ID, "error", err)
		}
		o.active = nil
		return
	}
	if _, err := o.backlog.Transition(ctx, g.ID, goal.StatusVerifying, "all_tasks_completed"); err != nil {
		o.logger.Error("goal transition", "goal_id", g.ID, "error", err)
		return
	}
	o.startVerification(ctx)
}

func (o *Orchestrator) startVerification(ctx context.Context) {
	if o.pending {
		return
	}
	if o.budget != nil && o.budget.Check() != nil {
		return
	}
	g := o.active.goal
	o.spawn(resultVerify, g.ID, llm.Request{
		System: verifierSystemPrompt,
		Prompt: buildVerificationPrompt(g, o.queue.TasksForGoal(g.ID)),
		Model:  o.model,
	})
}

func (o *Orchestrator) handleVerdict(ctx context.Context, res asyncResult) {
	g := o.active.goal

	var verdict llm.Verdict
	parseFailed := false
	if res.err != nil {
		o.logger.Warn("verification call failed", "goal_id", g.ID, "error", res.err)
		parseFailed = true
	} else if err := o.verdictVal.Extract(res.text, &verdict); err != nil {
		o.logger.Warn("verification response invalid", "goal_id", g.ID, "error", err)
		parseFailed = true
	}
	if parseFailed {
		// Errors count against the same retry budget as failures;
		// otherwise a flaky verifier loops forever.
		verdict = llm.Verdict{Verdict: "fail", Gaps: []llm.Gap{{Description: "verification did not produce a usable verdict"}}}
	}

	if verdict.Verdict == "pass" {
		if _, err := o.backlog.Transition(ctx, g.ID, goal.StatusComplete, "verified"); err != nil {
			o.logger.Error("goal transition", "goal_id", g.ID, "error", err)
		}
		o.active = nil
		return
	}

	if g.VerificationRetries >= maxVerificationRetries {
		if _, err := o.backlog.Transition(ctx, g.ID, goal.StatusFailed, "needs_human_review"); err != nil {
			o.logger.Error("goal transition", "goal_id", g.ID, "error", err)
		}
		o.active = nil
		return
	}
	if _, err := o.backlog.IncrementVerificationRetries(ctx, g.ID); err != nil {
		o.logger.Error("verification retry counter", "goal_id", g.ID, "error", err)
	}

	// One follow-up task per gap; critical gaps run one priority level
	// hotter than the goal.
	for _, gap := range verdict.Gaps {
		priority := g.Priority
		if gap.Severity == "critical" {
			priority = priority.Bump()
		}
		if _, err := o.queue.Submit(ctx, task.SubmitParams{
			GoalID:      g.ID,
			Description: "Address verification gap: " + gap.Description,
			Repo:        g.Repo,
			Priority:    priority,
		}); err != nil {
			o.logger.Error("follow-up submission", "goal_id", g.ID, "error", err)
		}
	}
	if _, err := o.backlog.Transition(ctx, g.ID, goal.StatusExecuting, "verification_gaps"); err != nil {
		o.logger.Error("goal transition", "goal_id", g.ID, "error", err)
		return
	}
	o.active.checkProgress = true
}
