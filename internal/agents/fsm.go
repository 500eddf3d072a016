// Package agents owns the per-agent state machines and the registry of
// connected agents. Each Agent serializes its transitions behind a
// mutex; WS sessions and the scheduler call in.
package agents

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentcom/internal/queue"
	"github.com/basket/agentcom/internal/task"
)

// State is an agent's runtime state.
type State string

const (
	StateIdle         State = "idle"
	StateAssigned     State = "assigned"
	StateWorking      State = "working"
	StateDisconnected State = "disconnected"
)

var (
	// ErrNotIdle is returned when pushing a task onto a busy agent.
	ErrNotIdle = errors.New("agents: agent not idle")
	// ErrBusy mirrors the task_rejected{reason: busy} protocol path.
	ErrBusy = errors.New("agents: agent busy")
)

// Sender delivers server-initiated messages to the agent's session.
type Sender interface {
	SendTaskAssign(t task.Task) error
}

// TaskSink is the queue surface the FSM reports into.
type TaskSink interface {
	Requeue(ctx context.Context, taskID, reason string) error
	MarkInProgress(ctx context.Context, taskID string, generation int) error
	Touch(ctx context.Context, taskID string, generation int) error
	Complete(ctx context.Context, taskID string, generation int, result map[string]any) error
	Fail(ctx context.Context, taskID string, generation int, reason string) (queue.FailOutcome, error)
}

// Timeouts for the FSM's supervision timers.
type Timeouts struct {
	Accept           time.Duration // task_accepted deadline
	ProgressWatchdog time.Duration // max silence while working
}

// Agent is one connected agent's FSM.
type Agent struct {
	ID              string
	Capabilities    []string
	ProtocolVersion int

	mu              sync.Mutex
	state           State
	currentTaskID   string
	currentGen      int
	warned          bool // set when an acceptance timer fired
	sender          Sender
	sink            TaskSink
	timeouts        Timeouts
	logger          *slog.Logger
	onIdle          func(agentID string)
	acceptTimer     *time.Timer
	watchdogTimer   *time.Timer
	completedStamps []time.Time
}

// State returns the agent's current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Current returns the task the agent holds and its generation.
func (a *Agent) Current() (string, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentTaskID, a.currentGen
}

// HasCapabilities reports whether the agent covers every required cap.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// CompletedLastMinute counts recent completions; the scheduler breaks
// ties toward the least-loaded agent.
func (a *Agent) CompletedLastMinute() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().Add(-time.Minute)
	n := 0
	for _, ts := range a.completedStamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// PushTask delivers a task to an idle agent: idle → assigned, with an
// acceptance timer that returns the task to the queue on expiry.
func (a *Agent) PushTask(t task.Task) error {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return ErrNotIdle
	}
	a.state = StateAssigned
	a.currentTaskID = t.ID
	a.currentGen = t.Generation
	a.acceptTimer = time.AfterFunc(a.timeouts.Accept, func() { a.acceptanceExpired(t.ID) })
	sender := a.sender
	a.mu.Unlock()

	if err := sender.SendTaskAssign(t); err != nil {
		a.mu.Lock()
		a.clearAssignmentLocked()
		a.mu.Unlock()
		return err
	}
	return nil
}

// acceptanceExpired fires when no task_accepted arrived in time.
func (a *Agent) acceptanceExpired(taskID string) {
	a.mu.Lock()
	if a.state != StateAssigned || a.currentTaskID != taskID {
		a.mu.Unlock()
		return
	}
	a.logger.Warn("task acceptance timed out", "agent_id", a.ID, "task_id", taskID)
	a.warned = true
	a.clearAssignmentLocked()
	sink := a.sink
	onIdle := a.onIdle
	a.mu.Unlock()

	_ = sink.Requeue(context.Background(), taskID, "acceptance_timeout")
	if onIdle != nil {
		onIdle(a.ID)
	}
}

// OnAccepted handles task_accepted: assigned → working.
func (a *Agent) OnAccepted(ctx context.Context, taskID string) {
	a.mu.Lock()
	if a.state != StateAssigned || a.currentTaskID != taskID {
		a.mu.Unlock()
		a.logger.Debug("acceptance for unknown assignment", "agent_id", a.ID, "task_id", taskID)
		return
	}
	a.stopTimersLocked()
	a.state = StateWorking
	gen := a.currentGen
	a.watchdogTimer = time.AfterFunc(a.timeouts.ProgressWatchdog, func() { a.progressStalled(taskID) })
	a.mu.Unlock()

	_ = a.sink.MarkInProgress(ctx, taskID, gen)
}

// OnRejected handles task_rejected: the task goes straight back to the
// queue with no retry penalty.
func (a *Agent) OnRejected(ctx context.Context, taskID, reason string) {
	a.mu.Lock()
	if a.state != StateAssigned || a.currentTaskID != taskID {
		a.mu.Unlock()
		return
	}
	a.clearAssignmentLocked()
	onIdle := a.onIdle
	a.mu.Unlock()

	a.logger.Info("task rejected by agent", "agent_id", a.ID, "task_id", taskID, "reason", reason)
	_ = a.sink.Requeue(ctx, taskID, "rejected:"+reason)
	if onIdle != nil {
		onIdle(a.ID)
	}
}

// OnProgress re-arms the progress watchdog and refreshes the task's
// updated_at so the stuck sweep leaves it alone.
func (a *Agent) OnProgress(ctx context.Context, taskID string) {
	a.mu.Lock()
	if a.state != StateWorking || a.currentTaskID != taskID {
		a.mu.Unlock()
		return
	}
	gen := a.currentGen
	if a.watchdogTimer != nil {
		a.watchdogTimer.Reset(a.timeouts.ProgressWatchdog)
	}
	a.mu.Unlock()

	_ = a.sink.Touch(ctx, taskID, gen)
}

// progressStalled fires after too long without a progress update. The
// stuck sweep owns reclamation; the watchdog only surfaces the stall.
func (a *Agent) progressStalled(taskID string) {
	a.mu.Lock()
	stalled := a.state == StateWorking && a.currentTaskID == taskID
	a.mu.Unlock()
	if stalled {
		a.logger.Warn("no progress from agent", "agent_id", a.ID, "task_id", taskID)
	}
}

// OnComplete handles task_complete: working → idle. The stored
// generation fences stale results at the queue.
func (a *Agent) OnComplete(ctx context.Context, taskID string, generation int, result map[string]any) {
	a.mu.Lock()
	if a.currentTaskID != taskID {
		a.mu.Unlock()
		a.logger.Debug("completion for task agent does not hold", "agent_id", a.ID, "task_id", taskID)
		_ = a.sink.Complete(ctx, taskID, generation, result)
		return
	}
	a.stopTimersLocked()
	a.state = StateIdle
	a.currentTaskID = ""
	a.currentGen = 0
	a.completedStamps = appendStamp(a.completedStamps, time.Now())
	onIdle := a.onIdle
	a.mu.Unlock()

	_ = a.sink.Complete(ctx, taskID, generation, result)
	if onIdle != nil {
		onIdle(a.ID)
	}
}

// OnFailed handles task_failed: working → idle.
func (a *Agent) OnFailed(ctx context.Context, taskID string, generation int, reason string) {
	a.mu.Lock()
	if a.currentTaskID != taskID {
		a.mu.Unlock()
		_, _ = a.sink.Fail(ctx, taskID, generation, reason)
		return
	}
	a.stopTimersLocked()
	a.state = StateIdle
	a.currentTaskID = ""
	a.currentGen = 0
	onIdle := a.onIdle
	a.mu.Unlock()

	_, _ = a.sink.Fail(ctx, taskID, generation, reason)
	if onIdle != nil {
		onIdle(a.ID)
	}
}

// Disconnect terminates the FSM: any in-flight task returns to the
// queue with a bumped generation, so a late result arrives stale and
// is dropped.
func (a *Agent) Disconnect(ctx context.Context, reason string) {
	a.mu.Lock()
	if a.state == StateDisconnected {
		a.mu.Unlock()
		return
	}
	a.stopTimersLocked()
	inFlight := a.currentTaskID
	a.state = StateDisconnected
	a.currentTaskID = ""
	a.currentGen = 0
	a.mu.Unlock()

	if inFlight != "" {
		_ = a.sink.Requeue(ctx, inFlight, "agent_disconnected:"+reason)
	}
}

// ClearCurrentTask drops the agent's claim without queue side effects;
// the sweep already requeued the task.
func (a *Agent) ClearCurrentTask(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentTaskID != taskID {
		return
	}
	a.stopTimersLocked()
	a.currentTaskID = ""
	a.currentGen = 0
	if a.state == StateAssigned || a.state == StateWorking {
		a.state = StateIdle
	}
}

func (a *Agent) clearAssignmentLocked() {
	a.stopTimersLocked()
	a.state = StateIdle
	a.currentTaskID = ""
	a.currentGen = 0
}

func (a *Agent) stopTimersLocked() {
	if a.acceptTimer != nil {
		a.acceptTimer.Stop()
		a.acceptTimer = nil
	}
	if a.watchdogTimer != nil {
		a.watchdogTimer.Stop()
		a.watchdogTimer = nil
	}
}

// appendStamp keeps only stamps from the last minute.
func appendStamp(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	out := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			out = append(out, ts)
		}
	}
	return append(out, now)
}
