// Package goal defines goals and the persistent backlog that owns
// their lifecycle.
package goal

import (
	"fmt"
	"time"

	"github.com/basket/agentcom/internal/task"
)

// Status is the goal lifecycle state.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusDecomposing Status = "decomposing"
	StatusExecuting   Status = "executing"
	StatusVerifying   Status = "verifying"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the goal has finished.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Source records where a goal came from.
type Source string

const (
	SourceAPI      Source = "api"
	SourceCLI      Source = "cli"
	SourceInternal Source = "internal"
)

// HistoryEntry records one lifecycle transition.
type HistoryEntry struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Goal is a high-level objective that decomposes into a task DAG.
type Goal struct {
	ID                  string            `json:"id"`
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	SuccessCriteria     []string          `json:"success_criteria,omitempty"`
	Priority            task.Priority     `json:"priority"`
	Source              Source            `json:"source"`
	Repo                string            `json:"repo,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	Status              Status            `json:"status"`
	History             []HistoryEntry    `json:"history"`
	VerificationRetries int               `json:"verification_retries"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// allowedTransitions is the static lifecycle table.
var allowedTransitions = map[Status][]Status{
	StatusSubmitted:   {StatusDecomposing, StatusFailed},
	StatusDecomposing: {StatusExecuting, StatusFailed},
	StatusExecuting:   {StatusVerifying, StatusFailed},
	StatusVerifying:   {StatusComplete, StatusExecuting, StatusFailed},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition wraps a rejected lifecycle step.
type ErrInvalidTransition struct {
	From Status
	To   Status
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("goal: invalid transition %s -> %s", e.From, e.To)
}
