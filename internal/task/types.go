// Package task defines the primary work unit exchanged between the
// queue, scheduler, router, and agent sessions.
package task

import (
	"time"
)

// Priority orders tasks within the queue.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps priorities to sortable integers; lower runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Bump raises a priority one level, capping at urgent.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	default:
		return PriorityUrgent
	}
}

// Status is the task lifecycle state.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusAssigned     Status = "assigned"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// Tier is the complexity tier driving routing.
type Tier string

const (
	TierTrivial  Tier = "trivial"
	TierStandard Tier = "standard"
	TierComplex  Tier = "complex"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierTrivial || t == TierStandard || t == TierComplex
}

// ComplexitySource records whether the tier was declared or inferred.
type ComplexitySource string

const (
	SourceExplicit ComplexitySource = "explicit"
	SourceInferred ComplexitySource = "inferred"
)

// Inferred holds the classifier's output.
type Inferred struct {
	Tier       Tier     `json:"tier"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"signals"`
}

// Complexity combines the effective tier with its provenance.
type Complexity struct {
	EffectiveTier Tier             `json:"effective_tier"`
	Source        ComplexitySource `json:"source"`
	Inferred      *Inferred        `json:"inferred,omitempty"`
}

// FileHint points an agent at a relevant file.
type FileHint struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// VerificationStep tells an agent how to check its own work.
type VerificationStep struct {
	Type        string `json:"type"`
	Target      string `json:"target"`
	Description string `json:"description,omitempty"`
}

// TargetType names the execution backend chosen by the router.
type TargetType string

const (
	TargetSidecar TargetType = "sidecar"
	TargetOllama  TargetType = "ollama"
	TargetClaude  TargetType = "claude"
	TargetNone    TargetType = ""
)

// CostTier is a coarse cost classification for a routing decision.
type CostTier string

const (
	CostFree  CostTier = "free"
	CostLocal CostTier = "local"
	CostAPI   CostTier = "api"
)

// RoutingDecision captures which backend was chosen and why. It is
// attached to the task at assignment and passed through to the agent.
type RoutingDecision struct {
	EffectiveTier        Tier       `json:"effective_tier"`
	TargetType           TargetType `json:"target_type"`
	SelectedEndpoint     string     `json:"selected_endpoint,omitempty"`
	SelectedModel        string     `json:"selected_model,omitempty"`
	FallbackUsed         bool       `json:"fallback_used"`
	FallbackFromTier     Tier       `json:"fallback_from_tier,omitempty"`
	FallbackReason       string     `json:"fallback_reason,omitempty"`
	CandidateCount       int        `json:"candidate_count"`
	ClassificationReason string     `json:"classification_reason,omitempty"`
	EstimatedCostTier    CostTier   `json:"estimated_cost_tier"`
	DecidedAt            time.Time  `json:"decided_at"`
}

// Task is the persisted work unit.
type Task struct {
	ID                string             `json:"id"`
	GoalID            string             `json:"goal_id,omitempty"`
	DependsOn         []string           `json:"depends_on,omitempty"`
	Description       string             `json:"description"`
	Repo              string             `json:"repo,omitempty"`
	Branch            string             `json:"branch,omitempty"`
	FileHints         []FileHint         `json:"file_hints,omitempty"`
	SuccessCriteria   []string           `json:"success_criteria,omitempty"`
	VerificationSteps []VerificationStep `json:"verification_steps,omitempty"`
	RequiredCaps      []string           `json:"required_caps,omitempty"`
	Complexity        Complexity         `json:"complexity"`
	Priority          Priority           `json:"priority"`
	Status            Status             `json:"status"`
	RetryCount        int                `json:"retry_count"`
	MaxRetries        int                `json:"max_retries"`
	Generation        int                `json:"generation"`
	AssignedTo        string             `json:"assigned_to,omitempty"`
	AssignedAt        time.Time          `json:"assigned_at,omitzero"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	Result            map[string]any     `json:"result,omitempty"`
	FailureReason     string             `json:"failure_reason,omitempty"`
	Routing           *RoutingDecision   `json:"routing_decision,omitempty"`
}

// DeadLetter wraps a task moved off the main table after exhausting
// retries or expiring.
type DeadLetter struct {
	Task     Task      `json:"task"`
	Reason   string    `json:"reason"`
	MovedAt  time.Time `json:"moved_at"`
	Attempts int       `json:"attempts"`
}
