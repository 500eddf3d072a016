// Package ws implements the agent ↔ hub WebSocket protocol: the
// identify handshake, task push/accept/complete exchange, heartbeats,
// and reconnect recovery.
package ws

import (
	"github.com/basket/agentcom/internal/endpoints"
	"github.com/basket/agentcom/internal/task"
)

// Message types. Every frame is one JSON object with a "type" field;
// unknown fields are ignored and unknown types are logged and dropped.
const (
	// Client-initiated.
	TypeIdentify       = "identify"
	TypeTaskAccepted   = "task_accepted"
	TypeTaskRejected   = "task_rejected"
	TypeTaskProgress   = "task_progress"
	TypeTaskComplete   = "task_complete"
	TypeTaskFailed     = "task_failed"
	TypeTaskRecovering = "task_recovering"
	TypeOllamaReport   = "ollama_report"
	TypeResourceReport = "resource_report"

	// Server-initiated.
	TypeTaskAssign   = "task_assign"
	TypeTaskReassign = "task_reassign"
	TypeTaskContinue = "task_continue"

	// Both directions.
	TypePing = "ping"
	TypePong = "pong"
)

// Message is the single wire envelope. Fields are populated per type.
type Message struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version,omitempty"`

	// identify
	AgentID      string   `json:"agent_id,omitempty"`
	Token        string   `json:"token,omitempty"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	ClientType   string   `json:"client_type,omitempty"`

	// task exchange
	TaskID            string                    `json:"task_id,omitempty"`
	Generation        int                       `json:"generation,omitempty"`
	Description       string                    `json:"description,omitempty"`
	Repo              string                    `json:"repo,omitempty"`
	Branch            string                    `json:"branch,omitempty"`
	FileHints         []task.FileHint           `json:"file_hints,omitempty"`
	SuccessCriteria   []string                  `json:"success_criteria,omitempty"`
	VerificationSteps []task.VerificationStep   `json:"verification_steps,omitempty"`
	Complexity        *task.Complexity          `json:"complexity,omitempty"`
	RoutingDecision   *task.RoutingDecision     `json:"routing_decision,omitempty"`
	Reason            string                    `json:"reason,omitempty"`
	Result            map[string]any            `json:"result,omitempty"`

	// task_recovering
	LastStatus string            `json:"last_status,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	// ollama_report / resource_report
	URL       string                     `json:"url,omitempty"`
	Host      string                     `json:"host,omitempty"`
	Resources *endpoints.ResourceMetrics `json:"resources,omitempty"`
}

// AssignMessage builds the task_assign push for a task.
func AssignMessage(t task.Task, protocolVersion int) Message {
	return Message{
		Type:              TypeTaskAssign,
		ProtocolVersion:   protocolVersion,
		TaskID:            t.ID,
		Generation:        t.Generation,
		Description:       t.Description,
		Repo:              t.Repo,
		Branch:            t.Branch,
		FileHints:         t.FileHints,
		SuccessCriteria:   t.SuccessCriteria,
		VerificationSteps: t.VerificationSteps,
		Complexity:        &t.Complexity,
		RoutingDecision:   t.Routing,
	}
}
