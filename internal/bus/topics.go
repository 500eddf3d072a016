package bus

import "time"

// Task queue topics.
const (
	TopicTaskSubmitted    = "task.submitted"
	TopicTaskAssigned     = "task.assigned"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskDeadLettered = "task.dead_lettered"
	TopicTaskRequeued     = "task.requeued"
)

// Goal backlog topics.
const (
	TopicGoalEvent = "goal.event"
)

// Agent lifecycle topics.
const (
	TopicAgentConnected    = "agent.connected"
	TopicAgentDisconnected = "agent.disconnected"
	TopicAgentIdle         = "agent.idle"
)

// Endpoint registry topics.
const (
	TopicEndpointHealthChanged = "endpoint.health_changed"
)

// Hub topics.
const (
	TopicHubStateChanged = "hub.state_changed"
	TopicHubAlert        = "hub.alert"
)

// TaskEvent is the payload for all task.* topics.
type TaskEvent struct {
	TaskID     string
	GoalID     string
	AgentID    string
	Generation int
	Status     string
	Reason     string
}

// GoalEvent is the payload for goal.event.
type GoalEvent struct {
	GoalID string
	From   string
	To     string
	Reason string
}

// AgentEvent is the payload for agent.* topics.
type AgentEvent struct {
	AgentID string
}

// EndpointHealthEvent is published when a probe flips an endpoint's health.
type EndpointHealthEvent struct {
	EndpointID string
	Health     string
}

// HubStateEvent is published on every hub FSM transition.
type HubStateEvent struct {
	From   string
	To     string
	Reason string
}

// AlertEvent is published when an alert rule fires.
type AlertEvent struct {
	Rule     string
	Severity string // "warning" or "critical"
	Message  string
	At       time.Time
}
