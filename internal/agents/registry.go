package agents

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/agentcom/internal/bus"
)

// Registry tracks connected agents by ID.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	sink     TaskSink
	bus      *bus.Bus
	timeouts Timeouts
	logger   *slog.Logger
}

// NewRegistry creates the agent registry.
func NewRegistry(sink TaskSink, b *bus.Bus, timeouts Timeouts, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:   make(map[string]*Agent),
		sink:     sink,
		bus:      b,
		timeouts: timeouts,
		logger:   logger,
	}
}

// Bind registers a newly identified agent, replacing any previous
// connection under the same ID (the old FSM is disconnected first).
func (r *Registry) Bind(ctx context.Context, agentID string, capabilities []string, protocolVersion int, sender Sender) *Agent {
	r.mu.Lock()
	if old, ok := r.agents[agentID]; ok {
		r.mu.Unlock()
		old.Disconnect(ctx, "replaced_by_new_connection")
		r.mu.Lock()
	}
	a := &Agent{
		ID:              agentID,
		Capabilities:    capabilities,
		ProtocolVersion: protocolVersion,
		state:           StateIdle,
		sender:          sender,
		sink:            r.sink,
		timeouts:        r.timeouts,
		logger:          r.logger,
	}
	a.onIdle = func(id string) {
		if r.bus != nil {
			r.bus.Publish(bus.TopicAgentIdle, bus.AgentEvent{AgentID: id})
		}
	}
	r.agents[agentID] = a
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentConnected, bus.AgentEvent{AgentID: agentID})
		r.bus.Publish(bus.TopicAgentIdle, bus.AgentEvent{AgentID: agentID})
	}
	r.logger.Info("agent connected", "agent_id", agentID, "capabilities", capabilities)
	return a
}

// Remove disconnects and drops an agent.
func (r *Registry) Remove(ctx context.Context, agentID, reason string) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	a.Disconnect(ctx, reason)
	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentDisconnected, bus.AgentEvent{AgentID: agentID})
	}
	r.logger.Info("agent disconnected", "agent_id", agentID, "reason", reason)
}

// Get returns an agent by ID.
func (r *Registry) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// Idle returns the idle agents ordered by ID for determinism.
func (r *Registry) Idle() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.State() == StateIdle {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
