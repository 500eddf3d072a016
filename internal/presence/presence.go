// Package presence tracks agent liveness in memory and evicts agents
// whose connections have gone silent.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Info is one agent's liveness record.
type Info struct {
	LastHeartbeatAt time.Time
	Metadata        map[string]string
}

// Tracker is the in-memory presence map. Every incoming WS message
// refreshes the sender's entry.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]Info
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]Info), now: time.Now}
}

// Heartbeat refreshes an agent's last-seen time.
func (t *Tracker) Heartbeat(agentID string, metadata map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.entries[agentID]
	info.LastHeartbeatAt = t.now()
	if metadata != nil {
		info.Metadata = metadata
	}
	t.entries[agentID] = info
}

// Forget drops an agent's entry.
func (t *Tracker) Forget(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, agentID)
}

// Get returns an agent's presence record.
func (t *Tracker) Get(agentID string) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	info, ok := t.entries[agentID]
	return info, ok
}

// StaleSince returns agents whose last heartbeat is older than cutoff.
func (t *Tracker) StaleSince(threshold time.Duration) []string {
	cutoff := t.now().Add(-threshold)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, info := range t.entries {
		if info.LastHeartbeatAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Evictor removes a stale agent; implemented by the agent registry.
type Evictor interface {
	Remove(ctx context.Context, agentID, reason string)
}

// Reaper periodically evicts stale agents. Eviction terminates the
// agent's FSM, which requeues any in-flight task.
type Reaper struct {
	tracker   *Tracker
	evictor   Evictor
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
}

// NewReaper builds a reaper with the given cadence and staleness bound.
func NewReaper(tracker *Tracker, evictor Evictor, interval, threshold time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		tracker:   tracker,
		evictor:   evictor,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
	}
}

// Start runs the reap loop until ctx is canceled.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ReapOnce(ctx)
			}
		}
	}()
}

// ReapOnce evicts every currently stale agent.
func (r *Reaper) ReapOnce(ctx context.Context) int {
	stale := r.tracker.StaleSince(r.threshold)
	for _, agentID := range stale {
		r.logger.Warn("reaping stale agent", "agent_id", agentID, "threshold", r.threshold)
		r.evictor.Remove(ctx, agentID, "heartbeat_stale")
		r.tracker.Forget(agentID)
	}
	return len(stale)
}
