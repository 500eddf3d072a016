package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/agentcom/internal/task"
)

// StuckQueue is the queue surface healing needs.
type StuckQueue interface {
	Stuck(olderThan time.Duration) []task.Task
	Requeue(ctx context.Context, taskID, reason string) error
}

// EndpointResetter flips endpoint health back to unknown.
type EndpointResetter interface {
	ResetHealth(ctx context.Context) error
}

// Healer performs the remediation pass the FSM runs in the healing
// state: requeue stuck tasks and reset endpoint health so the prober
// re-establishes it.
type Healer struct {
	queue          StuckQueue
	endpoints      EndpointResetter
	stuckThreshold time.Duration
	logger         *slog.Logger
}

// NewHealer builds the healer.
func NewHealer(q StuckQueue, e EndpointResetter, stuckThreshold time.Duration, logger *slog.Logger) *Healer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Healer{queue: q, endpoints: e, stuckThreshold: stuckThreshold, logger: logger}
}

// Heal runs one remediation pass.
func (h *Healer) Heal(ctx context.Context) error {
	requeued := 0
	for _, t := range h.queue.Stuck(h.stuckThreshold) {
		if err := h.queue.Requeue(ctx, t.ID, "healing"); err == nil {
			requeued++
		}
	}
	if h.endpoints != nil {
		if err := h.endpoints.ResetHealth(ctx); err != nil {
			return err
		}
	}
	h.logger.Info("healing pass complete", "requeued", requeued)
	return nil
}
