package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentcom/internal/bus"
)

// Sample is one health observation gathered from the core components.
type Sample struct {
	QueueBacklog          int
	FailureRate           float64 // failed / (failed + completed); dead letters count as failed
	StuckTasks            int
	AgentsOnline          int
	ErrorsLastHour        int
	AllEndpointsUnhealthy bool
}

// SampleFunc gathers the current Sample.
type SampleFunc func() Sample

// alertRule is one health check over consecutive samples.
type alertRule struct {
	name     string
	severity string
	cooldown time.Duration
	check    func(a *Aggregator, s Sample) (bool, string)
}

// Aggregator evaluates alert rules each tick and feeds the FSM's
// critical-health predicate. Warnings respect per-rule cooldowns;
// critical alerts bypass them.
type Aggregator struct {
	sample SampleFunc
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	backlogHist []int
	lastFired   map[string]time.Time
	critical    bool
}

// NewAggregator builds the aggregator.
func NewAggregator(sample SampleFunc, b *bus.Bus, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		sample:    sample,
		bus:       b,
		logger:    logger,
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
}

var rules = []alertRule{
	{
		name:     "queue_backlog_growing",
		severity: "warning",
		cooldown: 10 * time.Minute,
		check: func(a *Aggregator, s Sample) (bool, string) {
			a.backlogHist = append(a.backlogHist, s.QueueBacklog)
			if len(a.backlogHist) > 3 {
				a.backlogHist = a.backlogHist[len(a.backlogHist)-3:]
			}
			if len(a.backlogHist) < 3 {
				return false, ""
			}
			if a.backlogHist[0] < a.backlogHist[1] && a.backlogHist[1] < a.backlogHist[2] {
				return true, "queue backlog grew 3 consecutive checks"
			}
			return false, ""
		},
	},
	{
		name:     "failure_rate",
		severity: "warning",
		cooldown: 10 * time.Minute,
		check: func(_ *Aggregator, s Sample) (bool, string) {
			if s.FailureRate > 0.5 {
				return true, "task failure rate above 50%"
			}
			return false, ""
		},
	},
	{
		name:     "stuck_tasks",
		severity: "critical",
		cooldown: 5 * time.Minute,
		check: func(_ *Aggregator, s Sample) (bool, string) {
			if s.StuckTasks > 0 {
				return true, "tasks stuck beyond the sweep threshold"
			}
			return false, ""
		},
	},
	{
		name:     "no_agents_online",
		severity: "warning",
		cooldown: 10 * time.Minute,
		check: func(_ *Aggregator, s Sample) (bool, string) {
			if s.AgentsOnline == 0 && s.QueueBacklog > 0 {
				return true, "no agents online with work queued"
			}
			return false, ""
		},
	},
	{
		name:     "error_burst",
		severity: "warning",
		cooldown: 10 * time.Minute,
		check: func(_ *Aggregator, s Sample) (bool, string) {
			if s.ErrorsLastHour > 10 {
				return true, "more than 10 errors in the last hour"
			}
			return false, ""
		},
	},
	{
		name:     "all_endpoints_unhealthy",
		severity: "critical",
		cooldown: 5 * time.Minute,
		check: func(_ *Aggregator, s Sample) (bool, string) {
			if s.AllEndpointsUnhealthy {
				return true, "every registered endpoint is unhealthy"
			}
			return false, ""
		},
	},
}

// Check evaluates all rules against a fresh sample.
func (a *Aggregator) Check() []bus.AlertEvent {
	s := a.sample()
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var fired []bus.AlertEvent
	critical := false
	for i := range rules {
		rule := &rules[i]
		hit, msg := rule.check(a, s)
		if !hit {
			continue
		}
		if rule.severity == "critical" {
			critical = true
		} else if last, ok := a.lastFired[rule.name]; ok && now.Sub(last) < rule.cooldown {
			continue
		}
		a.lastFired[rule.name] = now
		event := bus.AlertEvent{Rule: rule.name, Severity: rule.severity, Message: msg, At: now}
		fired = append(fired, event)
		if a.bus != nil {
			a.bus.Publish(bus.TopicHubAlert, event)
		}
		a.logger.Warn("alert", "rule", rule.name, "severity", rule.severity, "message", msg)
	}
	a.critical = critical
	return fired
}

// Critical reports whether the last check saw a critical issue.
func (a *Aggregator) Critical() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.critical
}
