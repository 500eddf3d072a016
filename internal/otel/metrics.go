package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the hub's metric instruments.
type Metrics struct {
	QueueDepth        metric.Int64UpDownCounter
	AssignLatency     metric.Float64Histogram
	TasksCompleted    metric.Int64Counter
	TasksDeadLettered metric.Int64Counter
	LLMCallDuration   metric.Float64Histogram
	HubTransitions    metric.Int64Counter
	WSConnections     metric.Int64UpDownCounter
	ProbeFailures     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueueDepth, err = meter.Int64UpDownCounter("agentcom.queue.depth",
		metric.WithDescription("Tasks currently in the queued state"),
	)
	if err != nil {
		return nil, err
	}

	m.AssignLatency, err = meter.Float64Histogram("agentcom.assign.latency",
		metric.WithDescription("Seconds from task submission to assignment"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("agentcom.tasks.completed",
		metric.WithDescription("Tasks that reached the completed state"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDeadLettered, err = meter.Int64Counter("agentcom.tasks.dead_lettered",
		metric.WithDescription("Tasks moved to the dead-letter table"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("agentcom.llm.duration",
		metric.WithDescription("LLM call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.HubTransitions, err = meter.Int64Counter("agentcom.hub.transitions",
		metric.WithDescription("Hub FSM state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.WSConnections, err = meter.Int64UpDownCounter("agentcom.ws.connections",
		metric.WithDescription("Open agent WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	m.ProbeFailures, err = meter.Int64Counter("agentcom.endpoint.probe_failures",
		metric.WithDescription("Failed endpoint health probes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
