package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all opscore metric instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	TaskDuration      metric.Float64Histogram
	TasksCreated      metric.Int64Counter
	TasksPurged       metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	ToolDenials       metric.Int64Counter
	RetryAttempts     metric.Int64Counter
	Escalations       metric.Int64Counter
	SwarmTeamDuration metric.Float64Histogram
	ActiveSwarmRuns   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("opscore.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("opscore.task.duration",
		metric.WithDescription("Time from task creation to delivery in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("opscore.task.created",
		metric.WithDescription("Tasks created, by origin channel"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksPurged, err = meter.Int64Counter("opscore.task.purged",
		metric.WithDescription("Tasks removed by the TTL sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("opscore.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolDenials, err = meter.Int64Counter("opscore.tool.denials",
		metric.WithDescription("Tool calls denied by the permission bridge"),
	)
	if err != nil {
		return nil, err
	}

	m.RetryAttempts, err = meter.Int64Counter("opscore.guardian.retries",
		metric.WithDescription("Retry attempts scheduled by the guardian"),
	)
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("opscore.guardian.escalations",
		metric.WithDescription("Tasks escalated after retry exhaustion"),
	)
	if err != nil {
		return nil, err
	}

	m.SwarmTeamDuration, err = meter.Float64Histogram("opscore.swarm.team.duration",
		metric.WithDescription("Per-team swarm execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSwarmRuns, err = meter.Int64UpDownCounter("opscore.swarm.active",
		metric.WithDescription("Swarm runs currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
