package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all planrun metric instruments.
type Metrics struct {
	TasksClaimed     metric.Int64Counter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	TasksPaused      metric.Int64Counter
	PolicyDenials    metric.Int64Counter
	LeaseReaps       metric.Int64Counter
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveWorkers    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksClaimed, err = meter.Int64Counter("planrun.tasks.claimed",
		metric.WithDescription("Tasks claimed by workers"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("planrun.tasks.completed",
		metric.WithDescription("Tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("planrun.tasks.failed",
		metric.WithDescription("Tasks that ended in failure"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksPaused, err = meter.Int64Counter("planrun.tasks.paused",
		metric.WithDescription("Tasks paused at an approval gate"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyDenials, err = meter.Int64Counter("planrun.policy.denials",
		metric.WithDescription("Tool calls denied by policy"),
	)
	if err != nil {
		return nil, err
	}

	m.LeaseReaps, err = meter.Int64Counter("planrun.leases.reaped",
		metric.WithDescription("Expired leases requeued by housekeeping"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("planrun.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("planrun.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("planrun.workers.active",
		metric.WithDescription("Workers currently executing a task"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
