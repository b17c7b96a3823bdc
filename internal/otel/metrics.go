package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all fleetd metric instruments.
type Metrics struct {
	SpawnsTotal       metric.Int64Counter
	SpawnDenials      metric.Int64Counter
	SpawnDuration     metric.Float64Histogram
	RetriesTotal      metric.Int64Counter
	TasksAbandoned    metric.Int64Counter
	ActiveTasks       metric.Int64UpDownCounter
	WorktreeRollbacks metric.Int64Counter
	EventsDropped     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SpawnsTotal, err = meter.Int64Counter("fleetd.spawn.total",
		metric.WithDescription("Fleet tasks spawned"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnDenials, err = meter.Int64Counter("fleetd.spawn.denied",
		metric.WithDescription("Spawn requests denied by the governor"),
	)
	if err != nil {
		return nil, err
	}

	m.SpawnDuration, err = meter.Float64Histogram("fleetd.spawn.duration",
		metric.WithDescription("End-to-end spawn saga duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesTotal, err = meter.Int64Counter("fleetd.retry.total",
		metric.WithDescription("Retry attempts executed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksAbandoned, err = meter.Int64Counter("fleetd.task.abandoned",
		metric.WithDescription("Tasks abandoned after exhausting the retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("fleetd.task.active",
		metric.WithDescription("Fleet tasks currently in a non-terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.WorktreeRollbacks, err = meter.Int64Counter("fleetd.spawn.rollbacks",
		metric.WithDescription("Spawn pipelines rolled back after partial failure"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("fleetd.bus.dropped",
		metric.WithDescription("Bus events dropped due to full subscriber buffers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
