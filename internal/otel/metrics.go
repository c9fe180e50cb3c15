package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Loom metrics instruments.
type Metrics struct {
	TaskDuration       metric.Float64Histogram
	TasksInFlight      metric.Int64UpDownCounter
	TasksCompleted     metric.Int64Counter
	TasksFailed        metric.Int64Counter
	TasksCancelled     metric.Int64Counter
	TasksRetried       metric.Int64Counter
	ReadyQueueDepth    metric.Int64UpDownCounter
	DedupClaims        metric.Int64Counter
	DedupResiduals     metric.Int64Counter
	CheckpointDuration metric.Float64Histogram
	ExchangeBytes      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("loom.task.duration",
		metric.WithDescription("Task attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksInFlight, err = meter.Int64UpDownCounter("loom.task.in_flight",
		metric.WithDescription("Number of attempts currently dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("loom.task.completed",
		metric.WithDescription("Tasks that reached COMPLETED"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("loom.task.failed",
		metric.WithDescription("Tasks that exhausted their attempt budget"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("loom.task.cancelled",
		metric.WithDescription("Tasks cancelled by a failure cascade or run shutdown"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("loom.task.retried",
		metric.WithDescription("Attempts requeued after failure or deadline expiry"),
	)
	if err != nil {
		return nil, err
	}

	m.ReadyQueueDepth, err = meter.Int64UpDownCounter("loom.ready.depth",
		metric.WithDescription("Tasks waiting in the ready queue"),
	)
	if err != nil {
		return nil, err
	}

	m.DedupClaims, err = meter.Int64Counter("loom.dedup.claims",
		metric.WithDescription("Dedup keys claimed"),
	)
	if err != nil {
		return nil, err
	}

	m.DedupResiduals, err = meter.Int64Counter("loom.dedup.residuals",
		metric.WithDescription("Residual duplicates detected against the external listing"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointDuration, err = meter.Float64Histogram("loom.checkpoint.duration",
		metric.WithDescription("Checkpoint flush duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExchangeBytes, err = meter.Int64Counter("loom.exchange.bytes",
		metric.WithDescription("Payload bytes written to the exchange layer"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
