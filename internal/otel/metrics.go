package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the conductor's OpenTelemetry instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	GenerateDuration metric.Float64Histogram
	StreamTokens     metric.Int64Counter
	ActiveTasks      metric.Int64UpDownCounter
	ChainSteps       metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("conductor.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("conductor.task.duration",
		metric.WithDescription("Task duration from start to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GenerateDuration, err = meter.Float64Histogram("conductor.generate.duration",
		metric.WithDescription("Time spent draining a generation stream in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamTokens, err = meter.Int64Counter("conductor.stream.tokens",
		metric.WithDescription("Token chunks relayed to channels"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("conductor.task.active",
		metric.WithDescription("Tasks currently pending or running"),
	)
	if err != nil {
		return nil, err
	}

	m.ChainSteps, err = meter.Int64Counter("conductor.chain.steps",
		metric.WithDescription("Chain steps executed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
