package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all warden metric instruments.
type Metrics struct {
	Transitions         metric.Int64Counter
	VersionConflicts    metric.Int64Counter
	DispatchesIssued    metric.Int64Counter
	DispatchesSkipped   metric.Int64Counter
	BrokerCalls         metric.Int64Counter
	BrokerDenials       metric.Int64Counter
	BackpressureRejects metric.Int64Counter
	CallDuration        metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Transitions, err = meter.Int64Counter("warden.task.transitions",
		metric.WithDescription("Successful task state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.VersionConflicts, err = meter.Int64Counter("warden.task.version_conflicts",
		metric.WithDescription("Conditional writes rejected with a stale version"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchesIssued, err = meter.Int64Counter("warden.dispatch.issued",
		metric.WithDescription("Dispatches issued by the loop"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchesSkipped, err = meter.Int64Counter("warden.dispatch.skipped",
		metric.WithDescription("Dispatches skipped because the key already existed"),
	)
	if err != nil {
		return nil, err
	}

	m.BrokerCalls, err = meter.Int64Counter("warden.broker.calls",
		metric.WithDescription("External calls reaching a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.BrokerDenials, err = meter.Int64Counter("warden.broker.denials",
		metric.WithDescription("External calls denied by policy"),
	)
	if err != nil {
		return nil, err
	}

	m.BackpressureRejects, err = meter.Int64Counter("warden.broker.backpressure_rejects",
		metric.WithDescription("Calls rejected at the in-flight ceiling"),
	)
	if err != nil {
		return nil, err
	}

	m.CallDuration, err = meter.Float64Histogram("warden.broker.call_duration",
		metric.WithDescription("Provider execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
