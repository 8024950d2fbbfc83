package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Pairflow metrics instruments.
type Metrics struct {
	CardTransitions    metric.Int64Counter
	PullRejects        metric.Int64Counter
	ColumnOccupancy    metric.Int64UpDownCounter
	SessionDuration    metric.Float64Histogram
	SessionCycles      metric.Int64Counter
	Escalations        metric.Int64Counter
	EscalationTimeouts metric.Int64Counter
	SprintCarryover    metric.Int64Counter
	ActiveSessions     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CardTransitions, err = meter.Int64Counter("pairflow.board.transitions",
		metric.WithDescription("Card column transitions committed"),
	)
	if err != nil {
		return nil, err
	}

	m.PullRejects, err = meter.Int64Counter("pairflow.board.pull_rejects",
		metric.WithDescription("Pull attempts rejected by WIP limits"),
	)
	if err != nil {
		return nil, err
	}

	m.ColumnOccupancy, err = meter.Int64UpDownCounter("pairflow.board.occupancy",
		metric.WithDescription("Cards currently occupying each column"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("pairflow.session.duration",
		metric.WithDescription("Pairing session duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionCycles, err = meter.Int64Counter("pairflow.session.cycles",
		metric.WithDescription("Red-green-refactor cycles executed"),
	)
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("pairflow.escalation.raised",
		metric.WithDescription("Escalations raised, by tier"),
	)
	if err != nil {
		return nil, err
	}

	m.EscalationTimeouts, err = meter.Int64Counter("pairflow.escalation.timeouts",
		metric.WithDescription("Escalations resolved by tier timeout defaults"),
	)
	if err != nil {
		return nil, err
	}

	m.SprintCarryover, err = meter.Int64Counter("pairflow.sprint.carryover",
		metric.WithDescription("Cards carried over at sprint review"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("pairflow.session.active",
		metric.WithDescription("Number of currently active pairing sessions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
