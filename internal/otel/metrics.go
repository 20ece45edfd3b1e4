package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all runtime metric instruments.
type Metrics struct {
	MessagesSent        metric.Int64Counter
	MessageTimeouts     metric.Int64Counter
	MessagesUnreachable metric.Int64Counter
	RequestDuration     metric.Float64Histogram
	StoreWrites         metric.Int64Counter
	QuotaRejects        metric.Int64Counter
	SyncAttempts        metric.Int64Counter
	SyncConflicts       metric.Int64Counter
	SyncPendingOps      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesSent, err = meter.Int64Counter("extcore.bus.sent",
		metric.WithDescription("Messages accepted by the bus"),
	)
	if err != nil {
		return nil, err
	}

	m.MessageTimeouts, err = meter.Int64Counter("extcore.bus.timeouts",
		metric.WithDescription("Requests that expired without a response"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesUnreachable, err = meter.Int64Counter("extcore.bus.unreachable",
		metric.WithDescription("Sends that failed destination resolution"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("extcore.bus.request.duration",
		metric.WithDescription("Request round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreWrites, err = meter.Int64Counter("extcore.store.writes",
		metric.WithDescription("Committed store writes"),
	)
	if err != nil {
		return nil, err
	}

	m.QuotaRejects, err = meter.Int64Counter("extcore.store.quota_rejects",
		metric.WithDescription("Writes rejected for exceeding scope quota"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncAttempts, err = meter.Int64Counter("extcore.sync.attempts",
		metric.WithDescription("Sync drain attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncConflicts, err = meter.Int64Counter("extcore.sync.conflicts",
		metric.WithDescription("Conflicts resolved during reconciliation"),
	)
	if err != nil {
		return nil, err
	}

	m.SyncPendingOps, err = meter.Int64UpDownCounter("extcore.sync.pending",
		metric.WithDescription("Pending synced-scope mutations awaiting acknowledgment"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
