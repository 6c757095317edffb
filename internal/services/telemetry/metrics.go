package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "portalguard"

// Outcomes of a backgroundLogin request
const (
	OutcomeAccepted      = "accepted"
	OutcomeCooldown      = "cooldown"
	OutcomeNoCredentials = "no_credentials"
	OutcomeFailed        = "failed"
)

// Reasons a login tab stops being tracked
const (
	RetireSuccess = "success"
	RetireTimeout = "timeout"
	RetireStale   = "stale"
	RetireRemoved = "removed"
)

// Metrics holds the counters. A nil *Metrics records nothing.
type Metrics struct {
	LoginRequests   metric.Int64Counter
	TabsOpened      metric.Int64Counter
	TabsRetired     metric.Int64Counter
	MonitorFailures metric.Int64Counter
}

// NewMetrics creates all instruments on the given provider
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	m := &Metrics{}
	var err error

	m.LoginRequests, err = meter.Int64Counter("broker.login_requests",
		metric.WithDescription("backgroundLogin requests partitioned by outcome"))
	if err != nil {
		return nil, err
	}

	m.TabsOpened, err = meter.Int64Counter("broker.tabs.opened",
		metric.WithDescription("Hidden login tabs opened"),
		metric.WithUnit("{tab}"))
	if err != nil {
		return nil, err
	}

	m.TabsRetired, err = meter.Int64Counter("broker.tabs.retired",
		metric.WithDescription("Login tabs no longer tracked, partitioned by reason"),
		metric.WithUnit("{tab}"))
	if err != nil {
		return nil, err
	}

	m.MonitorFailures, err = meter.Int64Counter("monitor.failures",
		metric.WithDescription("Network-level failures observed on monitored traffic"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordLoginRequest counts one backgroundLogin with its outcome
func (m *Metrics) RecordLoginRequest(ctx context.Context, outcome string, manual bool) {
	if m == nil {
		return
	}
	m.LoginRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("login.outcome", outcome),
		attribute.Bool("login.manual", manual),
	))
}

// RecordTabOpened counts one opened login tab
func (m *Metrics) RecordTabOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.TabsOpened.Add(ctx, 1)
}

// RecordTabRetired counts one tab dropped from tracking
func (m *Metrics) RecordTabRetired(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.TabsRetired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tab.retire_reason", reason),
	))
}

// RecordMonitorFailure counts one network-level failure
func (m *Metrics) RecordMonitorFailure(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.MonitorFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("monitor.source", source),
	))
}
