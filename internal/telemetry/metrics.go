package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/tchow-twistedxcom/tmux-collab"

// Metrics holds the coordinator's instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	connections  metric.Int64UpDownCounter
	claims       metric.Int64Counter
	releases     metric.Int64Counter
	outputEvents metric.Int64Counter
	driverErrors metric.Int64Counter
}

// NewMetrics creates instruments from the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(meterName))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.connections, err = meter.Int64UpDownCounter("collab.connections",
		metric.WithDescription("Open websocket connections"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.claims, err = meter.Int64Counter("collab.claims",
		metric.WithDescription("Claims granted, partitioned by outcome")); err != nil {
		return nil, err
	}
	if m.releases, err = meter.Int64Counter("collab.releases",
		metric.WithDescription("Claims removed, partitioned by reason")); err != nil {
		return nil, err
	}
	if m.outputEvents, err = meter.Int64Counter("collab.output_events",
		metric.WithDescription("Pane output changes delivered by the poller")); err != nil {
		return nil, err
	}
	if m.driverErrors, err = meter.Int64Counter("collab.driver_errors",
		metric.WithDescription("Failed tmux invocations, partitioned by operation")); err != nil {
		return nil, err
	}
	return m, nil
}

// ConnectionOpened records a new connection of the given transport.
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// ConnectionClosed records a closed connection of the given transport.
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.connections.Add(context.Background(), -1, metric.WithAttributes(attribute.String("transport", transport)))
}

// ClaimGranted records a grant; outcome is "granted" or "overridden".
func (m *Metrics) ClaimGranted(outcome string) {
	if m == nil {
		return
	}
	m.claims.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ClaimReleased records a removal for reason (an audit action).
func (m *Metrics) ClaimReleased(reason string) {
	if m == nil {
		return
	}
	m.releases.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// OutputEvent records one delivered pane change.
func (m *Metrics) OutputEvent() {
	if m == nil {
		return
	}
	m.outputEvents.Add(context.Background(), 1)
}

// DriverError records a failed tmux call.
func (m *Metrics) DriverError(op string) {
	if m == nil {
		return
	}
	m.driverErrors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}
