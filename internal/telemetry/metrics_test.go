package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	return totals
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)

	m.ConnectionOpened("multiplexed")
	m.ConnectionOpened("dedicated")
	m.ConnectionClosed("dedicated")
	m.ClaimGranted("granted")
	m.ClaimGranted("overridden")
	m.ClaimReleased("released")
	m.OutputEvent()
	m.DriverError("capture")

	totals := collect(t, reader)
	assert.EqualValues(t, 1, totals["collab.connections"])
	assert.EqualValues(t, 2, totals["collab.claims"])
	assert.EqualValues(t, 1, totals["collab.releases"])
	assert.EqualValues(t, 1, totals["collab.output_events"])
	assert.EqualValues(t, 1, totals["collab.driver_errors"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened("multiplexed")
	m.ClaimGranted("granted")
	m.OutputEvent()
}

func TestInitWithoutEndpoint(t *testing.T) {
	tel, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	assert.NotNil(t, tel.Metrics)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestParseHeaders(t *testing.T) {
	h := parseHeaders("Authorization=Basic abc, x-team = ops,broken")
	assert.Equal(t, map[string]string{"Authorization": "Basic abc", "x-team": "ops"}, h)
}
