package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/evergrid-labs/carbonledger/pkg/accesscontrol"
	"github.com/evergrid-labs/carbonledger/pkg/auth"
	"github.com/evergrid-labs/carbonledger/pkg/node"
	"github.com/evergrid-labs/carbonledger/pkg/observability"
)

func newMeteredServer(t *testing.T) (*Server, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	obs, err := observability.NewWithMeterProvider(mp)
	require.NoError(t, err)

	n, err := node.New(node.Options{GenesisAdmin: admin})
	require.NoError(t, err)
	return NewServer(n, obs), reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func intCounterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func floatCounterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) float64 {
	t.Helper()
	m, ok := findMetric(rm, name)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[float64])
	require.True(t, ok, "%s is not a float64 sum", name)
	var total float64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRequestMetricsRecorded(t *testing.T) {
	s, reader := newMeteredServer(t)
	h := s.Handler(auth.NewHMACValidator([]byte("test-secret")))

	for range 3 {
		rr := do(t, h, auth.Nobody, http.MethodGet, "/health", "")
		mustStatus(t, rr, http.StatusOK)
	}

	rm := collect(t, reader)
	assert.Equal(t, int64(3), intCounterTotal(t, rm, "carbonledger.requests.total"))
	assert.Zero(t, intCounterTotal(t, rm, "carbonledger.errors.total"))

	m, ok := findMetric(rm, "carbonledger.request.duration")
	require.True(t, ok, "duration histogram missing")
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	assert.Equal(t, uint64(3), n)
}

func TestDomainCountersRecorded(t *testing.T) {
	s, reader := newMeteredServer(t)
	h := s.Routes()

	for _, role := range []accesscontrol.Role{accesscontrol.RoleVehicleManager, accesscontrol.RoleCreditsManager} {
		rr := do(t, h, admin, http.MethodPost, "/v1/roles/grant",
			`{"role":"`+string(role)+`","principal":"`+string(manager)+`"}`)
		mustStatus(t, rr, http.StatusNoContent)
	}
	rr := do(t, h, admin, http.MethodPost, "/v1/roles/grant",
		`{"role":"CALCULATOR_ROLE","principal":"`+string(calculator)+`"}`)
	mustStatus(t, rr, http.StatusNoContent)

	rr = do(t, h, manager, http.MethodPost, "/v1/vehicles",
		`{"vin":"VIN-1","model":"Leaf","battery_capacity_wh":40000}`)
	mustStatus(t, rr, http.StatusCreated)

	rr = do(t, h, calculator, http.MethodPost, "/v1/calculations",
		`{"vin":"VIN-1","period":"2026-08","mileage":"100","energy":"15"}`)
	mustStatus(t, rr, http.StatusCreated)
	calcID := jsonField(t, rr, "id")

	rr = do(t, h, admin, http.MethodPost, "/v1/calculations/"+calcID+"/verify", "")
	mustStatus(t, rr, http.StatusNoContent)

	rr = do(t, h, manager, http.MethodPost, "/v1/credits",
		`{"calculation_id":"`+calcID+`"}`)
	mustStatus(t, rr, http.StatusCreated)
	creditID := jsonField(t, rr, "id")

	rr = do(t, h, manager, http.MethodPost, "/v1/credits/"+creditID+"/issue", "")
	mustStatus(t, rr, http.StatusNoContent)

	rr = do(t, h, manager, http.MethodPost, "/v1/transfers/vehicle",
		`{"vin":"VIN-1","to":"`+string(buyer)+`","amount":"0.3"}`)
	mustStatus(t, rr, http.StatusNoContent)

	rr = do(t, h, buyer, http.MethodPost, "/v1/usages",
		`{"amount":"0.1","purpose":"offset report"}`)
	mustStatus(t, rr, http.StatusCreated)

	rm := collect(t, reader)
	assert.Equal(t, int64(1), intCounterTotal(t, rm, "carbonledger.calculations.recorded"))
	assert.Equal(t, int64(1), intCounterTotal(t, rm, "carbonledger.credits.generated"))
	assert.Equal(t, int64(1), intCounterTotal(t, rm, "carbonledger.credits.issued"))
	assert.Equal(t, int64(1), intCounterTotal(t, rm, "carbonledger.credits.used"))

	// generated 0.338975 + issued 0.338975 + used 0.1
	assert.InDelta(t, 0.77795, floatCounterTotal(t, rm, "carbonledger.credits.amount"), 1e-9)
}

func TestFailedCallDoesNotBumpDomainCounters(t *testing.T) {
	s, reader := newMeteredServer(t)
	h := s.Routes()

	rr := do(t, h, buyer, http.MethodPost, "/v1/usages",
		`{"amount":"0.1","purpose":"offset report"}`)
	mustStatus(t, rr, http.StatusUnprocessableEntity)

	rm := collect(t, reader)
	assert.Zero(t, intCounterTotal(t, rm, "carbonledger.credits.used"))
}
