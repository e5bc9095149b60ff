package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestRequestMetrics_Middleware(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter(instrumentationName)
	m, err := newRequestMetrics(meter)
	require.NoError(t, err)

	e := echo.New()
	e.Use(m.middleware())
	e.GET("/api/v1/methodologies/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})
	e.GET("/broken", func(c echo.Context) error {
		return errors.New("boom")
	})

	for _, path := range []string{"/api/v1/methodologies/a", "/api/v1/methodologies/b", "/broken", "/nope"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	data := collect(t, reader)

	requests, ok := data["phased.http.requests_total"].(metricdata.Sum[int64])
	require.True(t, ok, "requests counter missing")
	byRoute := make(map[string]int64)
	for _, dp := range requests.DataPoints {
		route, _ := dp.Attributes.Value("route")
		byRoute[route.AsString()] += dp.Value
	}
	assert.Equal(t, int64(2), byRoute["/api/v1/methodologies/:id"], "ids are folded into the route pattern")
	assert.Equal(t, int64(1), byRoute["/broken"])
	assert.Len(t, byRoute, 3)

	latency, ok := data["phased.http.request_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok, "latency histogram missing")
	var count uint64
	for _, dp := range latency.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(4), count)

	inFlight, ok := data["phased.http.requests_in_flight"].(metricdata.Sum[int64])
	require.True(t, ok, "in-flight counter missing")
	for _, dp := range inFlight.DataPoints {
		assert.Zero(t, dp.Value, "every request finished")
	}

	assert.Contains(t, data, "phased.http.response_size_bytes")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/health", routeLabel("/health"))
	assert.Equal(t, "/api/v1/methodologies/:id", routeLabel("/api/v1/methodologies/:id"))
}
