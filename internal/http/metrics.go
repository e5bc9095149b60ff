package http

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/phased/internal/http"

// requestMetrics records per-route request counts, latency, response sizes
// and in-flight requests.
type requestMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	size     metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

// newRequestMetrics creates the instruments on meter. Instruments that fail
// to register stay nil and are skipped; the joined error says which.
func newRequestMetrics(meter metric.Meter) (*requestMetrics, error) {
	m := &requestMetrics{}
	var errs [4]error

	m.requests, errs[0] = meter.Int64Counter("phased.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status"),
		metric.WithUnit("{request}"))
	m.latency, errs[1] = meter.Float64Histogram("phased.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5))
	m.size, errs[2] = meter.Int64Histogram("phased.http.response_size_bytes",
		metric.WithDescription("HTTP response body size"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144))
	m.inFlight, errs[3] = meter.Int64UpDownCounter("phased.http.requests_in_flight",
		metric.WithDescription("HTTP requests being served"),
		metric.WithUnit("{request}"))

	return m, errors.Join(errs[:]...)
}

func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			res := c.Response()
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.Int("status", res.Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.size != nil {
				m.size.Record(ctx, res.Size, attrs)
			}
			return err
		}
	}
}

// routeLabel uses echo's matched pattern ("/api/v1/methodologies/:id") so
// ids never reach the label set. Unmatched requests share one label.
func routeLabel(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	return pattern
}
