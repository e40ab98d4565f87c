package monitoring

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/perfwatch/pkg/metricstore"
)

const instrumentationName = "github.com/yairfalse/perfwatch/pkg/monitoring"

// instruments mirrors the hot-path events into OTEL. Any instrument that
// fails to register is left nil and skipped.
type instruments struct {
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	connections metric.Int64UpDownCounter
}

func newInstruments(meter metric.Meter, logger *zap.Logger) instruments {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}

	var (
		inst instruments
		err  error
	)

	inst.requests, err = meter.Int64Counter(
		"perfwatch_requests_total",
		metric.WithDescription("Completed requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		// Log but don't fail - metrics are optional
		logger.Debug("Failed to create requests counter", zap.Error(err))
		inst.requests = nil
	}

	inst.duration, err = meter.Float64Histogram(
		"perfwatch_request_duration_ms",
		metric.WithDescription("Request duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
	if err != nil {
		logger.Debug("Failed to create duration histogram", zap.Error(err))
		inst.duration = nil
	}

	inst.connections, err = meter.Int64UpDownCounter(
		"perfwatch_open_connections",
		metric.WithDescription("Open live connections"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create connections counter", zap.Error(err))
		inst.connections = nil
	}

	return inst
}

func (i instruments) recordRequest(s metricstore.RequestSample) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("method", s.Method),
		attribute.String("status_class", statusClass(s.StatusCode)),
	)
	if i.requests != nil {
		i.requests.Add(ctx, 1, attrs)
	}
	if i.duration != nil {
		i.duration.Record(ctx, s.DurationMs, attrs)
	}
}

func (i instruments) connectionDelta(delta int64) {
	if i.connections != nil {
		i.connections.Add(context.Background(), delta)
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
