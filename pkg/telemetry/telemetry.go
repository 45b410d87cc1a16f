// Package telemetry wires the gateway's counters (discovery fan-out,
// circuit transitions, retry attempts) to an otel/metric MeterProvider,
// mirroring the teacher's own telemetry.RecordToolList/RecordPromptList
// call sites in pkg/gateway/capabilitites.go. It is a no-op by default —
// callers that never configure a provider pay no cost and emit nothing.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "github.com/nullrunner/mcp-gateway"

// Recorder exposes the small set of counters C13's wiring drives.
type Recorder struct {
	discoveryFanout  metric.Int64Counter
	circuitTransition metric.Int64Counter
	retryAttempt     metric.Int64Counter
}

// NewRecorder builds a Recorder against the process-wide otel MeterProvider
// (otel.GetMeterProvider()). With no provider configured this resolves to
// otel's built-in no-op implementation, so instruments are always safe to
// call even when telemetry was never wired up.
func NewRecorder() *Recorder {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	discoveryFanout, _ := meter.Int64Counter(
		"gateway.discovery.fanout",
		metric.WithDescription("capability discovery calls issued per backend server"),
	)
	circuitTransition, _ := meter.Int64Counter(
		"gateway.circuit.transitions",
		metric.WithDescription("circuit breaker state transitions"),
	)
	retryAttempt, _ := meter.Int64Counter(
		"gateway.retry.attempts",
		metric.WithDescription("retry attempts issued by the request router"),
	)

	return &Recorder{
		discoveryFanout:   discoveryFanout,
		circuitTransition: circuitTransition,
		retryAttempt:      retryAttempt,
	}
}

// NewStdoutProvider builds an otel MeterProvider that periodically exports
// to the given exporter (an OTLP or stdout exporter constructed by the
// caller); callers needing a fully no-op setup should simply skip calling
// otel.SetMeterProvider and rely on NewRecorder's no-op fallback instead.
func NewStdoutProvider(reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
}

func (r *Recorder) DiscoveryFanout(ctx context.Context, serverID string, n int) {
	if r == nil || r.discoveryFanout == nil {
		return
	}
	r.discoveryFanout.Add(ctx, int64(n), metric.WithAttributes(attribute.String("server_id", serverID)))
}

func (r *Recorder) CircuitTransition(ctx context.Context, serverID, from, to string) {
	if r == nil || r.circuitTransition == nil {
		return
	}
	r.circuitTransition.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server_id", serverID),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (r *Recorder) RetryAttempt(ctx context.Context, serverID string, attempt int) {
	if r == nil || r.retryAttempt == nil {
		return
	}
	r.retryAttempt.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server_id", serverID),
		attribute.Int("attempt", attempt),
	))
}
