package eventbus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/evbus/internal/infra/telemetry"
)

type busMetrics struct {
	eventsEmitted      metric.Int64Counter
	handlerInvocations metric.Int64Counter
	handlerFailures    metric.Int64Counter
	dispatchDuration   metric.Float64Histogram
	subscriptions      metric.Int64UpDownCounter
}

func newBusMetrics(mp metric.MeterProvider) *busMetrics {
	meter := mp.Meter("eventbus")
	m := new(busMetrics)
	m.eventsEmitted, _ = meter.Int64Counter("eventbus.events.emitted",
		metric.WithDescription("Number of events dispatched by the bus"),
		metric.WithUnit("{event}"))
	m.handlerInvocations, _ = meter.Int64Counter("eventbus.handler.invocations",
		metric.WithDescription("Number of handler outcomes by result"),
		metric.WithUnit("{invocation}"))
	m.handlerFailures, _ = meter.Int64Counter("eventbus.handler.failures",
		metric.WithDescription("Number of handler failures including panics"),
		metric.WithUnit("{error}"))
	m.dispatchDuration, _ = meter.Float64Histogram("eventbus.dispatch.duration",
		metric.WithDescription("Latency of one emit across every resolved handler"),
		metric.WithUnit("ms"))
	m.subscriptions, _ = meter.Int64UpDownCounter("eventbus.subscriptions",
		metric.WithDescription("Number of active subscriptions"),
		metric.WithUnit("{subscription}"))
	return m
}

func (m *busMetrics) subscriptionDelta(pattern string, delta int64) {
	if m == nil || m.subscriptions == nil {
		return
	}
	m.subscriptions.Add(context.Background(), delta,
		metric.WithAttributes(telemetry.SubscriptionAttributes(telemetry.Environment(), pattern)...))
}

func (m *busMetrics) recordOutcome(ctx context.Context, eventType string, out Outcome) {
	if m == nil {
		return
	}
	kind := telemetry.HandlerKindSync
	if out.Handler.Kind == KindAsync {
		kind = telemetry.HandlerKindAsync
	}
	if m.handlerInvocations != nil {
		m.handlerInvocations.Add(ctx, 1, metric.WithAttributes(
			telemetry.HandlerAttributes(telemetry.Environment(), eventType, kind, string(out.Status))...))
	}
	if out.Status == StatusFailed && m.handlerFailures != nil {
		m.handlerFailures.Add(ctx, 1, metric.WithAttributes(
			telemetry.HandlerAttributes(telemetry.Environment(), eventType, kind, string(out.Status))...))
	}
}

func (m *busMetrics) recordDispatch(ctx context.Context, eventType string, mode dispatchMode, start time.Time, result string) {
	if m == nil {
		return
	}
	attrs := telemetry.DispatchAttributes(telemetry.Environment(), eventType, mode.String(), result)
	if m.dispatchDuration != nil {
		m.dispatchDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
	}
	if m.eventsEmitted != nil && result != resultRejected {
		m.eventsEmitted.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
