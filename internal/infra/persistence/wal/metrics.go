package wal

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/evbus/internal/infra/telemetry"
)

type walMetrics struct {
	appended       metric.Int64Counter
	appendErrors   metric.Int64Counter
	appendDuration metric.Float64Histogram
	malformed      metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) *walMetrics {
	meter := mp.Meter("wal")
	m := new(walMetrics)
	m.appended, _ = meter.Int64Counter("wal.records.appended",
		metric.WithDescription("Number of records appended to the write-ahead log"),
		metric.WithUnit("{record}"))
	m.appendErrors, _ = meter.Int64Counter("wal.append.errors",
		metric.WithDescription("Number of appends that failed after retries"),
		metric.WithUnit("{error}"))
	m.appendDuration, _ = meter.Float64Histogram("wal.append.duration",
		metric.WithDescription("Latency of write-ahead log appends"),
		metric.WithUnit("ms"))
	m.malformed, _ = meter.Int64Counter("wal.replay.malformed",
		metric.WithDescription("Number of malformed records skipped while reading the log"),
		metric.WithUnit("{record}"))
	return m
}

func (m *walMetrics) recordAppend(ctx context.Context, eventType string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	attrs := telemetry.OperationResultAttributes(telemetry.Environment(), "wal.append", result)
	if m.appendDuration != nil {
		m.appendDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
	}
	if err != nil {
		if m.appendErrors != nil {
			m.appendErrors.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), eventType)...))
		}
		return
	}
	if m.appended != nil {
		m.appended.Add(ctx, 1, metric.WithAttributes(telemetry.EventAttributes(telemetry.Environment(), eventType)...))
	}
}

func (m *walMetrics) recordMalformed(ctx context.Context, reason string) {
	if m == nil || m.malformed == nil {
		return
	}
	m.malformed.Add(ctx, 1, metric.WithAttributes(
		telemetry.ErrorAttributes(telemetry.Environment(), "malformed_record", reason)...))
}
