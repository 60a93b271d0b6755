// Package telemetry provides semantic conventions and meter wiring for evbus observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for evbus telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates counters/histograms with the emitted event type (e.g. device.light.on).
	AttrEventType = attribute.Key("event.type")
	// AttrPattern records the subscription pattern an instrument refers to, "*" for wildcard subscriptions.
	AttrPattern = attribute.Key("subscription.pattern")
	// AttrHandlerKind distinguishes sync from async handlers.
	AttrHandlerKind = attribute.Key("handler.kind")
	// AttrDispatchMode separates the strict sync path from the async-capable path.
	AttrDispatchMode = attribute.Key("dispatch.mode")
	// AttrOperation differentiates specific operations (e.g. wal.append, eventbus.emit).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (invoked, filtered, failed, ...).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by canonical error family.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for errors.
	AttrReason = attribute.Key("reason")
)

// Handler kind values
const (
	HandlerKindSync  = "sync"
	HandlerKindAsync = "async"
)

// Dispatch mode values
const (
	DispatchModeSync  = "sync"
	DispatchModeAsync = "async"
)

// Helper functions for creating common attribute sets

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// DispatchAttributes returns attributes for per-emit metrics.
func DispatchAttributes(environment, eventType, mode, result string) []attribute.KeyValue {
	attrs := EventAttributes(environment, eventType)
	if mode != "" {
		attrs = append(attrs, AttrDispatchMode.String(mode))
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// HandlerAttributes returns attributes for per-handler invocation metrics.
func HandlerAttributes(environment, eventType, kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrHandlerKind.String(kind),
		AttrResult.String(result),
	}
}

// SubscriptionAttributes returns attributes for the active subscription gauge.
func SubscriptionAttributes(environment, pattern string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPattern.String(pattern),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
