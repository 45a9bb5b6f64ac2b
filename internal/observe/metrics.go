// Package observe provides application-wide observability primitives for
// Hearth: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the ops listener's /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Hearth metrics.
const meterName = "github.com/MrWong99/hearth"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks a whole conversation turn from task start to
	// resolution. Use with attributes:
	//   attribute.String("character", ...), attribute.String("status", ...)
	TurnDuration metric.Float64Histogram

	// ProviderDuration tracks a single model generation including tool rounds.
	ProviderDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// VoiceDuration tracks voiceover synthesis latency.
	VoiceDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts generation attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts failed attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Tasks counts task status transitions. Use with attributes:
	//   attribute.String("type", ...), attribute.String("status", ...)
	Tasks metric.Int64Counter

	// EventsDropped counts asynchronous events that could not be queued.
	EventsDropped metric.Int64Counter

	// HandlerPanics counts recovered event handler panics.
	HandlerPanics metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks open game socket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveFeedClients tracks connected event-feed websocket clients.
	ActiveFeedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Model
// calls routinely take several seconds, so the tail reaches two minutes.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.TurnDuration, err = histogram("hearth.turn.duration",
		"Latency of a conversation turn from start to resolution."); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = histogram("hearth.provider.duration",
		"Latency of a model generation including tool rounds."); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = histogram("hearth.tool_execution.duration",
		"Latency of tool execution."); err != nil {
		return nil, err
	}
	if met.VoiceDuration, err = histogram("hearth.voice.duration",
		"Latency of voiceover synthesis."); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("hearth.provider.requests",
		metric.WithDescription("Total generation attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("hearth.provider.errors",
		metric.WithDescription("Total failed generation attempts by provider and error kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("hearth.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Tasks, err = m.Int64Counter("hearth.tasks",
		metric.WithDescription("Total task status transitions by type and status."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("hearth.eventbus.dropped",
		metric.WithDescription("Asynchronous events dropped because the topic queue was full."),
	); err != nil {
		return nil, err
	}
	if met.HandlerPanics, err = m.Int64Counter("hearth.eventbus.panics",
		metric.WithDescription("Event handler panics recovered by the bus."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConnections, err = m.Int64UpDownCounter("hearth.socket.connections",
		metric.WithDescription("Number of open game socket connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveFeedClients, err = m.Int64UpDownCounter("hearth.eventfeed.clients",
		metric.WithDescription("Number of connected event feed clients."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("hearth.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records one generation attempt.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("status", status)),
	)
}

// RecordProviderError records one failed generation attempt.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)),
	)
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(Attr("tool", tool), Attr("status", status)),
	)
}

// RecordTask records a task entering status.
func (m *Metrics) RecordTask(ctx context.Context, taskType, status string) {
	m.Tasks.Add(ctx, 1,
		metric.WithAttributes(Attr("type", taskType), Attr("status", status)),
	)
}

// RecordDroppedEvent records an event that was discarded for topic.
func (m *Metrics) RecordDroppedEvent(ctx context.Context, topic string) {
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(Attr("topic", topic)))
}

// RecordHandlerPanic records a recovered handler panic for topic.
func (m *Metrics) RecordHandlerPanic(ctx context.Context, topic string) {
	m.HandlerPanics.Add(ctx, 1, metric.WithAttributes(Attr("topic", topic)))
}
