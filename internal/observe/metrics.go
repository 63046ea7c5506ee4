// Package observe provides application-wide observability primitives for
// Quill: OpenTelemetry metrics and the provider setup that bridges them to a
// Prometheus /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Quill metrics.
const meterName = "github.com/quillaudio/quill"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Mixer ---

	// MixerTicks counts mixer output frames (one per tick, gap-free).
	MixerTicks metric.Int64Counter

	// SilenceFills counts ticks where a source missed its grace window and
	// contributed silence. Use with attribute.String("source", ...).
	SilenceFills metric.Int64Counter

	// LateDrops counts stale source frames discarded after their tick's
	// grace window had already elapsed. Use with attribute.String("source", ...).
	LateDrops metric.Int64Counter

	// --- Sources ---

	// SourceDrops counts frames a source stream dropped after missing its
	// real-time deadline. Use with attribute.String("source", ...).
	SourceDrops metric.Int64Counter

	// ActiveSources tracks the number of currently streaming sources.
	ActiveSources metric.Int64UpDownCounter

	// --- Recognizer adapter ---

	// FeedDuration tracks per-frame recognizer feed latency.
	FeedDuration metric.Float64Histogram

	// FeedErrors counts recognizer feed failures (treated as drops).
	FeedErrors metric.Int64Counter

	// AdapterDrops counts mixed frames dropped because the feed queue
	// saturated while the recognizer fell behind.
	AdapterDrops metric.Int64Counter

	// FinalEvents counts finalized transcript events emitted.
	FinalEvents metric.Int64Counter

	// --- Transcript sink ---

	// SinkFlushes counts successful autosave flushes.
	SinkFlushes metric.Int64Counter

	// SinkWriteErrors counts flush attempts that failed even after retry.
	SinkWriteErrors metric.Int64Counter

	// --- Session ---

	// SessionsStarted counts successful session starts.
	SessionsStarted metric.Int64Counter

	// InvalidTransitions counts ignored state-machine commands. Use with
	// attribute.String("command", ...).
	InvalidTransitions metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// soft real-time frame feeds: one frame is 32 ms.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.032, 0.064, 0.128, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.MixerTicks, err = m.Int64Counter("quill.mixer.ticks",
		metric.WithDescription("Mixer output frames, one per tick."),
	); err != nil {
		return nil, err
	}
	if met.SilenceFills, err = m.Int64Counter("quill.mixer.silence_fills",
		metric.WithDescription("Ticks where a source was silence-filled after missing the grace window."),
	); err != nil {
		return nil, err
	}
	if met.LateDrops, err = m.Int64Counter("quill.mixer.late_drops",
		metric.WithDescription("Stale source frames dropped after their tick's grace window elapsed."),
	); err != nil {
		return nil, err
	}
	if met.SourceDrops, err = m.Int64Counter("quill.source.dropped_frames",
		metric.WithDescription("Frames dropped by a source stream after missing its real-time deadline."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSources, err = m.Int64UpDownCounter("quill.source.active",
		metric.WithDescription("Number of currently streaming sources."),
	); err != nil {
		return nil, err
	}
	if met.FeedDuration, err = m.Float64Histogram("quill.recognizer.feed.duration",
		metric.WithDescription("Per-frame recognizer feed latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FeedErrors, err = m.Int64Counter("quill.recognizer.feed.errors",
		metric.WithDescription("Recognizer feed failures, treated as dropped frames."),
	); err != nil {
		return nil, err
	}
	if met.AdapterDrops, err = m.Int64Counter("quill.adapter.dropped_frames",
		metric.WithDescription("Mixed frames dropped because the recognizer feed queue saturated."),
	); err != nil {
		return nil, err
	}
	if met.FinalEvents, err = m.Int64Counter("quill.transcript.finals",
		metric.WithDescription("Finalized transcript events emitted."),
	); err != nil {
		return nil, err
	}
	if met.SinkFlushes, err = m.Int64Counter("quill.sink.flushes",
		metric.WithDescription("Successful autosave flushes to the transcript file."),
	); err != nil {
		return nil, err
	}
	if met.SinkWriteErrors, err = m.Int64Counter("quill.sink.write_errors",
		metric.WithDescription("Transcript flushes that failed after one retry."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("quill.session.starts",
		metric.WithDescription("Successful session starts."),
	); err != nil {
		return nil, err
	}
	if met.InvalidTransitions, err = m.Int64Counter("quill.session.invalid_transitions",
		metric.WithDescription("State-machine commands ignored because the session was in the wrong state."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics init: " + err.Error())
		}
	})
	return defaultMetrics
}
