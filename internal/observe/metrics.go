// Package observe provides the observability primitives for the cycle
// engine: OpenTelemetry metrics, tracing helpers, trace-aware logging, and
// HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. Components take a *Metrics; a nil *Metrics is
// valid and records nothing, so tests and embedders can skip observability.
// Tests that assert on metrics use [NewMetrics] with a ManualReader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all engine metrics.
const meterName = "github.com/MrWong99/drillcycle"

// Metrics holds the metric instruments of the engine.
type Metrics struct {
	// --- Cycle ---

	// PhaseTransitions counts entered phases. Attribute: phase.
	PhaseTransitions metric.Int64Counter

	// ItemsCompleted counts item_completed events.
	ItemsCompleted metric.Int64Counter

	// AudioErrors counts failed plays. Attributes: phase, component.
	AudioErrors metric.Int64Counter

	// --- Timing ---

	// ResponseLatency records learner response latency in seconds.
	ResponseLatency metric.Float64Histogram

	// TimingResults counts analyzed cycles. Attribute: speech_detected.
	TimingResults metric.Int64Counter

	// --- Commentary ---

	// CommentaryPlayed counts surfaced commentary. Attribute: kind.
	CommentaryPlayed metric.Int64Counter

	// CommentaryInterval records the scheduled gap to the next commentary in
	// cycles. Attribute: doing_well.
	CommentaryInterval metric.Int64Histogram

	// PersistenceErrors counts ignored store failures. Attribute: op.
	PersistenceErrors metric.Int64Counter

	// --- Driving mode ---

	// Stalls counts stall recoveries. Attribute: action (nudge, skip).
	Stalls metric.Int64Counter

	// PlayRetries counts play retry attempts.
	PlayRetries metric.Int64Counter

	// PlayFallbacks counts clips abandoned after all retries.
	PlayFallbacks metric.Int64Counter

	// SilentBridges counts inter-clip gaps clamped as decode gaps.
	SilentBridges metric.Int64Counter

	// RoundsPlayed counts rounds finished in driving mode.
	RoundsPlayed metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks running learner sessions.
	ActiveSessions metric.Int64UpDownCounter

	// DrivingActive is 1 while driving mode runs.
	DrivingActive metric.Int64UpDownCounter

	// StreamClients tracks connected event stream clients.
	StreamClients metric.Int64UpDownCounter

	// --- Infrastructure ---

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// name, to.
	BreakerTransitions metric.Int64Counter

	// HTTPRequestDuration tracks HTTP handling time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are response-latency boundaries in seconds.
var latencyBuckets = []float64{0.25, 0.5, 0.75, 1, 1.5, 2, 3, 4, 6, 8}

// intervalBuckets are commentary-interval boundaries in cycles.
var intervalBuckets = []float64{27, 35, 45, 55, 65, 75, 85}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.PhaseTransitions, "drillcycle.cycle.phase_transitions", "Phases entered by phase."},
		{&met.ItemsCompleted, "drillcycle.cycle.items_completed", "Learning items completed."},
		{&met.AudioErrors, "drillcycle.audio.errors", "Failed plays by phase and component."},
		{&met.TimingResults, "drillcycle.timing.results", "Analyzed cycles by speech detection."},
		{&met.CommentaryPlayed, "drillcycle.commentary.played", "Commentary surfaced by kind."},
		{&met.PersistenceErrors, "drillcycle.persistence.errors", "Ignored persistence failures by operation."},
		{&met.Stalls, "drillcycle.driving.stalls", "Stall recoveries by action."},
		{&met.PlayRetries, "drillcycle.driving.play_retries", "Play retry attempts."},
		{&met.PlayFallbacks, "drillcycle.driving.play_fallbacks", "Clips abandoned after all retries."},
		{&met.SilentBridges, "drillcycle.driving.silent_bridges", "Inter-clip gaps clamped as decode gaps."},
		{&met.RoundsPlayed, "drillcycle.driving.rounds_played", "Rounds finished in driving mode."},
		{&met.BreakerTransitions, "drillcycle.breaker.transitions", "Circuit breaker transitions by name and target state."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	gauges := []struct {
		dst  *metric.Int64UpDownCounter
		name string
		desc string
	}{
		{&met.ActiveSessions, "drillcycle.active_sessions", "Running learner sessions."},
		{&met.DrivingActive, "drillcycle.driving.active", "1 while driving mode runs."},
		{&met.StreamClients, "drillcycle.stream.clients", "Connected event stream clients."},
	}
	for _, g := range gauges {
		if *g.dst, err = m.Int64UpDownCounter(g.name, metric.WithDescription(g.desc)); err != nil {
			return nil, err
		}
	}

	if met.ResponseLatency, err = m.Float64Histogram("drillcycle.timing.response_latency",
		metric.WithDescription("Delay between pause start and learner speech onset."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CommentaryInterval, err = m.Int64Histogram("drillcycle.commentary.interval",
		metric.WithDescription("Cycles until the next commentary."),
		metric.WithUnit("{cycle}"),
		metric.WithExplicitBucketBoundaries(intervalBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("drillcycle.http.request.duration",
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

// DefaultMetrics returns a process-wide instance built on the global meter
// provider. Panics if instrument creation fails.
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

func attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}

// RecordPhase counts an entered phase.
func (m *Metrics) RecordPhase(ctx context.Context, phase string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.Add(ctx, 1, attrs(attribute.String("phase", phase)))
}

// RecordItemCompleted counts a completed item.
func (m *Metrics) RecordItemCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ItemsCompleted.Add(ctx, 1)
}

// RecordAudioError counts a failed play.
func (m *Metrics) RecordAudioError(ctx context.Context, component, phase string) {
	if m == nil {
		return
	}
	m.AudioErrors.Add(ctx, 1, attrs(
		attribute.String("component", component),
		attribute.String("phase", phase),
	))
}

// RecordTiming records one timing result. latency is ignored when no speech
// was detected.
func (m *Metrics) RecordTiming(ctx context.Context, detected bool, latencySeconds float64) {
	if m == nil {
		return
	}
	m.TimingResults.Add(ctx, 1, attrs(attribute.Bool("speech_detected", detected)))
	if detected {
		m.ResponseLatency.Record(ctx, latencySeconds)
	}
}

// RecordCommentary counts a surfaced commentary clip.
func (m *Metrics) RecordCommentary(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.CommentaryPlayed.Add(ctx, 1, attrs(attribute.String("kind", kind)))
}

// RecordCommentaryInterval records a newly scheduled interval.
func (m *Metrics) RecordCommentaryInterval(ctx context.Context, cycles int, doingWell bool) {
	if m == nil {
		return
	}
	m.CommentaryInterval.Record(ctx, int64(cycles), attrs(attribute.Bool("doing_well", doingWell)))
}

// RecordPersistenceError counts an ignored store failure.
func (m *Metrics) RecordPersistenceError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.Add(ctx, 1, attrs(attribute.String("op", op)))
}

// RecordStall counts a stall recovery action.
func (m *Metrics) RecordStall(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.Stalls.Add(ctx, 1, attrs(attribute.String("action", action)))
}

// RecordPlayRetry counts a retry attempt.
func (m *Metrics) RecordPlayRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.PlayRetries.Add(ctx, 1)
}

// RecordPlayFallback counts an abandoned clip.
func (m *Metrics) RecordPlayFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.PlayFallbacks.Add(ctx, 1)
}

// RecordSilentBridge counts a clamped inter-clip gap.
func (m *Metrics) RecordSilentBridge(ctx context.Context) {
	if m == nil {
		return
	}
	m.SilentBridges.Add(ctx, 1)
}

// RecordRoundPlayed counts a finished driving-mode round.
func (m *Metrics) RecordRoundPlayed(ctx context.Context) {
	if m == nil {
		return
	}
	m.RoundsPlayed.Add(ctx, 1)
}

// AddActiveSessions adjusts the session gauge.
func (m *Metrics) AddActiveSessions(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, delta)
}

// AddDrivingActive adjusts the driving-mode gauge.
func (m *Metrics) AddDrivingActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.DrivingActive.Add(ctx, delta)
}

// AddStreamClients adjusts the stream client gauge.
func (m *Metrics) AddStreamClients(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.StreamClients.Add(ctx, delta)
}

// RecordBreakerTransition counts a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.Add(ctx, 1, attrs(
		attribute.String("name", name),
		attribute.String("to", to),
	))
}
