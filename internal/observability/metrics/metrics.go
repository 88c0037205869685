// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_scribe_gateway"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Caller connection metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge

	// Session metrics
	SessionsCreated   prometheus.Counter
	SessionsDestroyed *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	SessionDuration   prometheus.Histogram

	// Segment metrics
	SegmentsEmitted    *prometheus.CounterVec
	PartialsSuppressed prometheus.Counter

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioChunksReceived prometheus.Counter
	AudioChunksDropped  *prometheus.CounterVec

	// Upstream metrics
	UpstreamConnectLatency *prometheus.HistogramVec
	UpstreamErrors         *prometheus.CounterVec
	CredentialsIssued      *prometheus.CounterVec

	// Downstream publish metrics
	PublishTotal   *prometheus.CounterVec
	PublishErrors  *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec

	// gRPC metrics
	GRPCCalls    *prometheus.CounterVec
	HealthChecks *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of caller connections accepted",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open caller connections",
		}),

		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of transcription sessions created",
		}),
		SessionsDestroyed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Total number of transcription sessions destroyed",
		}, []string{"reason"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently live transcription sessions",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of transcription sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}),

		SegmentsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_emitted_total",
			Help:      "Total number of display segments emitted",
		}, []string{"kind"}),
		PartialsSuppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partials_suppressed_total",
			Help:      "Partial previews suppressed because another speaker holds the floor",
		}),

		AudioBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total decoded audio bytes forwarded upstream",
		}),
		AudioChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_received_total",
			Help:      "Total audio chunks received from callers",
		}),
		AudioChunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Total audio chunks dropped before reaching the upstream service",
		}, []string{"reason"}),

		UpstreamConnectLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_latency_seconds",
			Help:      "Time from connect request to session started",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total number of session-fatal errors",
		}, []string{"provider", "kind"}),
		CredentialsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_issued_total",
			Help:      "Total number of upstream credential requests",
		}, []string{"result"}),

		PublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Total number of downstream publish attempts",
		}, []string{"sink", "kind"}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total number of downstream publish errors",
		}, []string{"sink", "kind"}),
		PublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_latency_seconds",
			Help:      "Downstream publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"sink"}),

		GRPCCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "Total number of gRPC calls by service, method and code",
		}, []string{"service", "method", "code"}),
		HealthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "gRPC health checks by queried service and reported status",
		}, []string{"service", "status"}),
	}
}

// RecordConnectionOpen records a caller connection being accepted.
func (m *Metrics) RecordConnectionOpen() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// RecordConnectionClosed records a caller connection going away.
func (m *Metrics) RecordConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionDestroyed records a session being torn down.
func (m *Metrics) RecordSessionDestroyed(reason string, durationSeconds float64) {
	m.SessionsDestroyed.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSegment records an emitted display segment.
func (m *Metrics) RecordSegment(partial bool) {
	if partial {
		m.SegmentsEmitted.WithLabelValues("partial").Inc()
		return
	}
	m.SegmentsEmitted.WithLabelValues("final").Inc()
}

// RecordPartialSuppressed records a suppressed partial preview.
func (m *Metrics) RecordPartialSuppressed() {
	m.PartialsSuppressed.Inc()
}

// RecordAudioReceived records an inbound chunk.
func (m *Metrics) RecordAudioReceived() {
	m.AudioChunksReceived.Inc()
}

// RecordAudioForwarded records decoded bytes sent upstream.
func (m *Metrics) RecordAudioForwarded(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
}

// RecordChunkDropped records a chunk that never reached the upstream service.
func (m *Metrics) RecordChunkDropped(reason string) {
	m.AudioChunksDropped.WithLabelValues(reason).Inc()
}

// RecordUpstreamConnected records the time it took to reach session started.
func (m *Metrics) RecordUpstreamConnected(provider string, latencySeconds float64) {
	m.UpstreamConnectLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordUpstreamError records a session-fatal error by taxonomy kind.
func (m *Metrics) RecordUpstreamError(provider, kind string) {
	m.UpstreamErrors.WithLabelValues(provider, kind).Inc()
}

// RecordCredential records a credential request outcome.
func (m *Metrics) RecordCredential(err error) {
	if err != nil {
		m.CredentialsIssued.WithLabelValues("error").Inc()
		return
	}
	m.CredentialsIssued.WithLabelValues("ok").Inc()
}

// RecordPublish records a downstream publish attempt.
func (m *Metrics) RecordPublish(sink, kind string, err error, latencySeconds float64) {
	m.PublishTotal.WithLabelValues(sink, kind).Inc()
	m.PublishLatency.WithLabelValues(sink).Observe(latencySeconds)
	if err != nil {
		m.PublishErrors.WithLabelValues(sink, kind).Inc()
	}
}

// RecordGRPCCall records a completed gRPC call.
func (m *Metrics) RecordGRPCCall(service, method, code string) {
	m.GRPCCalls.WithLabelValues(service, method, code).Inc()
}

// RecordHealthCheck records the status answered for a health probe.
func (m *Metrics) RecordHealthCheck(service, status string) {
	m.HealthChecks.WithLabelValues(service, status).Inc()
}
