package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	RequirementSaves *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
	MintLatency      prometheus.Histogram

	window *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active intake sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		RequirementSaves: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requirement_saves_total",
			Help:      "Requirement save attempts by outcome.",
		}, []string{"outcome"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream API errors by operation and code.",
		}, []string{"operation", "code"}),
		MintLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mint_session_latency_ms",
			Help:      "Latency of ephemeral credential minting in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		window: newStageWindow(256),
	}
}

func (m *Metrics) ObserveMintLatency(d time.Duration) {
	m.MintLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe(StageMintSession, float64(d.Milliseconds()))
}

// ObserveStage records one latency sample into the rolling stats window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.window.Observe(stage, float64(d.Milliseconds()))
}

// SnapshotStages reports rolling latency stats for the perf endpoint.
func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
