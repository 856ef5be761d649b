package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// ── Prometheus Metrics ──────────────────────────────────────

var (
	// invocationsTotal counts invocations reaching a terminal phase.
	// Labels: tool, phase (succeeded, failed, aborted, timeout)
	invocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Subsystem: "invocations",
		Name:      "total",
		Help:      "Invocations by tool and terminal phase",
	}, []string{"tool", "phase"})

	// invocationDurationSeconds measures queued → completed per tool.
	invocationDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "toolgate",
		Subsystem: "invocations",
		Name:      "duration_seconds",
		Help:      "End-to-end invocation duration including queue and approval wait",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"tool"})

	// rejectionsTotal counts synchronous gate rejections by code.
	rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Subsystem: "gate",
		Name:      "rejections_total",
		Help:      "Synchronous gate rejections by machine code",
	}, []string{"code"})

	executingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "toolgate",
		Subsystem: "admission",
		Name:      "executing",
		Help:      "Invocations currently holding an execution slot",
	})

	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "toolgate",
		Subsystem: "admission",
		Name:      "queue_depth",
		Help:      "Invocations waiting for an execution slot",
	})

	// healthStatusGauge is 1 for the current status and 0 for the others.
	healthStatusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "toolgate",
		Subsystem: "health",
		Name:      "status",
		Help:      "Current backing service health (1 = active status)",
	}, []string{"status"})

	probeLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "toolgate",
		Subsystem: "health",
		Name:      "probe_latency_seconds",
		Help:      "Health probe round-trip latency",
		Buckets:   prometheus.DefBuckets,
	})

	// manifestLoadsTotal counts manifest loads.
	// Labels: source (remote, file, builtin, cached), outcome (accepted, rejected, error)
	manifestLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Subsystem: "manifest",
		Name:      "loads_total",
		Help:      "Capability manifest loads by source and outcome",
	}, []string{"source", "outcome"})
)

// RecordTerminal records an invocation reaching a terminal phase.
func RecordTerminal(inv models.ToolInvocation) {
	b := inv.Common()
	invocationsTotal.WithLabelValues(b.ToolID, string(inv.Phase())).Inc()
	if b.Metrics.DurationMs != nil {
		invocationDurationSeconds.WithLabelValues(b.ToolID).Observe(float64(*b.Metrics.DurationMs) / 1000)
	}
}

// RecordRejection records a synchronous gate rejection.
func RecordRejection(code string) {
	rejectionsTotal.WithLabelValues(code).Inc()
}

// SetAdmission publishes the admission controller counters.
func SetAdmission(executing, queued int) {
	executingGauge.Set(float64(executing))
	queueDepthGauge.Set(float64(queued))
}

// SetHealthStatus marks status as the active health status.
func SetHealthStatus(status models.HealthStatus) {
	for _, s := range []models.HealthStatus{models.HealthAvailable, models.HealthDegraded, models.HealthUnavailable, models.HealthUnknown} {
		v := 0.0
		if s == status {
			v = 1
		}
		healthStatusGauge.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveProbe records one probe round trip.
func ObserveProbe(latencyMs int64) {
	probeLatencySeconds.Observe(float64(latencyMs) / 1000)
}

// RecordManifestLoad records a manifest load outcome.
func RecordManifestLoad(source models.ManifestSource, outcome string) {
	manifestLoadsTotal.WithLabelValues(string(source), outcome).Inc()
}
