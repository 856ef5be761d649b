package models

import "time"

// ── Health ───────────────────────────────────────────────────

// HealthStatus is the classified health of the backing service.
type HealthStatus string

const (
	HealthAvailable   HealthStatus = "available"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
	HealthUnknown     HealthStatus = "unknown"
)

// ProbeStatus is what the backing service reports about itself.
type ProbeStatus string

const (
	ProbeHealthy   ProbeStatus = "healthy"
	ProbeDegraded  ProbeStatus = "degraded"
	ProbeUnhealthy ProbeStatus = "unhealthy"
	ProbeUnknown   ProbeStatus = "unknown"
)

// ProbeResult is one response from the health probe.
type ProbeResult struct {
	Status    ProbeStatus `json:"status"`
	LatencyMs int64       `json:"latencyMs"`
	Message   string      `json:"message,omitempty"`
}

// HealthSnapshot is the latest classified poll result.
type HealthSnapshot struct {
	Status    HealthStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	LatencyMs *int64       `json:"latencyMs,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// FallbackCapabilities are the coarse switches derived from health.
type FallbackCapabilities struct {
	CanReadContext bool `json:"canReadContext"`
	CanValidate    bool `json:"canValidate"`
	CanBuildGraph  bool `json:"canBuildGraph"`
	CanRunImpact   bool `json:"canRunImpact"`
	CanGenerate    bool `json:"canGenerate"`
	CanUseAI       bool `json:"canUseAI"`
}
