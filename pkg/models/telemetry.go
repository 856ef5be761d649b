package models

import "time"

// ── Telemetry Events ─────────────────────────────────────────

// EventKind names a telemetry record type.
type EventKind string

const (
	EventSessionCreated    EventKind = "session.created"
	EventToolInvoked       EventKind = "tool.invoked"
	EventToolCompleted     EventKind = "tool.completed"
	EventToolFailed        EventKind = "tool.failed"
	EventToolTransition    EventKind = "tool.transition"
	EventApprovalRequested EventKind = "approval.requested"
	EventApprovalDecided   EventKind = "approval.decided"
	EventHealthSnapshot    EventKind = "health.snapshot"
	EventCapabilityLoaded  EventKind = "capability.loaded"
	EventPipelineStarted   EventKind = "pipeline.started"
	EventPipelineFinished  EventKind = "pipeline.finished"
	EventPipelineFailed    EventKind = "pipeline.failed"
)

// TelemetryEvent is an append-only audit record. Never mutate one after
// creation; derive a new event instead.
type TelemetryEvent struct {
	ID            string                 `json:"id"`
	Kind          EventKind              `json:"kind"`
	SessionID     string                 `json:"sessionId,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	LatencyMs     *int64                 `json:"latencyMs,omitempty"`
	Meta          map[string]interface{} `json:"meta"`
}

// TelemetryEnvelope groups a batch of events for export.
type TelemetryEnvelope struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	SessionID   string           `json:"sessionId,omitempty"`
	Events      []TelemetryEvent `json:"events"`
}
