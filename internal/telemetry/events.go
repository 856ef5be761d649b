package telemetry

import (
	"time"

	"github.com/google/uuid"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// ── Event Factories ──────────────────────────────────────────
//
// Factories are pure: they build a new event and never touch their inputs.
// Completion, failure and decision events are derived from the matching
// start event so they share its session, provider and correlation fields.

// NewEvent builds an event with a fresh id.
func NewEvent(kind models.EventKind, sessionID, correlationID string, at time.Time, meta map[string]interface{}) models.TelemetryEvent {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return models.TelemetryEvent{
		ID:            uuid.New().String(),
		Kind:          kind,
		SessionID:     sessionID,
		Timestamp:     at,
		CorrelationID: correlationID,
		Meta:          meta,
	}
}

// derive copies start, gives it a new id, kind and time, and merges extra
// into a copy of its meta.
func derive(start models.TelemetryEvent, kind models.EventKind, at time.Time, extra map[string]interface{}) models.TelemetryEvent {
	meta := make(map[string]interface{}, len(start.Meta)+len(extra))
	for k, v := range start.Meta {
		meta[k] = v
	}
	for k, v := range extra {
		meta[k] = v
	}
	ev := start
	ev.ID = uuid.New().String()
	ev.Kind = kind
	ev.Timestamp = at
	ev.Meta = meta
	ev.LatencyMs = nil
	return ev
}

func latency(ms int64) *int64 { return &ms }

// SessionCreated records a new assistant session.
func SessionCreated(s *models.Session, at time.Time) models.TelemetryEvent {
	return NewEvent(models.EventSessionCreated, s.ID, s.ID, at, map[string]interface{}{
		"userId":      s.UserID,
		"provider":    string(s.Provider),
		"activeTools": len(s.ActiveTools),
	})
}

// ToolInvoked is the start event of an invocation.
func ToolInvoked(inv models.ToolInvocation, sc models.SafetyClassification, at time.Time) models.TelemetryEvent {
	b := inv.Common()
	return NewEvent(models.EventToolInvoked, b.SessionID, b.CorrelationID, at, map[string]interface{}{
		"invocationId":     b.ID,
		"toolId":           b.ToolID,
		"provider":         b.Provider,
		"phase":            string(inv.Phase()),
		"safetyClass":      string(sc.SafetyClass),
		"requiresApproval": sc.RequiresApproval,
	})
}

// ToolTransition records one phase change, derived from the start event.
func ToolTransition(start models.TelemetryEvent, from models.Phase, inv models.ToolInvocation, at time.Time) models.TelemetryEvent {
	b := inv.Common()
	ev := derive(start, models.EventToolTransition, at, map[string]interface{}{
		"from":       string(from),
		"phase":      string(inv.Phase()),
		"chunkCount": b.Metrics.ChunkCount,
	})
	if b.QueuePosition > 0 {
		ev.Meta["queuePosition"] = b.QueuePosition
	}
	return ev
}

// ToolCompleted closes a start event for a succeeded invocation.
func ToolCompleted(start models.TelemetryEvent, inv models.ToolInvocation, at time.Time) models.TelemetryEvent {
	ev := derive(start, models.EventToolCompleted, at, terminalMeta(inv))
	if d := inv.Common().Metrics.DurationMs; d != nil {
		ev.LatencyMs = latency(*d)
	}
	return ev
}

// ToolFailed closes a start event for a failed, aborted or timed out
// invocation.
func ToolFailed(start models.TelemetryEvent, inv models.ToolInvocation, at time.Time) models.TelemetryEvent {
	extra := terminalMeta(inv)
	switch t := inv.(type) {
	case models.Failed:
		extra["errorCode"] = t.Error.Code
		extra["error"] = t.Error.Message
	case models.Aborted:
		extra["abortedBy"] = string(t.AbortedBy)
		extra["reason"] = t.Reason
	case models.TimedOut:
		extra["reason"] = t.Reason
	}
	ev := derive(start, models.EventToolFailed, at, extra)
	if d := inv.Common().Metrics.DurationMs; d != nil {
		ev.LatencyMs = latency(*d)
	}
	return ev
}

func terminalMeta(inv models.ToolInvocation) map[string]interface{} {
	m := inv.Common().Metrics
	meta := map[string]interface{}{
		"phase":      string(inv.Phase()),
		"chunkCount": m.ChunkCount,
		"retryCount": m.RetryCount,
	}
	if m.QueueWaitMs != nil {
		meta["queueWaitMs"] = *m.QueueWaitMs
	}
	if m.ExecutionMs != nil {
		meta["executionMs"] = *m.ExecutionMs
	}
	if m.ApprovalWaitMs != nil {
		meta["approvalWaitMs"] = *m.ApprovalWaitMs
	}
	return meta
}

// ApprovalRequested is derived from the invocation's start event.
func ApprovalRequested(start models.TelemetryEvent, approvalID string, expiresAt *time.Time, at time.Time) models.TelemetryEvent {
	extra := map[string]interface{}{"approvalId": approvalID}
	if expiresAt != nil {
		extra["expiresAt"] = expiresAt.UTC().Format(time.RFC3339Nano)
	}
	return derive(start, models.EventApprovalRequested, at, extra)
}

// ApprovalDecided closes an approval request.
func ApprovalDecided(requested models.TelemetryEvent, decision models.ApprovalDecision, reason string, at time.Time) models.TelemetryEvent {
	ev := derive(requested, models.EventApprovalDecided, at, map[string]interface{}{
		"decision": string(decision),
		"reason":   reason,
	})
	ev.LatencyMs = latency(at.Sub(requested.Timestamp).Milliseconds())
	return ev
}

// HealthSnapshot records a health status transition.
func HealthSnapshot(prev, next models.HealthSnapshot) models.TelemetryEvent {
	ev := NewEvent(models.EventHealthSnapshot, "", "", next.Timestamp, map[string]interface{}{
		"status":         string(next.Status),
		"previousStatus": string(prev.Status),
	})
	if next.Error != "" {
		ev.Meta["error"] = next.Error
	}
	if next.LatencyMs != nil {
		ev.LatencyMs = latency(*next.LatencyMs)
	}
	return ev
}

// CapabilityLoaded records a manifest load outcome.
func CapabilityLoaded(m models.CapabilityManifest, errCount int, at time.Time) models.TelemetryEvent {
	meta := map[string]interface{}{
		"manifestId":   m.ManifestID,
		"version":      m.Version,
		"source":       string(m.Source),
		"capabilities": len(m.Capabilities),
		"errors":       errCount,
	}
	if m.RejectionReason != "" {
		meta["rejectionReason"] = m.RejectionReason
	}
	return NewEvent(models.EventCapabilityLoaded, "", m.ManifestID, at, meta)
}

// PipelineStarted is derived from the invoking tool's start event.
func PipelineStarted(toolStart models.TelemetryEvent, pipeline string, at time.Time) models.TelemetryEvent {
	return derive(toolStart, models.EventPipelineStarted, at, map[string]interface{}{"pipeline": pipeline})
}

// PipelineFinished closes a pipeline start event.
func PipelineFinished(started models.TelemetryEvent, at time.Time) models.TelemetryEvent {
	ev := derive(started, models.EventPipelineFinished, at, nil)
	ev.LatencyMs = latency(at.Sub(started.Timestamp).Milliseconds())
	return ev
}

// PipelineFailed closes a pipeline start event with an error.
func PipelineFailed(started models.TelemetryEvent, errMsg string, at time.Time) models.TelemetryEvent {
	ev := derive(started, models.EventPipelineFailed, at, map[string]interface{}{"error": errMsg})
	ev.LatencyMs = latency(at.Sub(started.Timestamp).Milliseconds())
	return ev
}

// Envelope groups events for export.
func Envelope(sessionID string, events []models.TelemetryEvent, at time.Time) models.TelemetryEnvelope {
	if events == nil {
		events = []models.TelemetryEvent{}
	}
	return models.TelemetryEnvelope{GeneratedAt: at, SessionID: sessionID, Events: events}
}
