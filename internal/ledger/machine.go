// Package ledger models tool invocations as a single-writer state machine
// and keeps the live set of invocations for the process lifetime.
//
// Every transition returns a new variant. Timestamps are stamped by the
// phase rules below and metrics are always recomputed from them:
//
//	executing/streaming/completing  started (first entry only)
//	streaming                       firstChunk (first entry only), chunkCount++
//	approval-pending                approvalRequested
//	terminal                        completed, approvalResolved backfilled
//
// Phases only move forward by rank (see models.Phase.Rank). The equal-rank
// moves allowed are streaming→streaming (another chunk), queued→queued
// (queue position refresh), queued→approval-pending (once) and
// approval-pending→queued (after the approval is resolved).
package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// Update carries the phase-specific fields of a transition.
type Update struct {
	Chunk         string
	Result        interface{}
	Error         *models.InvocationError
	AbortedBy     models.AbortedBy
	Reason        string
	ExpiresAt     *time.Time
	ApprovalID    string
	QueuePosition *int
	// ResolveApproval stamps approvalResolved. Required to leave
	// approval-pending for a non-terminal phase.
	ResolveApproval bool
}

// New creates a queued invocation stamped at now.
func New(sessionID, toolID, provider string, params map[string]interface{}, correlationID string, now time.Time) models.Queued {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return models.Queued{InvocationBase: models.InvocationBase{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		ToolID:        toolID,
		Provider:      provider,
		Parameters:    params,
		CorrelationID: correlationID,
		Timestamps:    models.Timestamps{Queued: now},
	}}
}

// Transition is the sole mutation primitive. It returns a
// *models.GateError with code already_terminal or invalid_transition when
// the move is not allowed.
func Transition(cur models.ToolInvocation, next models.Phase, upd Update, now time.Time) (models.ToolInvocation, error) {
	from := cur.Phase()
	base := cur.Common()

	if from.Terminal() {
		return nil, models.NewGateError(models.KindValidation, models.CodeAlreadyTerminal,
			"invocation %s is already %s", base.ID, from)
	}
	if next.Rank() < 0 {
		return nil, invalid(base.ID, from, next, "unknown phase")
	}
	if err := checkOrder(base, from, next, upd); err != nil {
		return nil, err
	}

	ts := base.Timestamps
	ts.Started = cloneTime(ts.Started)
	ts.FirstChunk = cloneTime(ts.FirstChunk)
	ts.ApprovalRequested = cloneTime(ts.ApprovalRequested)
	ts.ApprovalResolved = cloneTime(ts.ApprovalResolved)

	stamp := now
	switch next {
	case models.PhaseExecuting, models.PhaseCompleting:
		if ts.Started == nil {
			ts.Started = &stamp
		}
	case models.PhaseStreaming:
		if ts.Started == nil {
			ts.Started = &stamp
		}
		if ts.FirstChunk == nil {
			ts.FirstChunk = &stamp
		}
		base.Metrics.ChunkCount++
	case models.PhaseApprovalPending:
		ts.ApprovalRequested = &stamp
	}
	if upd.ResolveApproval && ts.ApprovalRequested != nil && ts.ApprovalResolved == nil {
		ts.ApprovalResolved = &stamp
	}
	if next.Terminal() {
		ts.Completed = &stamp
		// An approval that was requested but never resolved is closed at
		// completion so approvalWaitMs stays defined.
		if ts.ApprovalRequested != nil && ts.ApprovalResolved == nil {
			ts.ApprovalResolved = &stamp
		}
	}

	base.Timestamps = ts
	base.Metrics = recompute(ts, base.Metrics)
	if upd.ApprovalID != "" {
		base.ApprovalID = upd.ApprovalID
	}
	if upd.QueuePosition != nil {
		base.QueuePosition = *upd.QueuePosition
	}
	if next != models.PhaseQueued {
		base.QueuePosition = 0
	}

	switch next {
	case models.PhaseQueued:
		return models.Queued{InvocationBase: base}, nil
	case models.PhaseValidating:
		return models.Validating{InvocationBase: base}, nil
	case models.PhaseExecuting:
		return models.Executing{InvocationBase: base}, nil
	case models.PhaseStreaming:
		return models.Streaming{InvocationBase: base, LastChunk: upd.Chunk}, nil
	case models.PhaseApprovalPending:
		return models.ApprovalPending{InvocationBase: base, ExpiresAt: upd.ExpiresAt}, nil
	case models.PhaseCompleting:
		return models.Completing{InvocationBase: base, Result: upd.Result}, nil
	case models.PhaseSucceeded:
		result := upd.Result
		if result == nil {
			if c, ok := cur.(models.Completing); ok {
				result = c.Result
			}
		}
		return models.Succeeded{InvocationBase: base, Result: result}, nil
	case models.PhaseFailed:
		e := models.InvocationError{Code: models.CodeExecutorFailed, Message: "invocation failed"}
		if upd.Error != nil {
			e = *upd.Error
		}
		return models.Failed{InvocationBase: base, Error: e}, nil
	case models.PhaseAborted:
		by := upd.AbortedBy
		if by == "" {
			by = models.AbortedBySystem
		}
		return models.Aborted{InvocationBase: base, AbortedBy: by, Reason: upd.Reason}, nil
	default:
		return models.TimedOut{InvocationBase: base, Reason: upd.Reason}, nil
	}
}

func checkOrder(base models.InvocationBase, from, next models.Phase, upd Update) error {
	fromRank, nextRank := from.Rank(), next.Rank()
	if nextRank < fromRank {
		return invalid(base.ID, from, next, "phases cannot regress")
	}

	if from == models.PhaseApprovalPending && base.Timestamps.ApprovalResolved == nil && !upd.ResolveApproval {
		switch next {
		case models.PhaseAborted, models.PhaseTimeout:
		default:
			return invalid(base.ID, from, next, "approval is unresolved")
		}
	}

	if nextRank == fromRank {
		switch {
		case from == models.PhaseStreaming && next == models.PhaseStreaming:
		case from == models.PhaseQueued && next == models.PhaseQueued:
		case from == models.PhaseQueued && next == models.PhaseApprovalPending:
			if base.Timestamps.ApprovalRequested != nil {
				return invalid(base.ID, from, next, "approval was already requested")
			}
		case from == models.PhaseApprovalPending && next == models.PhaseQueued:
		default:
			return invalid(base.ID, from, next, "phase does not advance")
		}
	}
	return nil
}

func invalid(id string, from, next models.Phase, why string) error {
	return models.NewGateError(models.KindValidation, models.CodeInvalidTransition,
		"invocation %s: %s -> %s: %s", id, from, next, why)
}

func recompute(ts models.Timestamps, prev models.Metrics) models.Metrics {
	m := models.Metrics{RetryCount: prev.RetryCount, ChunkCount: prev.ChunkCount}
	queued := ts.Queued
	m.QueueWaitMs = delta(&queued, ts.Started)
	m.ExecutionMs = delta(ts.Started, ts.Completed)
	m.DurationMs = delta(&queued, ts.Completed)
	m.ApprovalWaitMs = delta(ts.ApprovalRequested, ts.ApprovalResolved)
	return m
}

func delta(from, to *time.Time) *int64 {
	if from == nil || to == nil || from.IsZero() {
		return nil
	}
	ms := to.Sub(*from).Milliseconds()
	return &ms
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
