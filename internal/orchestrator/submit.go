package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Lukeus/my-context-kit-sub013/internal/health"
	"github.com/Lukeus/my-context-kit-sub013/internal/ledger"
	"github.com/Lukeus/my-context-kit-sub013/internal/safety"
	"github.com/Lukeus/my-context-kit-sub013/internal/telemetry"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// SubmitInvocation gates a tool request and, when it passes, creates a
// queued invocation and hands it to admission. Gate failures return a
// *models.GateError and create no invocation, except an approval_required
// failure with Approval.Await set, which parks the invocation in
// approval-pending.
func (o *Orchestrator) SubmitInvocation(ctx context.Context, req models.SubmitRequest) (*models.SubmitResult, error) {
	if req.ToolID == "" {
		return nil, o.reject(req, models.NewGateError(models.KindValidation, models.CodeInvalidParameters,
			"toolId is required"))
	}
	sess, err := o.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, o.reject(req, err)
	}
	if err := o.checkCapability(req.ToolID); err != nil {
		return nil, o.reject(req, err)
	}

	status := o.health.Snapshot().Status
	if err := checkHealth(status, req.ToolID); err != nil {
		return nil, o.reject(req, err)
	}

	var approval models.ApprovalContext
	if req.Approval != nil {
		approval = *req.Approval
	}
	sc := o.classifier.Classify(req.ToolID)
	if err := o.classifier.ValidateInvocation(req.ToolID, approval.Granted, approval.Reason, o.gatingFor(status)); err != nil {
		var ge *models.GateError
		if errors.As(err, &ge) && ge.Code == models.CodeApprovalRequired && approval.Await {
			return o.awaitApproval(sess, req, sc, approval)
		}
		return nil, o.reject(req, err)
	}

	inv := o.ledger.Create(sess.ID, req.ToolID, string(sess.Provider), req.Parameters, req.CorrelationID)
	r := o.startRun(inv, sc, req.Timeout, approval.Reason)
	pos := o.admit(r, inv.ID)

	phase := models.PhaseQueued
	if cur, ok := o.ledger.Get(inv.ID); ok {
		phase = cur.Phase()
	}
	return &models.SubmitResult{InvocationID: inv.ID, Phase: phase, QueuePosition: pos}, nil
}

// awaitApproval creates the invocation in approval-pending and arms the
// approval expiry.
func (o *Orchestrator) awaitApproval(sess *models.Session, req models.SubmitRequest, sc models.SafetyClassification, approval models.ApprovalContext) (*models.SubmitResult, error) {
	inv := o.ledger.Create(sess.ID, req.ToolID, string(sess.Provider), req.Parameters, req.CorrelationID)
	r := o.startRun(inv, sc, req.Timeout, approval.Reason)

	ttl := approval.TTL
	if ttl <= 0 {
		ttl = o.opts.ApprovalTTL
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := o.now().Add(ttl)
		expiresAt = &t
	}

	approvalID := uuid.New().String()
	pending, err := o.step(r, inv.ID, models.PhaseApprovalPending, ledger.Update{
		ApprovalID: approvalID,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	requested := telemetry.ApprovalRequested(r.invoked, approvalID, expiresAt, o.now())
	r.requested = &requested
	o.recorder.Record(requested)
	if ttl > 0 {
		r.approvalTimer = time.AfterFunc(ttl, func() {
			if err := o.ResolveApproval(context.Background(), approvalID, models.ApprovalExpired, ""); err != nil {
				log.Debug().Err(err).Str("approval_id", approvalID).Msg("Approval expiry skipped")
			}
		})
	}
	r.mu.Unlock()

	log.Info().
		Str("invocation_id", inv.ID).
		Str("approval_id", approvalID).
		Str("tool_id", req.ToolID).
		Str("safety_class", string(sc.SafetyClass)).
		Msg("Invocation awaiting approval")

	return &models.SubmitResult{
		InvocationID: inv.ID,
		Phase:        pending.Phase(),
		ApprovalID:   approvalID,
	}, nil
}

// ResolveApproval applies an external approval decision. Approved
// invocations are checked for a sufficient reason and queued for
// admission; a reason that is too short leaves the approval pending.
// Rejected invocations are aborted by the user and expired ones time out.
func (o *Orchestrator) ResolveApproval(_ context.Context, approvalID string, decision models.ApprovalDecision, reason string) error {
	if !decision.Valid() {
		return models.NewGateError(models.KindValidation, models.CodeInvalidParameters,
			"unknown approval decision %q", decision)
	}
	inv, ok := o.ledger.ByApproval(approvalID)
	if !ok {
		return models.NewGateError(models.KindNotFound, models.CodeApprovalNotFound,
			"approval %s not found", approvalID)
	}
	id := inv.Common().ID
	if inv.Phase().Terminal() {
		return models.NewGateError(models.KindValidation, models.CodeAlreadyTerminal,
			"invocation %s is already %s", id, inv.Phase())
	}
	if inv.Phase() != models.PhaseApprovalPending {
		return models.NewGateError(models.KindValidation, models.CodeInvalidTransition,
			"approval %s was already resolved", approvalID)
	}
	r := o.lookup(id)
	if r == nil {
		return models.NewGateError(models.KindValidation, models.CodeAlreadyTerminal,
			"invocation %s is no longer live", id)
	}
	if reason == "" {
		reason = r.reason
	}

	switch decision {
	case models.ApprovalApproved:
		gating := o.gatingFor(o.health.Snapshot().Status)
		if gating.ClassificationEnforced {
			if err := safety.Check(r.sc, inv.Common().ToolID, true, reason, gating.ReasonMinLength); err != nil {
				telemetry.RecordRejection(models.CodeReasonTooShort)
				log.Warn().Err(err).Str("approval_id", approvalID).Msg("Approval rejected by gate")
				return err
			}
		}
		decided := o.decidedEvent(r, decision, reason)
		if _, err := o.stepFrom(r, id, models.PhaseApprovalPending, models.PhaseQueued,
			ledger.Update{ResolveApproval: true}, decided...); err != nil {
			return err
		}
		r.stopApprovalTimer()
		o.admit(r, id)

	case models.ApprovalRejected:
		if reason == "" {
			reason = "approval rejected"
		}
		decided := o.decidedEvent(r, decision, reason)
		if _, err := o.finishFrom(r, id, models.PhaseApprovalPending, models.PhaseAborted, ledger.Update{
			AbortedBy: models.AbortedByUser,
			Reason:    reason,
		}, decided...); err != nil {
			return err
		}

	case models.ApprovalExpired:
		decided := o.decidedEvent(r, decision, reason)
		if _, err := o.finishFrom(r, id, models.PhaseApprovalPending, models.PhaseTimeout,
			ledger.Update{Reason: "approval expired"}, decided...); err != nil {
			return err
		}
	}

	log.Info().
		Str("approval_id", approvalID).
		Str("invocation_id", id).
		Str("decision", string(decision)).
		Msg("Approval resolved")
	return nil
}

// CancelInvocation aborts a non-terminal invocation. A queued invocation is
// also removed from the admission queue.
func (o *Orchestrator) CancelInvocation(_ context.Context, id string, by models.AbortedBy, reason string) (models.ToolInvocation, error) {
	inv, err := o.GetInvocation(id)
	if err != nil {
		return nil, err
	}
	if inv.Phase().Terminal() {
		return nil, models.NewGateError(models.KindValidation, models.CodeAlreadyTerminal,
			"invocation %s is already %s", id, inv.Phase())
	}
	r := o.lookup(id)
	if r == nil {
		return nil, models.NewGateError(models.KindValidation, models.CodeAlreadyTerminal,
			"invocation %s is no longer live", id)
	}
	if by == "" {
		by = models.AbortedByUser
	}
	if reason == "" {
		reason = "cancelled by " + string(by)
	}
	return o.finish(r, id, models.PhaseAborted, ledger.Update{AbortedBy: by, Reason: reason})
}

// ── Gates ───────────────────────────────────────────────────

// checkCapability requires the tool to be enabled or in preview.
func (o *Orchestrator) checkCapability(toolID string) error {
	ix := o.catalog.Current()
	if ix.IsEnabled(toolID) || ix.IsPreview(toolID) {
		return nil
	}
	if rec, ok := ix.Record(toolID); ok {
		ge := models.NewGateError(models.KindCapability, models.CodeCapabilityDisabled,
			"tool %s is disabled", toolID)
		ge.FallbackToolID = rec.FallbackToolID
		return ge
	}
	return models.NewGateError(models.KindCapability, models.CodeCapabilityUnknown,
		"tool %s is not in the capability manifest", toolID)
}

// checkHealth applies the fallback capabilities of status to toolID.
func checkHealth(status models.HealthStatus, toolID string) error {
	if health.Permits(health.FallbackFor(status), toolID) {
		return nil
	}
	if status == models.HealthDegraded {
		return models.NewGateError(models.KindHealth, models.CodeHealthDegraded,
			"tool %s is unavailable while the backing service is degraded", toolID)
	}
	return models.NewGateError(models.KindHealth, models.CodeHealthUnavailable,
		"tool %s is unavailable while the backing service is %s", toolID, status)
}

// gatingFor switches to limited read-only mode when the backing service
// cannot enforce gating.
func (o *Orchestrator) gatingFor(status models.HealthStatus) safety.GatingOptions {
	g := o.opts.Gating
	if status == models.HealthUnavailable || status == models.HealthUnknown {
		g.ClassificationEnforced = false
	}
	return g
}

func (o *Orchestrator) reject(req models.SubmitRequest, err error) error {
	code := models.CodeInvalidParameters
	var ge *models.GateError
	if errors.As(err, &ge) {
		code = ge.Code
	}
	telemetry.RecordRejection(code)
	log.Warn().
		Str("session_id", req.SessionID).
		Str("tool_id", req.ToolID).
		Str("code", code).
		Msg("Invocation rejected")
	return err
}

func (o *Orchestrator) decidedEvent(r *run, decision models.ApprovalDecision, reason string) []models.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requested == nil {
		return nil
	}
	return []models.TelemetryEvent{telemetry.ApprovalDecided(*r.requested, decision, reason, o.now())}
}
