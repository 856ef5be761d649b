package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Lukeus/my-context-kit-sub013/internal/ledger"
	"github.com/Lukeus/my-context-kit-sub013/internal/telemetry"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// run is the orchestrator-side state of one live invocation. mu serializes
// the invocation's ledger transitions with their telemetry, so events are
// recorded in transition order.
type run struct {
	mu sync.Mutex

	sc      models.SafetyClassification
	reason  string
	timeout time.Duration
	invoked models.TelemetryEvent

	requested *models.TelemetryEvent
	pipeline  *models.TelemetryEvent

	span   trace.Span
	ctx    context.Context
	cancel context.CancelFunc

	timer         *time.Timer
	approvalTimer *time.Timer
}

func (r *run) stopApprovalTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.approvalTimer != nil {
		r.approvalTimer.Stop()
		r.approvalTimer = nil
	}
}

// startRun registers run state for a freshly created invocation and emits
// tool.invoked.
func (o *Orchestrator) startRun(inv models.Queued, sc models.SafetyClassification, timeout time.Duration, reason string) *run {
	spanCtx, span := o.tracer.Start(context.Background(), "tool.invoke",
		trace.WithAttributes(
			attribute.String("invocation.id", inv.ID),
			attribute.String("tool.id", inv.ToolID),
			attribute.String("session.id", inv.SessionID),
			attribute.String("correlation.id", inv.CorrelationID),
			attribute.String("safety.class", string(sc.SafetyClass)),
		),
	)
	ctx, cancel := context.WithCancel(spanCtx)

	r := &run{
		sc:      sc,
		reason:  reason,
		timeout: timeout,
		invoked: telemetry.ToolInvoked(inv, sc, inv.Timestamps.Queued),
		span:    span,
		ctx:     ctx,
		cancel:  cancel,
	}
	o.recorder.Record(r.invoked)

	o.runsMu.Lock()
	o.runs[inv.ID] = r
	o.runsMu.Unlock()
	return r
}

func (o *Orchestrator) lookup(id string) *run {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	return o.runs[id]
}

func (o *Orchestrator) forget(id string) {
	o.runsMu.Lock()
	delete(o.runs, id)
	o.runsMu.Unlock()
}

// admit arms the invocation timeout and submits it to admission. It
// returns the queue position, 0 when dispatched.
func (o *Orchestrator) admit(r *run, id string) int {
	if r.timeout > 0 {
		r.mu.Lock()
		r.timer = time.AfterFunc(r.timeout, func() {
			_, err := o.finish(r, id, models.PhaseTimeout, ledger.Update{
				Reason: fmt.Sprintf("exceeded timeout of %s", r.timeout),
			})
			if err == nil {
				log.Warn().Str("invocation_id", id).Dur("timeout", r.timeout).Msg("Invocation timed out")
			}
		})
		r.mu.Unlock()
	}

	pos, dispatched := o.admission.Submit(id)
	if !dispatched && pos > 0 {
		// Loses harmlessly if the invocation was promoted in between.
		_, _ = o.stepFrom(r, id, models.PhaseQueued, models.PhaseQueued, ledger.Update{QueuePosition: &pos})
	}
	o.publishAdmission()
	return pos
}

// dispatch is the admission callback. It runs under no lock and must not
// block.
func (o *Orchestrator) dispatch(id string) {
	go o.execute(id)
}

// execute drives an admitted invocation to a terminal phase.
func (o *Orchestrator) execute(id string) {
	r := o.lookup(id)
	if r == nil {
		o.admission.Release(id)
		o.publishAdmission()
		return
	}
	// A failed step here means a cancel or timeout won the race. Its
	// release may have run before admission knew the id, so release again.
	inv, err := o.step(r, id, models.PhaseValidating, ledger.Update{})
	if err != nil {
		o.admission.Release(id)
		o.publishAdmission()
		return
	}
	toolID := inv.Common().ToolID

	// Index and health may have changed while queued.
	gateErr := o.checkCapability(toolID)
	if gateErr == nil {
		gateErr = checkHealth(o.health.Snapshot().Status, toolID)
	}
	if gateErr != nil {
		ge := gateErr.(*models.GateError)
		_, _ = o.finish(r, id, models.PhaseFailed, ledger.Update{
			Error: &models.InvocationError{Code: ge.Code, Message: ge.Message},
		})
		return
	}

	if _, err := o.step(r, id, models.PhaseExecuting, ledger.Update{}); err != nil {
		return
	}
	if strings.HasPrefix(toolID, models.PipelinePrefix) {
		r.mu.Lock()
		started := telemetry.PipelineStarted(r.invoked, strings.TrimPrefix(toolID, models.PipelinePrefix), o.now())
		r.pipeline = &started
		o.recorder.Record(started)
		r.mu.Unlock()
	}

	result, err := o.executor.Execute(r.ctx, toolID, inv.Common().Parameters, func(chunk string) {
		_, _ = o.step(r, id, models.PhaseStreaming, ledger.Update{Chunk: chunk})
	})
	if err != nil {
		if r.ctx.Err() != nil {
			// Cancelled by finish; the terminal phase is already recorded.
			return
		}
		_, _ = o.finish(r, id, models.PhaseFailed, ledger.Update{
			Error: &models.InvocationError{Code: models.CodeExecutorFailed, Message: err.Error()},
		})
		return
	}

	if _, err := o.step(r, id, models.PhaseCompleting, ledger.Update{Result: result}); err != nil {
		return
	}
	_, _ = o.finish(r, id, models.PhaseSucceeded, ledger.Update{})
}

// step applies a non-terminal transition and emits tool.transition. extra
// events are recorded before the transition event.
func (o *Orchestrator) step(r *run, id string, next models.Phase, upd ledger.Update, extra ...models.TelemetryEvent) (models.ToolInvocation, error) {
	return o.stepFrom(r, id, "", next, upd, extra...)
}

// stepFrom is step guarded on the current phase; an empty from accepts any.
func (o *Orchestrator) stepFrom(r *run, id string, from, next models.Phase, upd ledger.Update, extra ...models.TelemetryEvent) (models.ToolInvocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, err := o.guard(id, from)
	if err != nil {
		return nil, err
	}
	inv, err := o.ledger.Transition(id, next, upd)
	if err != nil {
		return nil, err
	}
	for _, ev := range extra {
		o.recorder.Record(ev)
	}
	o.recorder.Record(telemetry.ToolTransition(r.invoked, prev, inv, o.now()))
	r.span.AddEvent(string(next))
	return inv, nil
}

// finish applies a terminal transition. The winner of concurrent finishes
// emits the terminal events, stops the run and releases the admission
// slot; losers get the ledger error back.
func (o *Orchestrator) finish(r *run, id string, next models.Phase, upd ledger.Update, extra ...models.TelemetryEvent) (models.ToolInvocation, error) {
	return o.finishFrom(r, id, "", next, upd, extra...)
}

func (o *Orchestrator) finishFrom(r *run, id string, from, next models.Phase, upd ledger.Update, extra ...models.TelemetryEvent) (models.ToolInvocation, error) {
	r.mu.Lock()
	if _, err := o.guard(id, from); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	inv, err := o.ledger.Transition(id, next, upd)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	now := o.now()
	for _, ev := range extra {
		o.recorder.Record(ev)
	}
	if r.pipeline != nil {
		if next == models.PhaseSucceeded {
			o.recorder.Record(telemetry.PipelineFinished(*r.pipeline, now))
		} else {
			o.recorder.Record(telemetry.PipelineFailed(*r.pipeline, terminalMessage(inv), now))
		}
	}
	if next == models.PhaseSucceeded {
		o.recorder.Record(telemetry.ToolCompleted(r.invoked, inv, now))
	} else {
		o.recorder.Record(telemetry.ToolFailed(r.invoked, inv, now))
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.approvalTimer != nil {
		r.approvalTimer.Stop()
	}
	r.mu.Unlock()

	r.cancel()
	r.span.SetAttributes(attribute.String("invocation.phase", string(next)))
	if next != models.PhaseSucceeded {
		r.span.SetStatus(codes.Error, terminalMessage(inv))
	}
	r.span.End()

	o.forget(id)
	o.admission.Release(id)
	o.publishAdmission()
	telemetry.RecordTerminal(inv)

	b := inv.Common()
	evt := log.Debug()
	if next == models.PhaseFailed {
		evt = log.Warn()
	}
	evt.Str("invocation_id", id).
		Str("tool_id", b.ToolID).
		Str("phase", string(next)).
		Str("detail", terminalMessage(inv)).
		Msg("Invocation finished")
	return inv, nil
}

// guard returns the current phase, failing when it is not from.
func (o *Orchestrator) guard(id string, from models.Phase) (models.Phase, error) {
	cur, ok := o.ledger.Get(id)
	if !ok {
		return "", models.NewGateError(models.KindNotFound, models.CodeInvocationNotFound,
			"invocation %s not found", id)
	}
	if from != "" && cur.Phase() != from {
		return "", models.NewGateError(models.KindValidation, models.CodeInvalidTransition,
			"invocation %s is %s, expected %s", id, cur.Phase(), from)
	}
	return cur.Phase(), nil
}

func (o *Orchestrator) publishAdmission() {
	s := o.admission.Stats()
	telemetry.SetAdmission(s.Executing, s.Queued)
}

// Shutdown aborts every live invocation on behalf of the system and
// returns how many were aborted.
func (o *Orchestrator) Shutdown(reason string) int {
	o.runsMu.Lock()
	live := make(map[string]*run, len(o.runs))
	for id, r := range o.runs {
		live[id] = r
	}
	o.runsMu.Unlock()

	n := 0
	for id, r := range live {
		if _, err := o.finish(r, id, models.PhaseAborted, ledger.Update{
			AbortedBy: models.AbortedBySystem,
			Reason:    reason,
		}); err == nil {
			n++
		}
	}
	if n > 0 {
		log.Info().Int("aborted", n).Msg("Live invocations aborted on shutdown")
	}
	return n
}

func terminalMessage(inv models.ToolInvocation) string {
	switch t := inv.(type) {
	case models.Failed:
		return t.Error.Message
	case models.Aborted:
		return t.Reason
	case models.TimedOut:
		return t.Reason
	}
	return ""
}
