package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lukeus/my-context-kit-sub013/internal/capability"
	"github.com/Lukeus/my-context-kit-sub013/internal/orchestrator"
	"github.com/Lukeus/my-context-kit-sub013/internal/safety"
	"github.com/Lukeus/my-context-kit-sub013/internal/sessions"
	"github.com/Lukeus/my-context-kit-sub013/pkg/contracts"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// ── Fakes ───────────────────────────────────────────────────

// fakeExecutor blocks invocations whose params carry block=true until
// open(name) is called.
type fakeExecutor struct {
	mu      sync.Mutex
	gates   map[string]chan struct{}
	opened  map[string]bool
	started []string
	chunks  []string
	fail    error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{gates: make(map[string]chan struct{}), opened: make(map[string]bool)}
}

func (f *fakeExecutor) gate(name string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.gates[name]
	if !ok {
		ch = make(chan struct{})
		f.gates[name] = ch
	}
	return ch
}

func (f *fakeExecutor) open(name string) {
	ch := f.gate(name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened[name] {
		f.opened[name] = true
		close(ch)
	}
}

func (f *fakeExecutor) startedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeExecutor) Execute(ctx context.Context, _ string, params map[string]interface{}, onChunk contracts.ChunkFunc) (interface{}, error) {
	name, _ := params["name"].(string)
	f.mu.Lock()
	f.started = append(f.started, name)
	chunks := append([]string(nil), f.chunks...)
	fail := f.fail
	f.mu.Unlock()

	for _, c := range chunks {
		onChunk(c)
	}
	if block, _ := params["block"].(bool); block {
		select {
		case <-f.gate(name):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	return "done:" + name, nil
}

type fakeHealth struct {
	mu     sync.Mutex
	status models.HealthStatus
}

func (h *fakeHealth) set(s models.HealthStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *fakeHealth) Snapshot() models.HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return models.HealthSnapshot{Status: h.status, Timestamp: time.Now()}
}

type rawSource struct{ raw map[string]interface{} }

func (s rawSource) FetchManifest(context.Context) (map[string]interface{}, error) { return s.raw, nil }
func (s rawSource) Kind() models.ManifestSource                                   { return models.ManifestSourceRemote }

// ── Helpers ─────────────────────────────────────────────────

type testEnv struct {
	o       *orchestrator.Orchestrator
	exec    *fakeExecutor
	health  *fakeHealth
	session *models.Session
}

func newTestOrchestrator(t *testing.T, opts orchestrator.Options) *testEnv {
	t.Helper()
	exec := newFakeExecutor()
	h := &fakeHealth{status: models.HealthAvailable}
	if opts.Gating.ReasonMinLength == 0 {
		opts.Gating = safety.DefaultGatingOptions()
	}
	o := orchestrator.New(orchestrator.Deps{
		Sessions:  sessions.NewMemorySessionStore(),
		Executor:  exec,
		Health:    h,
		Manifests: capability.BuiltinSource{},
	}, opts)

	_, err := o.RefreshManifest(context.Background())
	require.NoError(t, err)

	s, err := o.CreateSession(context.Background(), models.CreateSessionRequest{UserID: "u1", Provider: models.ProviderOllama})
	require.NoError(t, err)

	t.Cleanup(func() { o.Shutdown("test finished") })
	return &testEnv{o: o, exec: exec, health: h, session: s}
}

func (e *testEnv) submit(t *testing.T, toolID, name string, block bool) *models.SubmitResult {
	t.Helper()
	res, err := e.o.SubmitInvocation(context.Background(), models.SubmitRequest{
		SessionID:  e.session.ID,
		ToolID:     toolID,
		Parameters: map[string]interface{}{"name": name, "block": block},
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) waitPhase(t *testing.T, id string, phase models.Phase) models.ToolInvocation {
	t.Helper()
	var inv models.ToolInvocation
	require.Eventually(t, func() bool {
		cur, err := e.o.GetInvocation(id)
		if err != nil {
			return false
		}
		inv = cur
		return cur.Phase() == phase
	}, waitFor, tick, "invocation %s never reached %s", id, phase)
	return inv
}

func gateCode(t *testing.T, err error) *models.GateError {
	t.Helper()
	var ge *models.GateError
	require.True(t, errors.As(err, &ge), "expected GateError, got %v", err)
	return ge
}

// ── Lifecycle ───────────────────────────────────────────────

func TestSubmitRunsToSuccess(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{})
	env.exec.chunks = []string{"line 1", "line 2"}

	res := env.submit(t, models.ToolPipelineValidate, "v", false)
	inv := env.waitPhase(t, res.InvocationID, models.PhaseSucceeded)

	ok, isSucceeded := inv.(models.Succeeded)
	require.True(t, isSucceeded)
	assert.Equal(t, "done:v", ok.Result)
	m := inv.Common().Metrics
	assert.Equal(t, 2, m.ChunkCount)
	require.NotNil(t, m.DurationMs)
	ts := inv.Common().Timestamps
	assert.Equal(t, ts.Completed.Sub(ts.Queued).Milliseconds(), *m.DurationMs)
}

func TestExecutorErrorBecomesFailed(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{})
	env.exec.fail = errors.New("exit status 2")

	res := env.submit(t, models.ToolPipelineImpact, "i", false)
	inv := env.waitPhase(t, res.InvocationID, models.PhaseFailed)
	failed := inv.(models.Failed)
	assert.Equal(t, models.CodeExecutorFailed, failed.Error.Code)
	assert.Equal(t, "exit status 2", failed.Error.Message)
}

func TestTelemetryTrail(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{})
	res := env.submit(t, models.ToolPipelineValidate, "v", false)
	env.waitPhase(t, res.InvocationID, models.PhaseSucceeded)

	env1 := env.o.DrainTelemetry(env.session.ID)
	var kinds []models.EventKind
	var toolEvents []models.TelemetryEvent
	for _, ev := range env1.Events {
		kinds = append(kinds, ev.Kind)
		if ev.Kind != models.EventSessionCreated {
			toolEvents = append(toolEvents, ev)
		}
	}
	require.NotEmpty(t, toolEvents)
	assert.Equal(t, models.EventSessionCreated, kinds[0])
	assert.Equal(t, models.EventToolInvoked, toolEvents[0].Kind)
	assert.Equal(t, models.EventToolCompleted, toolEvents[len(toolEvents)-1].Kind)
	assert.Contains(t, kinds, models.EventPipelineStarted)
	assert.Contains(t, kinds, models.EventPipelineFinished)
	for _, ev := range toolEvents {
		assert.Equal(t, toolEvents[0].CorrelationID, ev.CorrelationID)
	}

	assert.Empty(t, env.o.DrainTelemetry(env.session.ID).Events)
}

// ── Gates ───────────────────────────────────────────────────

func TestGateRejections(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{})
	ctx := context.Background()

	_, err := env.o.SubmitInvocation(ctx, models.SubmitRequest{SessionID: "nope", ToolID: models.ToolContextRead})
	assert.Equal(t, models.CodeSessionNotFound, gateCode(t, err).Code)

	_, err = env.o.SubmitInvocation(ctx, models.SubmitRequest{SessionID: env.session.ID, ToolID: "made.up"})
	assert.Equal(t, models.CodeCapabilityUnknown, gateCode(t, err).Code)

	_, err = env.o.SubmitInvocation(ctx, models.SubmitRequest{SessionID: env.session.ID, ToolID: models.ToolRepoCommit})
	assert.Equal(t, models.CodeApprovalRequired, gateCode(t, err).Code)

	_, err = env.o.SubmitInvocation(ctx, models.SubmitRequest{
		SessionID: env.session.ID,
		ToolID:    models.ToolRepoCommit,
		Approval:  &models.ApprovalContext{Granted: true, Reason: "short"},
	})
	assert.Equal(t, models.CodeReasonTooShort, gateCode(t, err).Code)

	res, err := env.o.SubmitInvocation(ctx, models.SubmitRequest{
		SessionID: env.session.ID,
		ToolID:    models.ToolRepoCommit,
		Approval:  &models.ApprovalContext{Granted: true, Reason: "validReason"},
	})
	require.NoError(t, err)
	env.waitPhase(t, res.InvocationID, models.PhaseSucceeded)

	assert.Len(t, env.o.ListInvocations(env.session.ID), 1, "rejections create no invocation")
}

func TestDisabledToolSurfacesFallback(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{})
	raw := capability.BuiltinManifest()
	for _, c := range raw["capabilities"].([]interface{}) {
		rec := c.(map[string]interface{})
		if rec["id"] == models.ToolEntitySimilar {
			rec["status"] = string(models.CapabilityDisabled)
		}
	}
	_, err := env.o.LoadManifest(context.Background(), rawSource{raw: raw})
	require.NoError(t, err)

	_, err = env.o.SubmitInvocation(context.Background(), models.SubmitRequest{
		SessionID: env.session.ID, ToolID: models.ToolEntitySimilar,
	})
	ge := gateCode(t, err)
	assert.Equal(t, models.CodeCapabilityDisabled, ge.Code)
	assert.Equal(t, models.ToolContextSearch, ge.FallbackToolID)
}

func TestHealthGating(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{})
	ctx := context.Background()

	env.health.set(models.HealthDegraded)
	_, err := env.o.SubmitInvocation(ctx, models.SubmitRequest{SessionID: env.session.ID, ToolID: models.ToolPipelineGenerate})
	assert.Equal(t, models.CodeHealthDegraded, gateCode(t, err).Code)
	assert.False(t, env.o.GetFallbackCapabilities().CanUseAI)

	res := env.submit(t, models.ToolPipelineValidate, "v", false)
	env.waitPhase(t, res.InvocationID, models.PhaseSucceeded)

	env.health.set(models.HealthUnavailable)
	_, err = env.o.SubmitInvocation(ctx, models.SubmitRequest{SessionID: env.session.ID, ToolID: models.ToolPipelineValidate})
	ge := gateCode(t, err)
	assert.Equal(t, models.CodeHealthUnavailable, ge.Code)
	assert.Equal(t, models.KindHealth, ge.Kind)

	res = env.submit(t, models.ToolContextRead, "r", false)
	env.waitPhase(t, res.InvocationID, models.PhaseSucceeded)
}

func TestDispatchRecheckFailsAfterHealthDrop(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{ConcurrencyLimit: 1})

	first := env.submit(t, models.ToolPipelineValidate, "first", true)
	env.waitPhase(t, first.InvocationID, models.PhaseExecuting)
	queued := env.submit(t, models.ToolPipelineImpact, "queued", false)
	assert.Equal(t, 1, queued.QueuePosition)

	env.health.set(models.HealthUnavailable)
	env.exec.open("first")

	inv := env.waitPhase(t, queued.InvocationID, models.PhaseFailed)
	assert.Equal(t, models.CodeHealthUnavailable, inv.(models.Failed).Error.Code)
}

// ── Admission ───────────────────────────────────────────────

func TestQueueFairness(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{ConcurrencyLimit: 3})

	ids := map[string]string{}
	for _, name := range []string{"A", "B", "C"} {
		res := env.submit(t, models.ToolPipelineValidate, name, true)
		assert.Equal(t, 0, res.QueuePosition, name)
		ids[name] = res.InvocationID
	}
	d := env.submit(t, models.ToolPipelineValidate, "D", true)
	e := env.submit(t, models.ToolPipelineValidate, "E", true)
	assert.Equal(t, 1, d.QueuePosition)
	assert.Equal(t, 2, e.QueuePosition)

	require.Eventually(t, func() bool { return len(env.exec.startedNames()) == 3 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, env.exec.startedNames())

	env.exec.open("A")
	env.waitPhase(t, ids["A"], models.PhaseSucceeded)
	env.waitPhase(t, d.InvocationID, models.PhaseExecuting)

	inv, err := env.o.GetInvocation(e.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseQueued, inv.Phase())
	assert.Equal(t, 1, inv.Common().QueuePosition)
	assert.LessOrEqual(t, env.o.AdmissionStats().Executing, 3)

	for _, n := range []string{"B", "C", "D", "E"} {
		env.exec.open(n)
	}
	env.waitPhase(t, e.InvocationID, models.PhaseSucceeded)
}

func TestCancelQueuedRemovesFromQueue(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{ConcurrencyLimit: 1})

	a := env.submit(t, models.ToolPipelineValidate, "A", true)
	env.waitPhase(t, a.InvocationID, models.PhaseExecuting)
	b := env.submit(t, models.ToolPipelineValidate, "B", true)
	require.Equal(t, 1, b.QueuePosition)

	inv, err := env.o.CancelInvocation(context.Background(), b.InvocationID, models.AbortedByUser, "changed my mind")
	require.NoError(t, err)
	aborted := inv.(models.Aborted)
	assert.Equal(t, models.AbortedByUser, aborted.AbortedBy)
	assert.Equal(t, 0, env.o.AdmissionStats().Queued)

	_, err = env.o.CancelInvocation(context.Background(), b.InvocationID, "", "")
	assert.Equal(t, models.CodeAlreadyTerminal, gateCode(t, err).Code)

	env.exec.open("A")
	env.waitPhase(t, a.InvocationID, models.PhaseSucceeded)
	require.Eventually(t, func() bool { return env.o.AdmissionStats().Executing == 0 }, waitFor, tick)
	assert.NotContains(t, env.exec.startedNames(), "B")
}

func TestListInvocationsReportsLivePositions(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{ConcurrencyLimit: 1})

	a := env.submit(t, models.ToolPipelineValidate, "A", true)
	env.waitPhase(t, a.InvocationID, models.PhaseExecuting)
	b := env.submit(t, models.ToolPipelineValidate, "B", true)
	c := env.submit(t, models.ToolPipelineValidate, "C", true)
	require.Equal(t, 2, c.QueuePosition)

	_, err := env.o.CancelInvocation(context.Background(), b.InvocationID, models.AbortedByUser, "no longer needed")
	require.NoError(t, err)

	var found bool
	for _, inv := range env.o.ListInvocations(env.session.ID) {
		if inv.Common().ID != c.InvocationID {
			continue
		}
		found = true
		assert.Equal(t, models.PhaseQueued, inv.Phase())
		assert.Equal(t, 1, inv.Common().QueuePosition)
	}
	assert.True(t, found)

	env.exec.open("A")
	env.exec.open("C")
	env.waitPhase(t, c.InvocationID, models.PhaseSucceeded)
}

func TestTimeoutReleasesSlot(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{ConcurrencyLimit: 1})

	res, err := env.o.SubmitInvocation(context.Background(), models.SubmitRequest{
		SessionID:  env.session.ID,
		ToolID:     models.ToolPipelineValidate,
		Parameters: map[string]interface{}{"name": "slow", "block": true},
		Timeout:    50 * time.Millisecond,
	})
	require.NoError(t, err)

	inv := env.waitPhase(t, res.InvocationID, models.PhaseTimeout)
	assert.Contains(t, inv.(models.TimedOut).Reason, "timeout")
	require.Eventually(t, func() bool { return env.o.AdmissionStats().Executing == 0 }, waitFor, tick)

	next := env.submit(t, models.ToolPipelineValidate, "next", false)
	env.waitPhase(t, next.InvocationID, models.PhaseSucceeded)
}

// ── Approvals ───────────────────────────────────────────────

func awaitCommit(t *testing.T, env *testEnv, ttl time.Duration) *models.SubmitResult {
	t.Helper()
	res, err := env.o.SubmitInvocation(context.Background(), models.SubmitRequest{
		SessionID:  env.session.ID,
		ToolID:     models.ToolRepoCommit,
		Parameters: map[string]interface{}{"name": "commit"},
		Approval:   &models.ApprovalContext{Await: true, TTL: ttl},
	})
	require.NoError(t, err)
	require.Equal(t, models.PhaseApprovalPending, res.Phase)
	require.NotEmpty(t, res.ApprovalID)
	return res
}

func TestApprovalApprovedRuns(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{})
	res := awaitCommit(t, env, 0)
	ctx := context.Background()

	err := env.o.ResolveApproval(ctx, res.ApprovalID, models.ApprovalApproved, "short")
	assert.Equal(t, models.CodeReasonTooShort, gateCode(t, err).Code)
	inv, err := env.o.GetInvocation(res.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseApprovalPending, inv.Phase())

	require.NoError(t, env.o.ResolveApproval(ctx, res.ApprovalID, models.ApprovalApproved, "release notes for v2"))
	done := env.waitPhase(t, res.InvocationID, models.PhaseSucceeded)
	m := done.Common().Metrics
	require.NotNil(t, m.ApprovalWaitMs)
	require.NotNil(t, m.DurationMs)

	err = env.o.ResolveApproval(ctx, res.ApprovalID, models.ApprovalApproved, "release notes for v2")
	assert.Equal(t, models.CodeAlreadyTerminal, gateCode(t, err).Code)

	var kinds []models.EventKind
	for _, ev := range env.o.DrainTelemetry(env.session.ID).Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, models.EventApprovalRequested)
	assert.Contains(t, kinds, models.EventApprovalDecided)
}

func TestApprovalRejectedAborts(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{})
	res := awaitCommit(t, env, 0)

	require.NoError(t, env.o.ResolveApproval(context.Background(), res.ApprovalID, models.ApprovalRejected, "not now"))
	inv, err := env.o.GetInvocation(res.InvocationID)
	require.NoError(t, err)
	aborted, ok := inv.(models.Aborted)
	require.True(t, ok)
	assert.Equal(t, models.AbortedByUser, aborted.AbortedBy)
	assert.NotNil(t, inv.Common().Timestamps.ApprovalResolved)
	assert.Empty(t, env.exec.startedNames())
}

func TestApprovalExpiryTimesOut(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{})
	res := awaitCommit(t, env, 30*time.Millisecond)

	inv := env.waitPhase(t, res.InvocationID, models.PhaseTimeout)
	assert.Equal(t, "approval expired", inv.(models.TimedOut).Reason)

	err := env.o.ResolveApproval(context.Background(), "unknown", models.ApprovalApproved, "")
	assert.Equal(t, models.CodeApprovalNotFound, gateCode(t, err).Code)
}

// ── Manifest ────────────────────────────────────────────────

func TestManifestRejectionFallsBack(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{})

	raw := capability.BuiltinManifest()
	delete(raw, "manifestId")
	m, err := env.o.LoadManifest(context.Background(), rawSource{raw: raw})
	ge := gateCode(t, err)
	assert.Equal(t, models.CodeManifestInvalid, ge.Code)
	assert.Contains(t, ge.Message, "manifestId")

	assert.Equal(t, models.ManifestSourceCached, m.Source)
	assert.Empty(t, m.Capabilities)
	assert.NotEmpty(t, m.RejectionReason)

	_, err = env.o.SubmitInvocation(context.Background(), models.SubmitRequest{
		SessionID: env.session.ID, ToolID: models.ToolContextRead,
	})
	assert.Equal(t, models.CodeCapabilityUnknown, gateCode(t, err).Code)
}

func TestRefreshIsRateLimited(t *testing.T) {
	env := newTestOrchestrator(t, orchestrator.Options{RefreshPerMinute: 1})
	// The helper already spent the single token.
	_, err := env.o.RefreshManifest(context.Background())
	assert.ErrorIs(t, err, orchestrator.ErrRefreshThrottled)
}
