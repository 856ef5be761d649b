package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lukeus/my-context-kit-sub013/internal/api"
	"github.com/Lukeus/my-context-kit-sub013/internal/api/handlers"
	"github.com/Lukeus/my-context-kit-sub013/internal/capability"
	"github.com/Lukeus/my-context-kit-sub013/internal/config"
	"github.com/Lukeus/my-context-kit-sub013/internal/orchestrator"
	"github.com/Lukeus/my-context-kit-sub013/internal/safety"
	"github.com/Lukeus/my-context-kit-sub013/internal/sessions"
	"github.com/Lukeus/my-context-kit-sub013/internal/tools"
	"github.com/Lukeus/my-context-kit-sub013/pkg/contracts"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

const secret = "s3cret"

type testServer struct {
	t       *testing.T
	handler http.Handler
	o       *orchestrator.Orchestrator
}

func newTestServer(t *testing.T, opts orchestrator.Options) *testServer {
	t.Helper()

	reg := tools.NewRegistry()
	reg.Register(models.ToolContextRead, func(_ context.Context, params map[string]interface{}, onChunk contracts.ChunkFunc) (interface{}, error) {
		onChunk("reading")
		return map[string]interface{}{"entity_id": params["entity_id"]}, nil
	})
	reg.Register(models.ToolRepoCommit, func(context.Context, map[string]interface{}, contracts.ChunkFunc) (interface{}, error) {
		return map[string]interface{}{"committed": true}, nil
	})
	reg.Register(models.ToolPipelineValidate, func(ctx context.Context, _ map[string]interface{}, _ contracts.ChunkFunc) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	if opts.ConcurrencyLimit == 0 {
		opts.ConcurrencyLimit = 2
	}
	opts.Gating = safety.DefaultGatingOptions()
	o := orchestrator.New(orchestrator.Deps{
		Sessions: sessions.NewMemorySessionStore(),
		Executor: reg,
	}, opts)
	_, err := o.LoadManifest(context.Background(), capability.BuiltinSource{})
	require.NoError(t, err)
	t.Cleanup(func() { o.Shutdown("test done") })

	cfg := &config.Config{Version: "test", Auth: config.AuthConfig{SharedSecret: secret}}
	return &testServer{t: t, handler: api.NewRouter(cfg, handlers.New(o, cfg.Version)), o: o}
}

func (s *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+secret)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) createSession() string {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/sessions", map[string]interface{}{"userId": "u1", "provider": "ollama"})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	return decode(s.t, w)["id"].(string)
}

func (s *testServer) waitPhase(id string, phase models.Phase) map[string]interface{} {
	s.t.Helper()
	var last map[string]interface{}
	require.Eventually(s.t, func() bool {
		w := s.do(http.MethodGet, "/api/v1/invocations/"+id, nil)
		if w.Code != http.StatusOK {
			return false
		}
		last = decode(s.t, w)
		return last["phase"] == string(phase)
	}, 2*time.Second, 5*time.Millisecond)
	return last
}

// ── Tests ───────────────────────────────────────────────────

func TestPublicEndpointsAndAuth(t *testing.T) {
	s := newTestServer(t, orchestrator.Options{})

	for _, p := range []string{"/health", "/version", "/metrics"} {
		w := httptest.NewRecorder()
		s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, w.Code, p)
	}

	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, "test", decode(t, w)["version"])

	w = httptest.NewRecorder()
	s.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/capabilities", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/capabilities", nil).Code)
}

func TestSubmitAndPollToSuccess(t *testing.T) {
	s := newTestServer(t, orchestrator.Options{})
	sessionID := s.createSession()

	w := s.do(http.MethodPost, "/api/v1/invocations", map[string]interface{}{
		"sessionId":  sessionID,
		"toolId":     models.ToolContextRead,
		"parameters": map[string]interface{}{"entity_id": "FEAT-001"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decode(t, w)
	id := res["invocationId"].(string)
	assert.Equal(t, "/api/v1/invocations/"+id, w.Header().Get("Location"))

	done := s.waitPhase(id, models.PhaseSucceeded)
	assert.Equal(t, map[string]interface{}{"entity_id": "FEAT-001"}, done["result"])

	w = s.do(http.MethodGet, "/api/v1/sessions/"+sessionID+"/invocations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	w = s.do(http.MethodGet, "/api/v1/sessions/"+sessionID+"/telemetry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var env models.TelemetryEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, sessionID, env.SessionID)
	assert.NotEmpty(t, env.Events)

	w = s.do(http.MethodGet, "/api/v1/sessions/"+sessionID+"/telemetry", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Empty(t, env.Events)
}

func TestGateErrorsMapToStatus(t *testing.T) {
	s := newTestServer(t, orchestrator.Options{})
	sessionID := s.createSession()

	tests := []struct {
		name   string
		body   map[string]interface{}
		status int
		code   string
	}{
		{"missing tool", map[string]interface{}{"sessionId": sessionID}, http.StatusBadRequest, models.CodeInvalidParameters},
		{"unknown session", map[string]interface{}{"sessionId": "nope", "toolId": models.ToolContextRead}, http.StatusNotFound, models.CodeSessionNotFound},
		{"unknown tool", map[string]interface{}{"sessionId": sessionID, "toolId": "made.up"}, http.StatusForbidden, models.CodeCapabilityUnknown},
		{"approval required", map[string]interface{}{"sessionId": sessionID, "toolId": models.ToolRepoCommit}, http.StatusForbidden, models.CodeApprovalRequired},
		{"negative timeout", map[string]interface{}{"sessionId": sessionID, "toolId": models.ToolContextRead, "timeoutMs": -1}, http.StatusBadRequest, models.CodeInvalidParameters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/api/v1/invocations", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode(t, w)["error"])
		})
	}

	w := s.do(http.MethodGet, "/api/v1/invocations/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, models.CodeInvocationNotFound, decode(t, w)["error"])

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewBufferString("{"))
	req.Header.Set("X-API-Key", secret)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalOverHTTP(t *testing.T) {
	s := newTestServer(t, orchestrator.Options{})
	sessionID := s.createSession()

	w := s.do(http.MethodPost, "/api/v1/invocations", map[string]interface{}{
		"sessionId": sessionID,
		"toolId":    models.ToolRepoCommit,
		"approval":  map[string]interface{}{"await": true, "ttlMs": 60000},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decode(t, w)
	assert.Equal(t, string(models.PhaseApprovalPending), res["phase"])
	approvalID := res["approvalId"].(string)
	id := res["invocationId"].(string)

	pending := s.waitPhase(id, models.PhaseApprovalPending)
	assert.NotEmpty(t, pending["expiresAt"])

	w = s.do(http.MethodPost, "/api/v1/approvals/"+approvalID, map[string]interface{}{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/v1/approvals/"+approvalID, map[string]interface{}{
		"decision": "approved",
		"reason":   "commit the release notes",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	s.waitPhase(id, models.PhaseSucceeded)

	w = s.do(http.MethodPost, "/api/v1/approvals/"+approvalID, map[string]interface{}{"decision": "approved", "reason": "commit the release notes"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/v1/approvals/unknown", map[string]interface{}{"decision": "approved"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelOverHTTP(t *testing.T) {
	s := newTestServer(t, orchestrator.Options{})
	sessionID := s.createSession()

	w := s.do(http.MethodPost, "/api/v1/invocations", map[string]interface{}{
		"sessionId": sessionID,
		"toolId":    models.ToolPipelineValidate,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id := decode(t, w)["invocationId"].(string)
	s.waitPhase(id, models.PhaseExecuting)

	w = s.do(http.MethodPost, "/api/v1/invocations/"+id+"/cancel", map[string]interface{}{"reason": "user closed panel"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, string(models.PhaseAborted), out["phase"])
	assert.Equal(t, string(models.AbortedByUser), out["abortedBy"])
	assert.Equal(t, "user closed panel", out["reason"])

	w = s.do(http.MethodPost, "/api/v1/invocations/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.CodeAlreadyTerminal, decode(t, w)["error"])
}

func TestHealthAndCapabilityViews(t *testing.T) {
	s := newTestServer(t, orchestrator.Options{})

	w := s.do(http.MethodGet, "/api/v1/health/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(models.HealthAvailable), decode(t, w)["status"])

	w = s.do(http.MethodGet, "/api/v1/capabilities/fallback", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fb models.FallbackCapabilities
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fb))
	assert.True(t, fb.CanGenerate)

	w = s.do(http.MethodGet, "/api/v1/capabilities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	caps := decode(t, w)
	assert.Contains(t, caps["enabled"], models.ToolContextRead)

	w = s.do(http.MethodGet, "/api/v1/admission", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRefreshIsThrottled(t *testing.T) {
	s := newTestServer(t, orchestrator.Options{RefreshPerMinute: 1})

	w := s.do(http.MethodPost, "/api/v1/capabilities/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(models.ManifestSourceBuiltin), decode(t, w)["source"])

	w = s.do(http.MethodPost, "/api/v1/capabilities/refresh", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, models.CodeRefreshThrottled, decode(t, w)["error"])
}

type brokenSource struct{}

func (brokenSource) FetchManifest(context.Context) (map[string]interface{}, error) {
	return nil, errors.New("connection refused")
}
func (brokenSource) Kind() models.ManifestSource { return models.ManifestSourceRemote }

func TestRefreshFetchFailure(t *testing.T) {
	o := orchestrator.New(orchestrator.Deps{
		Sessions:  sessions.NewMemorySessionStore(),
		Executor:  tools.NewRegistry(),
		Manifests: brokenSource{},
	}, orchestrator.Options{ConcurrencyLimit: 1, Gating: safety.DefaultGatingOptions()})
	h := api.NewRouter(&config.Config{Version: "test"}, handlers.New(o, "test"))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/capabilities/refresh", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	out := decode(t, w)
	assert.Equal(t, models.CodeManifestUnavailable, out["error"])
	assert.Contains(t, out["message"], "connection refused")
}

func TestListInvocationsShowsLiveQueuePosition(t *testing.T) {
	s := newTestServer(t, orchestrator.Options{ConcurrencyLimit: 1})
	sessionID := s.createSession()

	submit := func() string {
		w := s.do(http.MethodPost, "/api/v1/invocations", map[string]interface{}{
			"sessionId": sessionID,
			"toolId":    models.ToolPipelineValidate,
		})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		return decode(t, w)["invocationId"].(string)
	}
	running := submit()
	s.waitPhase(running, models.PhaseExecuting)
	first := submit()
	second := submit()

	w := s.do(http.MethodPost, "/api/v1/invocations/"+first+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodGet, "/api/v1/sessions/"+sessionID+"/invocations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var views []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))

	var found bool
	for _, v := range views {
		if v["id"] == second {
			found = true
			assert.Equal(t, string(models.PhaseQueued), v["phase"])
			assert.Equal(t, float64(1), v["queuePosition"])
		}
	}
	assert.True(t, found)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    *models.GateError
		status int
	}{
		{models.NewGateError(models.KindValidation, models.CodeInvalidParameters, "x"), http.StatusBadRequest},
		{models.NewGateError(models.KindValidation, models.CodeAlreadyTerminal, "x"), http.StatusConflict},
		{models.NewGateError(models.KindValidation, models.CodeManifestInvalid, "x"), http.StatusUnprocessableEntity},
		{models.NewGateError(models.KindValidation, models.CodeRefreshThrottled, "x"), http.StatusTooManyRequests},
		{models.NewGateError(models.KindInternal, models.CodeManifestUnavailable, "x"), http.StatusBadGateway},
		{models.NewGateError(models.KindCapability, models.CodeCapabilityDisabled, "x"), http.StatusForbidden},
		{models.NewGateError(models.KindPermission, models.CodeReasonTooShort, "x"), http.StatusForbidden},
		{models.NewGateError(models.KindHealth, models.CodeHealthDegraded, "x"), http.StatusServiceUnavailable},
		{models.NewGateError(models.KindTimeout, models.CodeTimeout, "x"), http.StatusGatewayTimeout},
		{models.NewGateError(models.KindNotFound, models.CodeApprovalNotFound, "x"), http.StatusNotFound},
		{models.NewGateError(models.KindInternal, "boom", "x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, handlers.StatusFor(tt.err), tt.err.Code)
	}
}
