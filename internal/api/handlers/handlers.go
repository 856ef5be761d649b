// Package handlers implements the HTTP handlers for the tool gate sidecar.
// Every handler delegates to the orchestrator; gate errors are mapped to
// HTTP statuses with their stable machine code in the "error" field.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/Lukeus/my-context-kit-sub013/internal/orchestrator"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
	version      string
}

// New creates a new Handlers instance.
func New(o *orchestrator.Orchestrator, version string) *Handlers {
	return &Handlers{Orchestrator: o, version: version}
}

// ══════════════════════════════════════════════════════════════
// ── Service Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.Orchestrator.GetHealthSnapshot()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "context-kit-toolgate",
		"backing": snap.Status,
	})
}

func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.version,
		"service": "context-kit-toolgate",
	})
}

// ══════════════════════════════════════════════════════════════
// ── Session Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s, err := h.Orchestrator.CreateSession(r.Context(), req)
	if err != nil {
		respondGateError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, s)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Orchestrator.GetSession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		respondGateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}

func (h *Handlers) ListSessionInvocations(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if _, err := h.Orchestrator.GetSession(r.Context(), sessionID); err != nil {
		respondGateError(w, err)
		return
	}
	invs := h.Orchestrator.ListInvocations(sessionID)
	views := make([]models.InvocationView, 0, len(invs))
	for _, inv := range invs {
		views = append(views, models.View(inv))
	}
	respondJSON(w, http.StatusOK, views)
}

// DrainSessionTelemetry returns and clears the session's buffered events.
func (h *Handlers) DrainSessionTelemetry(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if _, err := h.Orchestrator.GetSession(r.Context(), sessionID); err != nil {
		respondGateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.Orchestrator.DrainTelemetry(sessionID))
}

// DrainSystemTelemetry drains events that belong to no session, such as
// manifest loads and health changes.
func (h *Handlers) DrainSystemTelemetry(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Orchestrator.DrainTelemetry(""))
}

// ══════════════════════════════════════════════════════════════
// ── Invocation Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type approvalBody struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
	Await   bool   `json:"await,omitempty"`
	TTLMs   int64  `json:"ttlMs,omitempty"`
}

type submitBody struct {
	SessionID     string                 `json:"sessionId"`
	ToolID        string                 `json:"toolId"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	Approval      *approvalBody          `json:"approval,omitempty"`
	TimeoutMs     int64                  `json:"timeoutMs,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

func (b submitBody) request() models.SubmitRequest {
	req := models.SubmitRequest{
		SessionID:     b.SessionID,
		ToolID:        b.ToolID,
		Parameters:    b.Parameters,
		Timeout:       time.Duration(b.TimeoutMs) * time.Millisecond,
		CorrelationID: b.CorrelationID,
	}
	if b.Approval != nil {
		req.Approval = &models.ApprovalContext{
			Granted: b.Approval.Granted,
			Reason:  b.Approval.Reason,
			Await:   b.Approval.Await,
			TTL:     time.Duration(b.Approval.TTLMs) * time.Millisecond,
		}
	}
	return req
}

// SubmitInvocation gates the request and answers 202 with the admission
// outcome.
func (h *Handlers) SubmitInvocation(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.TimeoutMs < 0 {
		respondError(w, http.StatusBadRequest, models.CodeInvalidParameters, "timeoutMs must not be negative")
		return
	}
	res, err := h.Orchestrator.SubmitInvocation(r.Context(), body.request())
	if err != nil {
		respondGateError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/invocations/"+res.InvocationID)
	respondJSON(w, http.StatusAccepted, res)
}

func (h *Handlers) GetInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Orchestrator.GetInvocation(chi.URLParam(r, "invocationId"))
	if err != nil {
		respondGateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.View(inv))
}

type cancelBody struct {
	Reason    string           `json:"reason,omitempty"`
	AbortedBy models.AbortedBy `json:"abortedBy,omitempty"`
}

func (h *Handlers) CancelInvocation(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	inv, err := h.Orchestrator.CancelInvocation(r.Context(), chi.URLParam(r, "invocationId"), body.AbortedBy, body.Reason)
	if err != nil {
		respondGateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, models.View(inv))
}

type approvalDecisionBody struct {
	Decision models.ApprovalDecision `json:"decision"`
	Reason   string                  `json:"reason,omitempty"`
}

func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "approvalId")
	var body approvalDecisionBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.Orchestrator.ResolveApproval(r.Context(), approvalID, body.Decision, body.Reason); err != nil {
		respondGateError(w, err)
		return
	}
	resp := map[string]interface{}{
		"approvalId": approvalID,
		"decision":   body.Decision,
	}
	if inv, ok := h.Orchestrator.Ledger().ByApproval(approvalID); ok {
		resp["invocation"] = models.View(inv)
	}
	respondJSON(w, http.StatusOK, resp)
}

// ══════════════════════════════════════════════════════════════
// ── Health & Capability Handlers ─────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetHealthSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Orchestrator.GetHealthSnapshot())
}

func (h *Handlers) GetFallbackCapabilities(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Orchestrator.GetFallbackCapabilities())
}

func (h *Handlers) GetAdmission(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Orchestrator.AdmissionStats())
}

type capabilitiesResponse struct {
	Manifest models.CapabilityManifest `json:"manifest"`
	Enabled  []string                  `json:"enabled"`
	Preview  []string                  `json:"preview"`
	Disabled []string                  `json:"disabled"`
}

func (h *Handlers) GetCapabilities(w http.ResponseWriter, r *http.Request) {
	ix := h.Orchestrator.Catalog().Current()
	respondJSON(w, http.StatusOK, capabilitiesResponse{
		Manifest: ix.Manifest(),
		Enabled:  ix.EnabledIDs(),
		Preview:  ix.PreviewIDs(),
		Disabled: ix.DisabledIDs(),
	})
}

// RefreshCapabilities reloads the manifest from the configured source. A
// rejected manifest answers 422 with the installed fallback manifest.
func (h *Handlers) RefreshCapabilities(w http.ResponseWriter, r *http.Request) {
	m, err := h.Orchestrator.RefreshManifest(r.Context())
	if err == nil {
		respondJSON(w, http.StatusOK, m)
		return
	}
	if errors.Is(err, orchestrator.ErrRefreshThrottled) {
		w.Header().Set("Retry-After", "10")
		respondError(w, http.StatusTooManyRequests, models.CodeRefreshThrottled, "manifest refresh rate limit exceeded")
		return
	}
	var ge *models.GateError
	if errors.As(err, &ge) && ge.Code == models.CodeManifestInvalid {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":    ge.Code,
			"message":  ge.Message,
			"manifest": m,
		})
		return
	}
	log.Warn().Err(err).Msg("Manifest refresh failed")
	respondError(w, http.StatusBadGateway, models.CodeManifestUnavailable, err.Error())
}

// ══════════════════════════════════════════════════════════════
// ── Telemetry Stream ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// StreamTelemetry relays recorded events as server-sent events. An
// optional sessionId query parameter filters the stream.
func (h *Handlers) StreamTelemetry(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}
	sessionID := r.URL.Query().Get("sessionId")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rec := h.Orchestrator.Recorder()
	ch := rec.Subscribe()
	defer rec.Unsubscribe(ch)

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if sessionID != "" && ev.SessionID != sessionID {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

// ── Helpers ──────────────────────────────────────────────────

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, models.CodeInvalidParameters, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": code, "message": message})
}

// respondGateError writes a GateError with the status of its kind. Other
// errors are internal.
func respondGateError(w http.ResponseWriter, err error) {
	var ge *models.GateError
	if !errors.As(err, &ge) {
		log.Error().Err(err).Msg("Unhandled handler error")
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, StatusFor(ge), ge)
}

// StatusFor maps a gate error to its HTTP status.
func StatusFor(ge *models.GateError) int {
	switch ge.Code {
	case models.CodeInvalidTransition, models.CodeAlreadyTerminal:
		return http.StatusConflict
	case models.CodeManifestInvalid:
		return http.StatusUnprocessableEntity
	case models.CodeRefreshThrottled:
		return http.StatusTooManyRequests
	case models.CodeManifestUnavailable:
		return http.StatusBadGateway
	}
	switch ge.Kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindCapability, models.KindPermission:
		return http.StatusForbidden
	case models.KindHealth:
		return http.StatusServiceUnavailable
	case models.KindTimeout:
		return http.StatusGatewayTimeout
	case models.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
