// Package orchestrator drives tool invocations from submission to a
// terminal phase.
//
// Submission flow:
//  1. The session must exist
//  2. The capability index must have the tool enabled or in preview
//  3. The health snapshot must permit the tool (fallback capabilities)
//  4. The safety classifier checks approval and reason, unless health put
//     the gate in limited read-only mode
//  5. The invocation is created queued and handed to the admission controller
//
// Admitted invocations run in their own goroutine: validating (index and
// health are checked again) → executing → streaming* → completing →
// succeeded or failed. Every transition is recorded in the ledger and
// emitted as telemetry. The terminal transition releases the admission slot.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Lukeus/my-context-kit-sub013/internal/admission"
	"github.com/Lukeus/my-context-kit-sub013/internal/capability"
	"github.com/Lukeus/my-context-kit-sub013/internal/health"
	"github.com/Lukeus/my-context-kit-sub013/internal/ledger"
	"github.com/Lukeus/my-context-kit-sub013/internal/safety"
	"github.com/Lukeus/my-context-kit-sub013/internal/telemetry"
	"github.com/Lukeus/my-context-kit-sub013/pkg/contracts"
	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// HealthSource exposes the latest health snapshot.
// Implementation: internal/health.Monitor
type HealthSource interface {
	Snapshot() models.HealthSnapshot
}

// Options tune gating and manifest refresh.
type Options struct {
	ConcurrencyLimit int
	Gating           safety.GatingOptions
	// ApprovalTTL bounds how long an awaiting approval stays pending.
	// Zero means approvals never expire on their own.
	ApprovalTTL time.Duration
	// RefreshPerMinute rate limits RefreshManifest. Zero disables the limit.
	RefreshPerMinute int
}

// Deps are the collaborators of an Orchestrator. Nil optional fields get
// in-memory defaults.
type Deps struct {
	Sessions   contracts.SessionStore
	Executor   contracts.ToolExecutor
	Manifests  contracts.ManifestSource
	Health     HealthSource
	Catalog    *capability.Catalog
	Classifier *safety.Classifier
	Ledger     *ledger.Ledger
	Recorder   *telemetry.Recorder
	Tracer     trace.Tracer
}

// Orchestrator composes the gate components.
type Orchestrator struct {
	sessions   contracts.SessionStore
	executor   contracts.ToolExecutor
	manifests  contracts.ManifestSource
	health     HealthSource
	catalog    *capability.Catalog
	classifier *safety.Classifier
	ledger     *ledger.Ledger
	recorder   *telemetry.Recorder
	admission  *admission.Controller
	tracer     trace.Tracer
	limiter    *rate.Limiter
	opts       Options

	// Live invocations: invocation ID → run state
	runsMu sync.Mutex
	runs   map[string]*run
}

// New creates an orchestrator. Sessions and Executor are required.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewLedger()
	}
	if deps.Recorder == nil {
		deps.Recorder = telemetry.NewRecorder(0)
	}
	if deps.Catalog == nil {
		deps.Catalog = capability.NewCatalog(nil)
	}
	if deps.Classifier == nil {
		deps.Classifier = safety.NewClassifier()
	}
	if deps.Health == nil {
		deps.Health = staticHealth{}
	}
	if deps.Manifests == nil {
		deps.Manifests = capability.BuiltinSource{}
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	if opts.Gating.ReasonMinLength <= 0 {
		opts.Gating.ReasonMinLength = safety.DefaultReasonMinLength
	}

	o := &Orchestrator{
		sessions:   deps.Sessions,
		executor:   deps.Executor,
		manifests:  deps.Manifests,
		health:     deps.Health,
		catalog:    deps.Catalog,
		classifier: deps.Classifier,
		ledger:     deps.Ledger,
		recorder:   deps.Recorder,
		tracer:     deps.Tracer,
		opts:       opts,
		runs:       make(map[string]*run),
	}
	if opts.RefreshPerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RefreshPerMinute)), 1)
	}
	o.admission = admission.NewController(opts.ConcurrencyLimit, o.dispatch)
	return o
}

// staticHealth reports available; used when no monitor is wired.
type staticHealth struct{}

func (staticHealth) Snapshot() models.HealthSnapshot {
	return models.HealthSnapshot{Status: models.HealthAvailable, Timestamp: time.Now()}
}

func (o *Orchestrator) now() time.Time { return o.ledger.Now() }

// Ledger returns the invocation ledger.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Recorder returns the telemetry recorder.
func (o *Orchestrator) Recorder() *telemetry.Recorder { return o.recorder }

// Catalog returns the capability catalog.
func (o *Orchestrator) Catalog() *capability.Catalog { return o.catalog }

// Classifier returns the safety classifier.
func (o *Orchestrator) Classifier() *safety.Classifier { return o.classifier }

// AdmissionStats returns the admission controller counters.
func (o *Orchestrator) AdmissionStats() admission.Stats { return o.admission.Stats() }

// ── Sessions ────────────────────────────────────────────────

// CreateSession registers a new assistant session.
func (o *Orchestrator) CreateSession(ctx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	if req.Provider == "" {
		req.Provider = models.ProviderOllama
	}
	if !req.Provider.Valid() {
		return nil, models.NewGateError(models.KindValidation, models.CodeInvalidParameters,
			"unsupported provider %q", req.Provider)
	}
	now := o.now()
	s := &models.Session{
		ID:           uuid.New().String(),
		UserID:       req.UserID,
		Provider:     req.Provider,
		SystemPrompt: req.SystemPrompt,
		ActiveTools:  req.ActiveTools,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.sessions.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	o.recorder.Record(telemetry.SessionCreated(s, now))

	log.Info().
		Str("session_id", s.ID).
		Str("provider", string(s.Provider)).
		Msg("Session created")
	return s, nil
}

// GetSession returns a session or a session_not_found error.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, models.NewGateError(models.KindNotFound, models.CodeSessionNotFound,
			"session %s not found", sessionID)
	}
	return s, nil
}

// ── Queries ─────────────────────────────────────────────────

// GetInvocation returns the current snapshot of an invocation. Queued
// invocations report their live queue position. A phase observed here has
// its telemetry already recorded.
func (o *Orchestrator) GetInvocation(id string) (models.ToolInvocation, error) {
	if r := o.lookup(id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	inv, ok := o.ledger.Get(id)
	if !ok {
		return nil, models.NewGateError(models.KindNotFound, models.CodeInvocationNotFound,
			"invocation %s not found", id)
	}
	if q, ok := inv.(models.Queued); ok {
		q.QueuePosition = o.admission.Position(id)
		return q, nil
	}
	return inv, nil
}

// ListInvocations returns a session's invocations in submission order.
// Queued entries carry their live queue position, as in GetInvocation.
func (o *Orchestrator) ListInvocations(sessionID string) []models.ToolInvocation {
	invs := o.ledger.List(sessionID)
	for i, inv := range invs {
		if q, ok := inv.(models.Queued); ok {
			q.QueuePosition = o.admission.Position(q.ID)
			invs[i] = q
		}
	}
	return invs
}

// GetHealthSnapshot returns the latest health snapshot.
func (o *Orchestrator) GetHealthSnapshot() models.HealthSnapshot {
	return o.health.Snapshot()
}

// GetFallbackCapabilities derives the capability switches from the latest
// health snapshot.
func (o *Orchestrator) GetFallbackCapabilities() models.FallbackCapabilities {
	return health.FallbackFor(o.health.Snapshot().Status)
}

// DrainTelemetry returns and clears a session's buffered events. Terminal
// invocations of the session become eligible for eviction.
func (o *Orchestrator) DrainTelemetry(sessionID string) models.TelemetryEnvelope {
	events := o.recorder.Drain(sessionID)
	if sessionID != "" {
		o.ledger.MarkFlushed(sessionID)
	}
	return telemetry.Envelope(sessionID, events, o.now())
}

// ── Manifest ────────────────────────────────────────────────

// ErrRefreshThrottled is returned when RefreshManifest is called faster
// than the configured rate.
var ErrRefreshThrottled = models.NewGateError(models.KindValidation, models.CodeRefreshThrottled,
	"manifest refresh rate limit exceeded")

// RefreshManifest fetches the manifest from the configured source, installs
// it and reapplies the safety overrides. A rejected manifest installs the
// empty fallback, resets the classifier and returns a manifest_invalid
// error carrying the validation errors.
func (o *Orchestrator) RefreshManifest(ctx context.Context) (models.CapabilityManifest, error) {
	if o.limiter != nil && !o.limiter.Allow() {
		return o.catalog.Current().Manifest(), ErrRefreshThrottled
	}
	return o.loadManifest(ctx, o.manifests)
}

// LoadManifest installs a manifest from src, bypassing the refresh limit.
func (o *Orchestrator) LoadManifest(ctx context.Context, src contracts.ManifestSource) (models.CapabilityManifest, error) {
	return o.loadManifest(ctx, src)
}

func (o *Orchestrator) loadManifest(ctx context.Context, src contracts.ManifestSource) (models.CapabilityManifest, error) {
	raw, err := src.FetchManifest(ctx)
	if err != nil {
		telemetry.RecordManifestLoad(src.Kind(), "error")
		log.Warn().Err(err).Str("source", string(src.Kind())).Msg("Manifest fetch failed, keeping current index")
		return o.catalog.Current().Manifest(), fmt.Errorf("fetch manifest: %w", err)
	}

	ix, errs := o.catalog.Load(raw, src.Kind())
	m := ix.Manifest()
	o.recorder.Record(telemetry.CapabilityLoaded(m, len(errs), o.now()))

	if len(errs) > 0 {
		o.classifier.Reset()
		telemetry.RecordManifestLoad(m.Source, "rejected")
		return m, &models.GateError{
			Code:    models.CodeManifestInvalid,
			Kind:    models.KindValidation,
			Message: errs.Error(),
		}
	}

	o.classifier.Reset()
	o.classifier.UpdateFromManifest(ix)
	telemetry.RecordManifestLoad(m.Source, "accepted")
	return m, nil
}
