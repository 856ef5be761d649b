// Package contracts defines the collaborator interfaces of the tool gate.
//
// The orchestrator only talks to the outside world through these
// interfaces, so tests and alternative deployments can swap a concrete
// probe, executor or manifest source without touching the core.
package contracts

import (
	"context"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

// ── Health Probe ────────────────────────────────────────────

// HealthProbe reports the status of the backing service.
// Implementation: internal/health.HTTPProbe
//
// Probe must honour ctx cancellation; the monitor imposes the timeout.
type HealthProbe interface {
	Probe(ctx context.Context) (*models.ProbeResult, error)
}

// ── Tool Executor ───────────────────────────────────────────

// ChunkFunc receives a partial result while a tool is still running.
type ChunkFunc func(chunk string)

// ToolExecutor runs one tool. Implementations may call onChunk any number
// of times before returning; each call is recorded as a streaming chunk.
// Implementation: internal/tools.Registry and the adapters it routes to.
type ToolExecutor interface {
	Execute(ctx context.Context, toolID string, params map[string]interface{}, onChunk ChunkFunc) (interface{}, error)
}

// ── Manifest Source ─────────────────────────────────────────

// ManifestSource fetches an untrusted manifest candidate. The result is a
// raw document so that validation happens in one place.
// Implementations: internal/capability.FileSource, HTTPSource, BuiltinSource
type ManifestSource interface {
	FetchManifest(ctx context.Context) (map[string]interface{}, error)
	Kind() models.ManifestSource
}

// ── Session Store ───────────────────────────────────────────

// SessionStore persists assistant sessions.
// Implementation: internal/sessions.MemorySessionStore
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	ListSessions(ctx context.Context, userID string) ([]models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}
