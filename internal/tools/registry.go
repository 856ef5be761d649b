// Package tools holds the dispatch adapters the orchestrator hands admitted
// invocations to. The adapters only translate parameters and stream
// output; the tools themselves live in the context repository or behind a
// remote MCP endpoint.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Lukeus/my-context-kit-sub013/pkg/contracts"
)

// HandlerFunc runs one tool.
type HandlerFunc func(ctx context.Context, params map[string]interface{}, onChunk contracts.ChunkFunc) (interface{}, error)

// ErrNoExecutor is returned when no handler or fallback serves a tool.
type ErrNoExecutor struct {
	ToolID string
}

func (e *ErrNoExecutor) Error() string {
	return "no executor registered for tool " + e.ToolID
}

// Registry routes tool ids to handlers. It implements contracts.ToolExecutor.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback contracts.ToolExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds toolID to h, replacing any previous handler.
func (r *Registry) Register(toolID string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[toolID] = h
	log.Debug().Str("tool_id", toolID).Msg("Tool handler registered")
}

// SetFallback routes unregistered tools to exec.
func (r *Registry) SetFallback(exec contracts.ToolExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = exec
}

// IDs returns the registered tool ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Execute implements contracts.ToolExecutor.
func (r *Registry) Execute(ctx context.Context, toolID string, params map[string]interface{}, onChunk contracts.ChunkFunc) (interface{}, error) {
	r.mu.RLock()
	h, ok := r.handlers[toolID]
	fallback := r.fallback
	r.mu.RUnlock()

	if onChunk == nil {
		onChunk = func(string) {}
	}
	if ok {
		return h(ctx, params, onChunk)
	}
	if fallback != nil {
		return fallback.Execute(ctx, toolID, params, onChunk)
	}
	return nil, &ErrNoExecutor{ToolID: toolID}
}

// ── Parameter helpers ───────────────────────────────────────

// stringParam reads the first non-empty string among keys.
func stringParam(params map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := params[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func requireString(params map[string]interface{}, keys ...string) (string, error) {
	if s := stringParam(params, keys...); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("missing required parameter %q", keys[0])
}
