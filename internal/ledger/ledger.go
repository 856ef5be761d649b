package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Lukeus/my-context-kit-sub013/pkg/models"
)

type entry struct {
	inv     models.ToolInvocation
	flushed bool
}

// Ledger owns every live invocation. Each Transition is a read-modify-write
// under the ledger lock, so concurrent writers to one invocation are
// serialized and the loser sees the winner's phase.
type Ledger struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	approvals map[string]string // approval ID → invocation ID
	now       func() time.Time
}

// NewLedger creates an empty ledger using the wall clock.
func NewLedger() *Ledger {
	return &Ledger{
		entries:   make(map[string]*entry),
		approvals: make(map[string]string),
		now:       time.Now,
	}
}

// WithClock overrides the ledger clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Now returns the ledger clock's current time.
func (l *Ledger) Now() time.Time { return l.now() }

// Create records a new queued invocation.
func (l *Ledger) Create(sessionID, toolID, provider string, params map[string]interface{}, correlationID string) models.Queued {
	inv := New(sessionID, toolID, provider, params, correlationID, l.now())

	l.mu.Lock()
	l.entries[inv.ID] = &entry{inv: inv}
	l.mu.Unlock()

	log.Debug().
		Str("invocation_id", inv.ID).
		Str("tool_id", toolID).
		Str("session_id", sessionID).
		Msg("Invocation created")
	return inv
}

// Get returns the current snapshot of an invocation.
func (l *Ledger) Get(id string) (models.ToolInvocation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	return e.inv, true
}

// Transition advances an invocation and stores the result.
func (l *Ledger) Transition(id string, next models.Phase, upd Update) (models.ToolInvocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return nil, models.NewGateError(models.KindNotFound, models.CodeInvocationNotFound,
			"invocation %s not found", id)
	}
	nextInv, err := Transition(e.inv, next, upd, l.now())
	if err != nil {
		return nil, err
	}
	e.inv = nextInv
	if upd.ApprovalID != "" {
		l.approvals[upd.ApprovalID] = id
	}

	log.Debug().
		Str("invocation_id", id).
		Str("phase", string(next)).
		Msg("Invocation transition")
	return nextInv, nil
}

// ByApproval resolves an approval ID to its invocation.
func (l *Ledger) ByApproval(approvalID string) (models.ToolInvocation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.approvals[approvalID]
	if !ok {
		return nil, false
	}
	e, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	return e.inv, true
}

// List returns a session's invocations ordered by queue time. An empty
// sessionID lists all of them.
func (l *Ledger) List(sessionID string) []models.ToolInvocation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []models.ToolInvocation
	for _, e := range l.entries {
		if sessionID == "" || e.inv.Common().SessionID == sessionID {
			out = append(out, e.inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Common().Timestamps.Queued.Before(out[j].Common().Timestamps.Queued)
	})
	return out
}

// MarkFlushed flags a session's terminal invocations as telemetry-flushed,
// which makes them eligible for eviction.
func (l *Ledger) MarkFlushed(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, e := range l.entries {
		if e.inv.Common().SessionID == sessionID && e.inv.Phase().Terminal() && !e.flushed {
			e.flushed = true
			n++
		}
	}
	return n
}

// Evict removes flushed terminal invocations completed before cutoff.
func (l *Ledger) Evict(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, e := range l.entries {
		if !e.flushed {
			continue
		}
		completed := e.inv.Common().Timestamps.Completed
		if completed == nil || !completed.Before(cutoff) {
			continue
		}
		if aid := e.inv.Common().ApprovalID; aid != "" {
			delete(l.approvals, aid)
		}
		delete(l.entries, id)
		n++
	}
	return n
}

// Len returns the number of live invocations.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
