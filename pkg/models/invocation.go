package models

import "time"

// ── Tool Invocation ──────────────────────────────────────────

// Phase is a lifecycle phase of a tool invocation.
type Phase string

const (
	PhaseQueued          Phase = "queued"
	PhaseValidating      Phase = "validating"
	PhaseExecuting       Phase = "executing"
	PhaseStreaming       Phase = "streaming"
	PhaseApprovalPending Phase = "approval-pending"
	PhaseCompleting      Phase = "completing"
	PhaseSucceeded       Phase = "succeeded"
	PhaseFailed          Phase = "failed"
	PhaseAborted         Phase = "aborted"
	PhaseTimeout         Phase = "timeout"
)

// Terminal reports whether no further transition is possible from p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseFailed, PhaseAborted, PhaseTimeout:
		return true
	}
	return false
}

// Rank is the progress order used to keep transitions monotonic.
// queued and approval-pending share rank 0: both are pre-dispatch.
func (p Phase) Rank() int {
	switch p {
	case PhaseQueued, PhaseApprovalPending:
		return 0
	case PhaseValidating:
		return 1
	case PhaseExecuting:
		return 2
	case PhaseStreaming:
		return 3
	case PhaseCompleting:
		return 4
	case PhaseSucceeded, PhaseFailed, PhaseAborted, PhaseTimeout:
		return 5
	}
	return -1
}

// AbortedBy records who cancelled an invocation.
type AbortedBy string

const (
	AbortedByUser   AbortedBy = "user"
	AbortedBySystem AbortedBy = "system"
)

// Timestamps are the lifecycle instants of an invocation. Only Queued is
// always set.
type Timestamps struct {
	Queued            time.Time  `json:"queued"`
	Started           *time.Time `json:"started,omitempty"`
	FirstChunk        *time.Time `json:"firstChunk,omitempty"`
	ApprovalRequested *time.Time `json:"approvalRequested,omitempty"`
	ApprovalResolved  *time.Time `json:"approvalResolved,omitempty"`
	Completed         *time.Time `json:"completed,omitempty"`
}

// Metrics are derived from Timestamps on every transition.
type Metrics struct {
	DurationMs     *int64 `json:"durationMs,omitempty"`
	QueueWaitMs    *int64 `json:"queueWaitMs,omitempty"`
	ExecutionMs    *int64 `json:"executionMs,omitempty"`
	ApprovalWaitMs *int64 `json:"approvalWaitMs,omitempty"`
	RetryCount     int    `json:"retryCount"`
	ChunkCount     int    `json:"chunkCount"`
}

// InvocationBase holds the fields shared by every phase variant.
type InvocationBase struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"sessionId"`
	ToolID        string                 `json:"toolId"`
	Provider      string                 `json:"provider"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	CorrelationID string                 `json:"correlationId"`
	ApprovalID    string                 `json:"approvalId,omitempty"`
	QueuePosition int                    `json:"queuePosition,omitempty"`
	Timestamps    Timestamps             `json:"timestamps"`
	Metrics       Metrics                `json:"metrics"`
}

// Common returns a copy of the shared fields.
func (b InvocationBase) Common() InvocationBase { return b }

func (InvocationBase) isToolInvocation() {}

// ToolInvocation is the closed set of phase variants. Values are immutable:
// every transition produces a new variant.
type ToolInvocation interface {
	Phase() Phase
	Common() InvocationBase
	isToolInvocation()
}

// Queued is waiting for admission.
type Queued struct{ InvocationBase }

// Validating is admitted and re-checking gates before dispatch.
type Validating struct{ InvocationBase }

// Executing has been handed to the tool executor.
type Executing struct{ InvocationBase }

// Streaming has produced at least one partial result.
type Streaming struct {
	InvocationBase
	LastChunk string `json:"lastChunk,omitempty"`
}

// ApprovalPending is stalled until a human decision arrives.
type ApprovalPending struct {
	InvocationBase
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Completing has a result and is being finalized.
type Completing struct {
	InvocationBase
	Result interface{} `json:"result,omitempty"`
}

// Succeeded is terminal with a result.
type Succeeded struct {
	InvocationBase
	Result interface{} `json:"result,omitempty"`
}

// InvocationError preserves an executor or gate failure.
type InvocationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Failed is terminal with an error.
type Failed struct {
	InvocationBase
	Error InvocationError `json:"error"`
}

// Aborted is terminal after cancellation or rejection.
type Aborted struct {
	InvocationBase
	AbortedBy AbortedBy `json:"abortedBy"`
	Reason    string    `json:"reason,omitempty"`
}

// TimedOut is terminal after a deadline or an expired approval.
type TimedOut struct {
	InvocationBase
	Reason string `json:"reason,omitempty"`
}

func (Queued) Phase() Phase          { return PhaseQueued }
func (Validating) Phase() Phase      { return PhaseValidating }
func (Executing) Phase() Phase       { return PhaseExecuting }
func (Streaming) Phase() Phase       { return PhaseStreaming }
func (ApprovalPending) Phase() Phase { return PhaseApprovalPending }
func (Completing) Phase() Phase      { return PhaseCompleting }
func (Succeeded) Phase() Phase       { return PhaseSucceeded }
func (Failed) Phase() Phase          { return PhaseFailed }
func (Aborted) Phase() Phase         { return PhaseAborted }
func (TimedOut) Phase() Phase        { return PhaseTimeout }

// InvocationView is the flat JSON shape returned to callers.
type InvocationView struct {
	InvocationBase
	Phase     Phase            `json:"phase"`
	Result    interface{}      `json:"result,omitempty"`
	Error     *InvocationError `json:"error,omitempty"`
	AbortedBy AbortedBy        `json:"abortedBy,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
	LastChunk string           `json:"lastChunk,omitempty"`
}

// View flattens a variant for serialization.
func View(inv ToolInvocation) InvocationView {
	v := InvocationView{InvocationBase: inv.Common(), Phase: inv.Phase()}
	switch t := inv.(type) {
	case Streaming:
		v.LastChunk = t.LastChunk
	case ApprovalPending:
		v.ExpiresAt = t.ExpiresAt
	case Completing:
		v.Result = t.Result
	case Succeeded:
		v.Result = t.Result
	case Failed:
		e := t.Error
		v.Error = &e
	case Aborted:
		v.AbortedBy = t.AbortedBy
		v.Reason = t.Reason
	case TimedOut:
		v.Reason = t.Reason
	}
	return v
}

// ── Submission ───────────────────────────────────────────────

// ApprovalContext carries the caller's approval state for a submission.
type ApprovalContext struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
	// Await parks the invocation in approval-pending instead of rejecting it.
	Await bool          `json:"await,omitempty"`
	TTL   time.Duration `json:"ttl,omitempty"`
}

// SubmitRequest asks the orchestrator to run a tool.
type SubmitRequest struct {
	SessionID     string                 `json:"sessionId"`
	ToolID        string                 `json:"toolId"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	Approval      *ApprovalContext       `json:"approval,omitempty"`
	Timeout       time.Duration          `json:"timeout,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
}

// SubmitResult is the synchronous admission outcome.
type SubmitResult struct {
	InvocationID  string `json:"invocationId"`
	Phase         Phase  `json:"phase"`
	QueuePosition int    `json:"queuePosition,omitempty"`
	ApprovalID    string `json:"approvalId,omitempty"`
}

// ApprovalDecision is the outcome delivered by the approval resolver.
type ApprovalDecision string

const (
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
	ApprovalExpired  ApprovalDecision = "expired"
)

// Valid reports whether d is a known decision.
func (d ApprovalDecision) Valid() bool {
	switch d {
	case ApprovalApproved, ApprovalRejected, ApprovalExpired:
		return true
	}
	return false
}
