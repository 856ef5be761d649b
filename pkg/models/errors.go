package models

import "fmt"

// ErrorKind groups gate errors by how callers should react to them.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindCapability ErrorKind = "capability"
	KindPermission ErrorKind = "permission"
	KindHealth     ErrorKind = "health"
	KindTimeout    ErrorKind = "timeout"
	KindInternal   ErrorKind = "internal"
	KindNotFound   ErrorKind = "not_found"
)

// Stable machine codes carried by GateError.
const (
	CodeManifestInvalid     = "manifest_invalid"
	CodeManifestUnavailable = "manifest_unavailable"
	CodeRefreshThrottled    = "refresh_throttled"
	CodeInvalidParameters   = "invalid_parameters"
	CodeCapabilityDisabled  = "capability_disabled"
	CodeCapabilityUnknown   = "capability_unknown"
	CodeApprovalRequired    = "approval_required"
	CodeReasonTooShort      = "reason_too_short"
	CodeHealthUnavailable   = "health_unavailable"
	CodeHealthDegraded      = "health_degraded"
	CodeInvocationNotFound  = "invocation_not_found"
	CodeApprovalNotFound    = "approval_not_found"
	CodeInvalidTransition   = "invalid_transition"
	CodeAlreadyTerminal     = "already_terminal"
	CodeSessionNotFound     = "session_not_found"
	CodeTimeout             = "timeout"
	CodeExecutorFailed      = "executor_failed"
)

// GateError is a typed rejection. Code is stable; Message is for humans.
type GateError struct {
	Code           string    `json:"error"`
	Message        string    `json:"message"`
	Kind           ErrorKind `json:"kind"`
	FallbackToolID string    `json:"fallbackToolId,omitempty"`
}

func (e *GateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode returns the machine-readable code.
func (e *GateError) ErrorCode() string { return e.Code }

// NewGateError builds a GateError with a formatted message.
func NewGateError(kind ErrorKind, code, format string, args ...interface{}) *GateError {
	return &GateError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}
